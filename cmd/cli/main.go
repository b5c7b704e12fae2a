package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	level     string
	maxExec   string
	maxFrames int
)

func main() {
	root := &cobra.Command{
		Use:   "sketchbox-cli",
		Short: "CLI client for safe-sketch-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SKETCHBOX_API_KEY"), "API key")

	// Generate + validate + run from a prompt
	genCmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a sketch from a prompt and run it sandboxed",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	genCmd.Flags().StringVarP(&level, "level", "L", "strict", "Security level (strict, moderate, relaxed)")
	root.AddCommand(genCmd)

	// Validate only
	validateCmd := &cobra.Command{
		Use:   "validate [code]",
		Short: "Run sketch code through the admission pipeline without executing",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVarP(&level, "level", "L", "strict", "Security level")
	root.AddCommand(validateCmd)

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Validate and execute sketch code in a sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&level, "level", "L", "strict", "Security level")
	execCmd.Flags().StringVar(&maxExec, "timeout", "2s", "Execution time limit")
	execCmd.Flags().IntVar(&maxFrames, "frames", 60, "Number of frames to draw")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Validate and execute a sketch file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&level, "level", "L", "strict", "Security level")
	execFileCmd.Flags().StringVar(&maxExec, "timeout", "2s", "Execution time limit")
	execFileCmd.Flags().IntVar(&maxFrames, "frames", 60, "Number of frames to draw")
	root.AddCommand(execFileCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	// List security events
	root.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "List recent security events",
		RunE:  runEvents,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGenerate(_ *cobra.Command, args []string) error {
	return postAndPrint("/sketches", map[string]any{
		"prompt":         args[0],
		"security_level": level,
	})
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return postAndPrint("/validate", map[string]any{
		"code":           code,
		"security_level": level,
	})
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func codeFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func executeCode(code string) error {
	return postAndPrint("/execute", map[string]any{
		"code":           code,
		"security_level": level,
		"limits": map[string]any{
			"max_execution": maxExec,
			"max_frames":    maxFrames,
		},
	})
}

func postAndPrint(path string, payload map[string]any) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	// Pretty print
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if success, ok := result["success"].(bool); ok && !success {
		os.Exit(1)
	}

	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	return getAndPrint("/executions")
}

func runEvents(_ *cobra.Command, _ []string) error {
	return getAndPrint("/events")
}

func getAndPrint(path string) error {
	req, _ := http.NewRequest("GET", serverURL+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
