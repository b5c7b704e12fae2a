// Package generate talks to the upstream sketch generation service. The
// API token lives only in this process; generated code reaches the sandbox
// as an untrusted candidate, never with the credentials that produced it.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/breaker"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// ErrEmptySketch is returned when the upstream answers without code.
var ErrEmptySketch = errors.New("generation returned no sketch code")

// Request describes what the author asked for.
type Request struct {
	Prompt string               `json:"prompt"`
	Level  capset.SecurityLevel `json:"security_level"`
}

type generateResponse struct {
	Code          string   `json:"code"`
	RequestedCaps []string `json:"requested_capabilities,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// Config for the generation client.
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// Client requests sketch code from the generation endpoint, guarded by a
// circuit breaker so a failing upstream degrades to fast rejections.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	breaker  *breaker.Breaker
}

// NewClient builds a client. breaker may not be nil; the caller owns its
// configuration so the same breaker can feed metrics.
func NewClient(cfg Config, b *breaker.Breaker) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		breaker:  b,
	}
}

// Generate asks upstream for sketch code and wraps the answer as an
// untrusted candidate at the requested security level.
func (c *Client) Generate(ctx context.Context, req Request) (*sandbox.Candidate, error) {
	if req.Level == "" {
		req.Level = capset.LevelStrict
	}

	var resp generateResponse
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, req, &resp)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			log.Warn().Msg("generation request rejected, circuit open")
		}
		return nil, fmt.Errorf("generate sketch: %w", err)
	}

	if resp.Code == "" {
		return nil, ErrEmptySketch
	}

	caps := make([]capset.OperationID, 0, len(resp.RequestedCaps))
	for _, name := range resp.RequestedCaps {
		caps = append(caps, capset.OperationID(name))
	}

	cand := sandbox.NewCandidate(resp.Code, req.Level, caps)
	log.Debug().
		Str("candidate_id", cand.ID).
		Str("code_hash", cand.CodeHash).
		Int("source_bytes", len(cand.Source)).
		Msg("sketch generated")
	return cand, nil
}

func (c *Client) post(ctx context.Context, req Request, out *generateResponse) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call generation service: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		// Drain a little context for the log without trusting the body.
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 256))
		log.Error().
			Int("status", httpResp.StatusCode).
			Str("body", string(snippet)).
			Msg("generation service error")
		return fmt.Errorf("generation service returned %d", httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
