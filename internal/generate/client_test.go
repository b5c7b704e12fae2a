package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"safe-sketch-sandbox/internal/breaker"
	"safe-sketch-sandbox/pkg/capset"
)

func newTestClient(endpoint string) *Client {
	return NewClient(Config{
		Endpoint: endpoint,
		Token:    "host-only-token",
		Timeout:  time.Second,
	}, breaker.New(breaker.DefaultConfig()))
}

func TestGenerateBuildsCandidate(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Prompt != "bouncing ball" {
			t.Errorf("prompt = %q", req.Prompt)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                   "function setup() end\nfunction draw() end",
			"requested_capabilities": []string{"canvas.rect"},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	cand, err := client.Generate(context.Background(), Request{
		Prompt: "bouncing ball",
		Level:  capset.LevelModerate,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotAuth != "Bearer host-only-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if cand.ID == "" || cand.CodeHash == "" {
		t.Errorf("candidate missing identity: %+v", cand)
	}
	if cand.Level != capset.LevelModerate {
		t.Errorf("level = %s", cand.Level)
	}
	if len(cand.RequestedCaps) != 1 || cand.RequestedCaps[0] != capset.OpCanvasRect {
		t.Errorf("requested caps = %v", cand.RequestedCaps)
	}
}

func TestGenerateEmptyCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": ""})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrEmptySketch) {
		t.Fatalf("err = %v, want ErrEmptySketch", err)
	}
}

func TestGenerateUpstreamErrorTripsBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, SuccessThreshold: 1})
	client := NewClient(Config{Endpoint: server.URL, Timeout: time.Second}, b)

	for i := 0; i < 2; i++ {
		if _, err := client.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen once circuit trips", err)
	}
}

func TestGenerateDefaultsToStrict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "function setup() end"})
	}))
	defer server.Close()

	cand, err := newTestClient(server.URL).Generate(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Level != capset.LevelStrict {
		t.Errorf("level = %s, want strict default", cand.Level)
	}
}
