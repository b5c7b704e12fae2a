package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"safe-sketch-sandbox/internal/generate"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/internal/validate"
	"safe-sketch-sandbox/pkg/capset"
)

const okSketch = "function setup()\nend\nfunction draw()\n  rect(1, 1, 2, 2)\nend"

// mockEngine implements sandbox.Engine for handler tests.
type mockEngine struct {
	result    *sandbox.ExecutionResult
	err       error
	cancelled []string
}

func (m *mockEngine) Execute(_ context.Context, cand *sandbox.Candidate, _ capset.Profile, _ sandbox.SessionLimits) (*sandbox.ExecutionResult, error) {
	if m.result != nil || m.err != nil {
		return m.result, m.err
	}
	return &sandbox.ExecutionResult{
		SessionID:   "sess-test",
		CandidateID: cand.ID,
		Success:     true,
		Outcome:     "completed",
	}, nil
}

func (m *mockEngine) Cancel(id string) bool {
	m.cancelled = append(m.cancelled, id)
	return id == "active-session"
}

func (m *mockEngine) Close() error { return nil }

// mockGenerator returns canned sketch code.
type mockGenerator struct {
	code string
	err  error
}

func (m *mockGenerator) Generate(_ context.Context, req generate.Request) (*sandbox.Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return sandbox.NewCandidate(m.code, req.Level, nil), nil
}

func newTestHandlers(engine sandbox.Engine, gen Generator) *Handlers {
	return NewHandlers(engine,
		validate.NewPipeline(validate.DefaultConfig(), engine),
		gen,
		monitor.NewRecorder(monitor.NewClassifier(), nil),
		nil, nil,
		monitor.NewMetrics(),
		capset.LevelStrict,
		sandbox.DefaultLimits(),
		nil)
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleExecute_Success(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleExecute, "/execute", ExecuteRequest{Code: okSketch})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "sess-test" || !resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleExecute_RejectedCode(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleExecute, "/execute", ExecuteRequest{
		Code: "function setup() end", // no draw
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, want 422", rec.Code)
	}
	var resp ValidateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Admitted {
		t.Error("rejected code reported as admitted")
	}
}

func TestHandleExecute_MissingCode(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleExecute, "/execute", ExecuteRequest{})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("error code = %q", resp.Code)
	}
}

func TestHandleValidate(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleValidate, "/validate", ValidateRequest{Code: okSketch})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp ValidateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Admitted || len(resp.Results) != 5 {
		t.Errorf("admitted=%v results=%d", resp.Admitted, len(resp.Results))
	}
}

func TestHandleValidate_DeniedCapability(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleValidate, "/validate", ValidateRequest{
		Code: "function setup() end\nfunction draw()\n  fetch('http://evil')\nend",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (validation verdicts, not transport error)", rec.Code)
	}
	var resp ValidateResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Admitted {
		t.Error("network-reaching code admitted")
	}
}

func TestHandleSketch(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, &mockGenerator{code: okSketch})

	rec := postJSON(t, h.HandleSketch, "/sketches", SketchRequest{Prompt: "bouncing ball"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp SketchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Admitted || resp.Execution == nil {
		t.Errorf("admitted=%v execution=%v", resp.Admitted, resp.Execution)
	}
	if resp.Code != okSketch {
		t.Errorf("generated code not echoed")
	}
}

func TestHandleSketch_GeneratorUnavailable(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)

	rec := postJSON(t, h.HandleSketch, "/sketches", SketchRequest{Prompt: "x"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
}

func TestHandleSketch_GenerationFailure(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, &mockGenerator{err: errors.New("upstream down")})

	rec := postJSON(t, h.HandleSketch, "/sketches", SketchRequest{Prompt: "x"})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
}

func TestHandleSketch_RejectedNotExecuted(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, &mockGenerator{
		code: "function setup() end", // missing draw
	})

	rec := postJSON(t, h.HandleSketch, "/sketches", SketchRequest{Prompt: "x"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp SketchResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Admitted || resp.Execution != nil {
		t.Errorf("rejected sketch executed: %+v", resp)
	}
}

func TestHandleCancelExecution(t *testing.T) {
	engine := &mockEngine{}
	h := newTestHandlers(engine, nil)

	req := httptest.NewRequest(http.MethodDelete, "/executions/active-session", nil)
	req.SetPathValue("id", "active-session")
	rec := httptest.NewRecorder()
	h.HandleCancelExecution(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/executions/gone", nil)
	req.SetPathValue("id", "gone")
	rec = httptest.NewRecorder()
	h.HandleCancelExecution(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 for finished session", rec.Code)
	}
}

func TestHandleListEvents_InMemory(t *testing.T) {
	h := newTestHandlers(&mockEngine{}, nil)
	h.recorder.Record(monitor.RawViolation{SessionID: "sess-1", Op: capset.OpNetFetch})
	h.recorder.Record(monitor.RawViolation{SessionID: "sess-2", Cause: "timeout"})

	req := httptest.NewRequest(http.MethodGet, "/events?session_id=sess-1", nil)
	rec := httptest.NewRecorder()
	h.HandleListEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var events []monitor.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].SessionID != "sess-1" {
		t.Errorf("events = %+v", events)
	}
}
