package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/generate"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/internal/storage"
	"safe-sketch-sandbox/internal/validate"
	"safe-sketch-sandbox/pkg/capset"
)

// Generator is the slice of the generation client the handlers need.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*sandbox.Candidate, error)
}

type Handlers struct {
	engine    sandbox.Engine
	pipeline  *validate.Pipeline
	generator Generator
	recorder  *monitor.Recorder
	db        *storage.DB
	audit     *storage.AuditWriter
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	defaultLevel  capset.SecurityLevel
	defaultLimits sandbox.SessionLimits
	profiles      func(capset.SecurityLevel) capset.Profile
}

// NewHandlers wires the handler set. profiles resolves a security level to
// its capability profile; nil means the stock per-level profiles.
func NewHandlers(engine sandbox.Engine, pipeline *validate.Pipeline, generator Generator,
	recorder *monitor.Recorder, db *storage.DB, audit *storage.AuditWriter,
	metrics *monitor.Metrics, defaultLevel capset.SecurityLevel, defaultLimits sandbox.SessionLimits,
	profiles func(capset.SecurityLevel) capset.Profile) *Handlers {
	if profiles == nil {
		profiles = capset.ForLevel
	}
	return &Handlers{
		engine:        engine,
		pipeline:      pipeline,
		generator:     generator,
		recorder:      recorder,
		db:            db,
		audit:         audit,
		metrics:       metrics,
		tracer:        monitor.NewTracer(),
		defaultLevel:  defaultLevel,
		defaultLimits: defaultLimits,
		profiles:      profiles,
	}
}

// HandleSketch generates a sketch from a prompt, validates it, and, if
// admitted, runs it. The untrusted code path is identical to HandleExecute.
func (h *Handlers) HandleSketch(w http.ResponseWriter, r *http.Request) {
	var req SketchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Prompt == "" {
		writeError(w, "prompt is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.generator == nil {
		writeError(w, "generation not configured", "GENERATION_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	level := h.level(req.Level)
	cand, err := h.generator.Generate(r.Context(), generate.Request{Prompt: req.Prompt, Level: level})
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("generation failed")
		writeError(w, "generation failed", "GENERATION_FAILED", http.StatusBadGateway, r)
		return
	}

	h.metrics.SketchSizeBytes.Observe(float64(len(cand.Source)))

	profile := h.profiles(cand.Level)
	results := h.pipeline.Validate(r.Context(), cand, profile)
	h.recordValidation(results)

	resp := SketchResponse{
		CandidateID: cand.ID,
		Code:        cand.Source,
		Admitted:    validate.Admitted(results),
		Validation:  results,
	}

	if resp.Admitted {
		if exec := h.run(w, r, cand, profile, h.limits(req.Limits)); exec != nil {
			resp.Execution = exec
		} else {
			return // run already wrote the error
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleValidate runs the admission pipeline without executing.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	level := h.level(req.Level)
	cand := sandbox.NewCandidate(req.Code, level, nil)

	h.metrics.SketchSizeBytes.Observe(float64(len(cand.Source)))

	results := h.pipeline.Validate(r.Context(), cand, h.profiles(level))
	h.recordValidation(results)

	writeJSON(w, http.StatusOK, ValidateResponse{
		CandidateID: cand.ID,
		Admitted:    validate.Admitted(results),
		Results:     results,
	})
}

// HandleExecute validates and runs caller-supplied sketch code.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	level := h.level(req.Level)
	cand := sandbox.NewCandidate(req.Code, level, nil)
	profile := h.profiles(level)

	h.metrics.SketchSizeBytes.Observe(float64(len(cand.Source)))

	results := h.pipeline.Validate(r.Context(), cand, profile)
	h.recordValidation(results)

	if !validate.Admitted(results) {
		writeJSON(w, http.StatusUnprocessableEntity, ValidateResponse{
			CandidateID: cand.ID,
			Admitted:    false,
			Results:     results,
		})
		return
	}

	if exec := h.run(w, r, cand, profile, h.limits(req.Limit)); exec != nil {
		writeJSON(w, http.StatusOK, exec)
	}
}

// run executes an admitted candidate and audits the outcome. On transport
// errors it writes the HTTP error itself and returns nil.
func (h *Handlers) run(w http.ResponseWriter, r *http.Request, cand *sandbox.Candidate,
	profile capset.Profile, limits sandbox.SessionLimits) *ExecuteResponse {
	if h.engine == nil {
		writeError(w, "sandbox unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return nil
	}

	h.metrics.ActiveSessions.Inc()
	defer h.metrics.ActiveSessions.Dec()

	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrCandidateID.String(cand.ID),
		monitor.AttrCodeHash.String(cand.CodeHash),
		monitor.AttrLevel.String(string(cand.Level)),
	)
	defer span.End()

	start := time.Now()
	result, err := h.engine.Execute(ctx, cand, profile, limits)
	duration := time.Since(start)

	if result == nil {
		if errors.Is(err, sandbox.ErrInvalidRequest) {
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
			return nil
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return nil
	}

	span.SetAttributes(
		monitor.AttrSessionID.String(result.SessionID),
		monitor.AttrOutcome.String(result.Outcome),
		monitor.AttrDurationMS.Int64(duration.Milliseconds()),
	)

	h.metrics.RecordExecution(string(cand.Level), result.Outcome, duration.Seconds())
	h.metrics.DisplayListBytes.Observe(float64(result.ResourceUsage.OutputBytes))

	if h.audit != nil {
		h.audit.LogExecution(storage.RecordFromResult(result, cand, r.RemoteAddr))
	}

	return executeResponse(result)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	rec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Outcome:       r.URL.Query().Get("outcome"),
		SecurityLevel: r.URL.Query().Get("level"),
		Limit:         100,
	}

	recs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, recs)
}

// HandleCancelExecution terminates an active session. When the session has
// already finished and a database is configured, DELETE falls through to
// removing the stored record, so the route doubles as the retention hook.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.engine != nil && h.engine.Cancel(id) {
		log.Info().Str("session_id", id).Msg("session cancelled via API")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled", "id": id})
		return
	}

	if h.db != nil {
		if err := h.db.DeleteExecution(r.Context(), id); err == nil {
			log.Info().Str("session_id", id).Msg("execution record deleted via API")
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
			return
		}
	}

	writeError(w, "no active session or stored execution with that ID", "NOT_FOUND", http.StatusNotFound, r)
}

// HandleListEvents returns recent security events. With a database it
// serves the persisted trail; otherwise the in-memory log.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	if h.db != nil {
		events, err := h.db.ListSecurityEvents(r.Context(), sessionID, 100)
		if err != nil {
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	events := h.recorder.Events()
	if sessionID != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.SessionID == sessionID {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) recordValidation(results []validate.Result) {
	for _, res := range results {
		h.metrics.RecordValidation(string(res.Stage), string(res.Verdict))
	}
}

func (h *Handlers) level(s string) capset.SecurityLevel {
	if s == "" {
		return h.defaultLevel
	}
	return capset.ParseLevel(s)
}

func (h *Handlers) limits(override *Limits) sandbox.SessionLimits {
	limits := h.defaultLimits
	if override == nil {
		return limits
	}
	if override.MaxExecution.Duration > 0 {
		limits.MaxExecution = override.MaxExecution.Duration
	}
	if override.MaxMemoryBytes > 0 {
		limits.MaxMemoryBytes = override.MaxMemoryBytes
	}
	if override.MaxFrames > 0 {
		limits.MaxFrames = override.MaxFrames
	}
	return limits
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
