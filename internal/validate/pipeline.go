// Package validate decides whether generated sketch code may run. Five
// stages execute in a fixed fail-fast order, cheap and deterministic checks
// before the one stage that actually runs candidate code.
package validate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageSyntax     Stage = "syntax"
	StageStructural Stage = "structural"
	StageCapability Stage = "capability"
	StageHeuristic  Stage = "heuristic"
	StageSmoke      Stage = "smoke"
)

// Verdict is a stage outcome. Warn does not stop the pipeline.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Diagnostic describes one finding. Code is a stable machine-readable
// identifier (e.g. "missing_entry_point" or a matched operation id);
// Message is safe to show to the sketch author.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// Result is one stage's verdict for one candidate.
type Result struct {
	CandidateID string       `json:"candidate_id"`
	Stage       Stage        `json:"stage"`
	Verdict     Verdict      `json:"verdict"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

func (r Result) failed() bool { return r.Verdict == VerdictFail }

// Admitted reports whether a result set admits the candidate: every stage
// attempted, none failing.
func Admitted(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.failed() {
			return false
		}
	}
	return results[len(results)-1].Stage == StageSmoke
}

// validator is one stage. Stages depend only on the candidate and the
// profile; the pipeline holds no shared mutable state and is safe to run
// concurrently for different candidates.
type validator interface {
	Stage() Stage
	Check(ctx context.Context, cand *sandbox.Candidate, profile capset.Profile) Result
}

// Config tunes the pipeline.
type Config struct {
	// HeuristicWarn is the statically estimated iteration count above which
	// the resource heuristic annotates a warning.
	HeuristicWarn int64
	// HeuristicCeiling is the hard ceiling above which the heuristic fails
	// the candidate outright.
	HeuristicCeiling int64
	// SmokeTimeout bounds the trial run.
	SmokeTimeout time.Duration
}

// DefaultConfig matches interactive editing: generous warn threshold, the
// ceiling an order of magnitude above it.
func DefaultConfig() Config {
	return Config{
		HeuristicWarn:    1_000_000,
		HeuristicCeiling: 100_000_000,
		SmokeTimeout:     250 * time.Millisecond,
	}
}

// Pipeline orders the validators and applies the fail-fast policy.
type Pipeline struct {
	stages []validator
}

// NewPipeline builds the standard five-stage pipeline. engine runs the
// smoke stage's throwaway sessions; it is only reached once every static
// stage passed.
func NewPipeline(cfg Config, engine sandbox.Engine) *Pipeline {
	if cfg.HeuristicWarn <= 0 {
		cfg.HeuristicWarn = DefaultConfig().HeuristicWarn
	}
	if cfg.HeuristicCeiling <= cfg.HeuristicWarn {
		cfg.HeuristicCeiling = cfg.HeuristicWarn * 100
	}
	if cfg.SmokeTimeout <= 0 {
		cfg.SmokeTimeout = DefaultConfig().SmokeTimeout
	}

	return &Pipeline{
		stages: []validator{
			syntaxValidator{},
			structuralValidator{},
			capabilityValidator{},
			heuristicValidator{warn: cfg.HeuristicWarn, ceiling: cfg.HeuristicCeiling},
			smokeValidator{engine: engine, timeout: cfg.SmokeTimeout},
		},
	}
}

// Validate runs the stages in order, stopping at the first failure. The
// returned slice holds one Result per stage attempted.
func (p *Pipeline) Validate(ctx context.Context, cand *sandbox.Candidate, profile capset.Profile) []Result {
	results := make([]Result, 0, len(p.stages))

	for _, stage := range p.stages {
		if ctx.Err() != nil {
			// Cancellation mid-pipeline: stop without admitting.
			return results
		}

		result := stage.Check(ctx, cand, profile)
		result.CandidateID = cand.ID
		result.EvaluatedAt = time.Now()
		results = append(results, result)

		if result.failed() {
			log.Info().
				Str("candidate_id", cand.ID).
				Str("stage", string(result.Stage)).
				Msg("candidate rejected")
			return results
		}
	}

	log.Debug().Str("candidate_id", cand.ID).Msg("candidate admitted")
	return results
}
