package validate

import (
	"context"
	"errors"
	"time"

	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// smokeValidator runs the candidate once in a throwaway session under the
// tightest limits: one frame, a fraction of the normal time and output
// budgets. A sketch that cannot survive that run will not survive a real
// session either. The display list produced here is discarded.
type smokeValidator struct {
	engine  sandbox.Engine
	timeout time.Duration
}

func (smokeValidator) Stage() Stage { return StageSmoke }

func (s smokeValidator) Check(ctx context.Context, cand *sandbox.Candidate, profile capset.Profile) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Execute(ctx, cand, profile, sandbox.SmokeLimits())
	if err == nil && result != nil && result.Success {
		return Result{Stage: StageSmoke, Verdict: VerdictPass}
	}

	return Result{
		Stage:       StageSmoke,
		Verdict:     VerdictFail,
		Diagnostics: []Diagnostic{smokeDiagnostic(err)},
	}
}

// smokeDiagnostic maps a trial-run failure to an author-safe finding.
// Internal detail (stack traces, session ids) stays out of the message.
func smokeDiagnostic(err error) Diagnostic {
	switch {
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Diagnostic{Code: "smoke_timeout", Message: "trial run did not finish in time"}
	case errors.Is(err, sandbox.ErrMemoryLimit):
		return Diagnostic{Code: "smoke_memory", Message: "trial run exceeded the output budget"}
	case errors.Is(err, sandbox.ErrViolation):
		return Diagnostic{Code: "smoke_violation", Message: "trial run attempted a denied operation"}
	default:
		return Diagnostic{Code: "smoke_crash", Message: "trial run crashed"}
	}
}
