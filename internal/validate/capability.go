package validate

import (
	"context"
	"fmt"

	"github.com/yuin/gopher-lua/ast"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// capabilityValidator statically matches call sites against the denied
// capability table and the profile. It rejects before any code runs; the
// boundary's honeypots are the backstop for anything the scan cannot see
// (e.g. computed global lookups).
type capabilityValidator struct{}

func (capabilityValidator) Stage() Stage { return StageCapability }

func (capabilityValidator) Check(_ context.Context, cand *sandbox.Candidate, profile capset.Profile) Result {
	chunk, err := parseSketch(cand.Source)
	if err != nil {
		return Result{
			Stage:       StageCapability,
			Verdict:     VerdictFail,
			Diagnostics: []Diagnostic{{Code: "syntax_error", Message: "sketch does not parse"}},
		}
	}

	denied := make(map[string]capset.OperationID)
	for _, p := range capset.DeniedPatterns() {
		denied[p.Ident] = p.Op
	}

	var diags []Diagnostic
	seen := make(map[capset.OperationID]struct{})
	flag := func(op capset.OperationID, target string, line int) {
		if _, dup := seen[op]; dup {
			return
		}
		seen[op] = struct{}{}
		diags = append(diags, Diagnostic{
			Code:    string(op),
			Message: fmt.Sprintf("%q is not permitted at security level %s", target, profile.Level),
			Line:    line,
		})
	}

	walkStmts(chunk, 0, visit{
		expr: func(expr ast.Expr, _ int) {
			call, ok := expr.(*ast.FuncCallExpr)
			if !ok {
				return
			}
			target, ok := callTarget(call)
			if !ok {
				return
			}

			if op, isDenied := denied[target]; isDenied && !profile.Allows(op) {
				flag(op, target, call.Line())
				return
			}
			// Host ops outside the profile (e.g. text() under strict).
			if op, isHost := canvas.KnownOperation(target); isHost && !profile.Allows(op) {
				flag(op, target, call.Line())
			}
		},
	})

	// Bare references to host scopes (parent.frames, document.title) that
	// are reads rather than calls.
	walkStmts(chunk, 0, visit{
		expr: func(expr ast.Expr, _ int) {
			attr, ok := expr.(*ast.AttrGetExpr)
			if !ok {
				return
			}
			obj, ok := attr.Object.(*ast.IdentExpr)
			if !ok {
				return
			}
			if op, isDenied := denied[obj.Value]; isDenied && !profile.Allows(op) {
				flag(op, obj.Value, attr.Line())
			}
		},
	})

	if len(diags) > 0 {
		return Result{Stage: StageCapability, Verdict: VerdictFail, Diagnostics: diags}
	}
	return Result{Stage: StageCapability, Verdict: VerdictPass}
}
