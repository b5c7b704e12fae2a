package validate

import (
	"context"
	"fmt"

	"github.com/yuin/gopher-lua/ast"

	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// entryPoints the host calls into: setup once, draw every frame.
var entryPoints = []string{"setup", "draw"}

// structuralValidator checks the candidate defines the required entry
// points at the top level, either as `function setup()` or as an assignment
// of a function literal.
type structuralValidator struct{}

func (structuralValidator) Stage() Stage { return StageStructural }

func (structuralValidator) Check(_ context.Context, cand *sandbox.Candidate, _ capset.Profile) Result {
	chunk, err := parseSketch(cand.Source)
	if err != nil {
		// Syntax already passed; a parse failure here means the stages ran
		// out of order.
		return Result{
			Stage:       StageStructural,
			Verdict:     VerdictFail,
			Diagnostics: []Diagnostic{{Code: "syntax_error", Message: "sketch does not parse"}},
		}
	}

	defined := topLevelFunctions(chunk)

	var diags []Diagnostic
	for _, entry := range entryPoints {
		if _, ok := defined[entry]; !ok {
			diags = append(diags, Diagnostic{
				Code:    "missing_entry_point",
				Message: fmt.Sprintf("sketch must define a %s() function", entry),
			})
		}
	}

	if len(diags) > 0 {
		return Result{Stage: StageStructural, Verdict: VerdictFail, Diagnostics: diags}
	}
	return Result{Stage: StageStructural, Verdict: VerdictPass}
}

// topLevelFunctions collects global function names defined by the chunk's
// top-level statements.
func topLevelFunctions(chunk []ast.Stmt) map[string]struct{} {
	defined := make(map[string]struct{})

	for _, stmt := range chunk {
		switch s := stmt.(type) {
		case *ast.FuncDefStmt:
			if s.Name != nil && s.Name.Func != nil {
				if ident, ok := s.Name.Func.(*ast.IdentExpr); ok {
					defined[ident.Value] = struct{}{}
				}
			}
		case *ast.AssignStmt:
			for i, lhs := range s.Lhs {
				ident, ok := lhs.(*ast.IdentExpr)
				if !ok || i >= len(s.Rhs) {
					continue
				}
				if _, isFn := s.Rhs[i].(*ast.FunctionExpr); isFn {
					defined[ident.Value] = struct{}{}
				}
			}
		}
	}
	return defined
}
