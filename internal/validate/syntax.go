package validate

import (
	"context"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// syntaxValidator checks the candidate parses as a sketch program.
type syntaxValidator struct{}

func (syntaxValidator) Stage() Stage { return StageSyntax }

func (syntaxValidator) Check(_ context.Context, cand *sandbox.Candidate, _ capset.Profile) Result {
	_, err := parseSketch(cand.Source)
	if err == nil {
		return Result{Stage: StageSyntax, Verdict: VerdictPass}
	}

	diag := Diagnostic{Code: "syntax_error", Message: "sketch does not parse"}
	if perr, ok := err.(*parse.Error); ok {
		diag.Line = perr.Pos.Line
		diag.Message = firstErrorLine(perr.Error())
	}

	return Result{
		Stage:       StageSyntax,
		Verdict:     VerdictFail,
		Diagnostics: []Diagnostic{diag},
	}
}

// parseSketch parses source once; later stages re-parse rather than share
// state so every stage stays a pure function of the candidate.
func parseSketch(source string) ([]ast.Stmt, error) {
	return parse.Parse(strings.NewReader(source), "sketch")
}

func firstErrorLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
