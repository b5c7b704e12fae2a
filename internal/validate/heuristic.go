package validate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/yuin/gopher-lua/ast"

	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/pkg/capset"
)

// unknownBound stands in for a loop whose bound the scan cannot read
// (while-loops, computed limits). Deliberately modest so one dynamic loop
// does not hard-fail a legitimate sketch.
const unknownBound = 100

// heuristicValidator statically estimates how much work a sketch does per
// frame: nested loop products and large literal allocations. It annotates
// a warning above the warn threshold and fails only above the hard
// ceiling, so heavy-but-legitimate sketches are not blocked.
type heuristicValidator struct {
	warn    int64
	ceiling int64
}

func (heuristicValidator) Stage() Stage { return StageHeuristic }

func (h heuristicValidator) Check(_ context.Context, cand *sandbox.Candidate, _ capset.Profile) Result {
	chunk, err := parseSketch(cand.Source)
	if err != nil {
		return Result{
			Stage:       StageHeuristic,
			Verdict:     VerdictFail,
			Diagnostics: []Diagnostic{{Code: "syntax_error", Message: "sketch does not parse"}},
		}
	}

	estimate := estimateCost(chunk)

	if estimate > h.ceiling {
		return Result{
			Stage:   StageHeuristic,
			Verdict: VerdictFail,
			Diagnostics: []Diagnostic{{
				Code:    "resource_ceiling",
				Message: fmt.Sprintf("estimated per-run work (%d) exceeds the hard ceiling", estimate),
			}},
		}
	}
	if estimate > h.warn {
		return Result{
			Stage:   StageHeuristic,
			Verdict: VerdictWarn,
			Diagnostics: []Diagnostic{{
				Code:    "resource_heavy",
				Message: fmt.Sprintf("estimated per-run work (%d) may exceed session limits", estimate),
			}},
		}
	}
	return Result{Stage: StageHeuristic, Verdict: VerdictPass}
}

// estimateCost walks the chunk and returns a coarse iteration estimate:
// the largest product of nested loop bounds, plus literal allocation sizes
// (string.rep counts, huge table constructors).
func estimateCost(chunk []ast.Stmt) int64 {
	var worst int64 = 1
	var alloc int64

	// Track the product of loop bounds along the current nesting path.
	// walkStmts reports depth, so recompute products per loop statement by
	// walking with our own recursion instead.
	var walkCost func(stmts []ast.Stmt, product int64)
	walkCost = func(stmts []ast.Stmt, product int64) {
		if product > worst {
			worst = product
		}
		for _, stmt := range stmts {
			switch s := stmt.(type) {
			case *ast.WhileStmt:
				walkCost(s.Stmts, saturatingMul(product, unknownBound))
			case *ast.RepeatStmt:
				walkCost(s.Stmts, saturatingMul(product, unknownBound))
			case *ast.NumberForStmt:
				walkCost(s.Stmts, saturatingMul(product, literalBound(s)))
			case *ast.GenericForStmt:
				walkCost(s.Stmts, saturatingMul(product, unknownBound))
			case *ast.IfStmt:
				walkCost(s.Then, product)
				walkCost(s.Else, product)
			case *ast.DoBlockStmt:
				walkCost(s.Stmts, product)
			case *ast.FuncDefStmt:
				if s.Func != nil {
					walkCost(s.Func.Stmts, product)
				}
			case *ast.LocalAssignStmt:
				walkCost(functionBodies(s.Exprs), product)
			case *ast.AssignStmt:
				walkCost(functionBodies(s.Rhs), product)
			}
		}
	}
	walkCost(chunk, 1)

	walkStmts(chunk, 0, visit{
		expr: func(expr ast.Expr, _ int) {
			switch e := expr.(type) {
			case *ast.FuncCallExpr:
				if target, ok := callTarget(e); ok && target == "string.rep" && len(e.Args) >= 2 {
					if n, ok := literalNumber(e.Args[1]); ok {
						alloc += n
					}
				}
			case *ast.TableExpr:
				alloc += int64(len(e.Fields))
			}
		},
	})

	return saturatingAdd(worst, alloc)
}

// functionBodies extracts function literal bodies from an expression list
// so loops inside `local f = function() ... end` still count.
func functionBodies(exprs []ast.Expr) []ast.Stmt {
	var stmts []ast.Stmt
	for _, expr := range exprs {
		if fn, ok := expr.(*ast.FunctionExpr); ok {
			stmts = append(stmts, fn.Stmts...)
		}
	}
	return stmts
}

// literalBound reads a numeric for-loop's literal iteration count, or
// unknownBound when any part is computed.
func literalBound(s *ast.NumberForStmt) int64 {
	limit, ok := literalNumber(s.Limit)
	if !ok {
		return unknownBound
	}
	init, ok := literalNumber(s.Init)
	if !ok {
		init = 1
	}
	step := int64(1)
	if s.Step != nil {
		if n, ok := literalNumber(s.Step); ok && n != 0 {
			step = n
		}
	}

	iters := (limit - init + step) / step
	if iters < 1 {
		return 1
	}
	return iters
}

func literalNumber(expr ast.Expr) (int64, bool) {
	num, ok := expr.(*ast.NumberExpr)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(num.Value, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

const costCap = int64(1) << 62

func saturatingMul(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return a
	}
	if a > costCap/b {
		return costCap
	}
	return a * b
}

func saturatingAdd(a, b int64) int64 {
	if a > costCap-b {
		return costCap
	}
	return a + b
}
