package validate

import (
	"github.com/yuin/gopher-lua/ast"
)

// visit receives every statement and expression in a parsed chunk along
// with the loop-nesting depth at that point.
type visit struct {
	stmt func(ast.Stmt, int)
	expr func(ast.Expr, int)
}

func walkStmts(stmts []ast.Stmt, depth int, v visit) {
	for _, stmt := range stmts {
		walkStmt(stmt, depth, v)
	}
}

func walkStmt(stmt ast.Stmt, depth int, v visit) {
	if stmt == nil {
		return
	}
	if v.stmt != nil {
		v.stmt(stmt, depth)
	}

	switch s := stmt.(type) {
	case *ast.AssignStmt:
		walkExprs(s.Lhs, depth, v)
		walkExprs(s.Rhs, depth, v)
	case *ast.LocalAssignStmt:
		walkExprs(s.Exprs, depth, v)
	case *ast.FuncCallStmt:
		walkExpr(s.Expr, depth, v)
	case *ast.DoBlockStmt:
		walkStmts(s.Stmts, depth, v)
	case *ast.WhileStmt:
		walkExpr(s.Condition, depth, v)
		walkStmts(s.Stmts, depth+1, v)
	case *ast.RepeatStmt:
		walkExpr(s.Condition, depth, v)
		walkStmts(s.Stmts, depth+1, v)
	case *ast.IfStmt:
		walkExpr(s.Condition, depth, v)
		walkStmts(s.Then, depth, v)
		walkStmts(s.Else, depth, v)
	case *ast.NumberForStmt:
		walkExpr(s.Init, depth, v)
		walkExpr(s.Limit, depth, v)
		walkExpr(s.Step, depth, v)
		walkStmts(s.Stmts, depth+1, v)
	case *ast.GenericForStmt:
		walkExprs(s.Exprs, depth, v)
		walkStmts(s.Stmts, depth+1, v)
	case *ast.FuncDefStmt:
		walkExpr(s.Func, depth, v)
	case *ast.ReturnStmt:
		walkExprs(s.Exprs, depth, v)
	}
}

func walkExprs(exprs []ast.Expr, depth int, v visit) {
	for _, expr := range exprs {
		walkExpr(expr, depth, v)
	}
}

func walkExpr(expr ast.Expr, depth int, v visit) {
	if expr == nil {
		return
	}
	if v.expr != nil {
		v.expr(expr, depth)
	}

	switch e := expr.(type) {
	case *ast.AttrGetExpr:
		walkExpr(e.Object, depth, v)
		walkExpr(e.Key, depth, v)
	case *ast.TableExpr:
		for _, field := range e.Fields {
			walkExpr(field.Key, depth, v)
			walkExpr(field.Value, depth, v)
		}
	case *ast.FuncCallExpr:
		walkExpr(e.Func, depth, v)
		walkExpr(e.Receiver, depth, v)
		walkExprs(e.Args, depth, v)
	case *ast.LogicalOpExpr:
		walkExpr(e.Lhs, depth, v)
		walkExpr(e.Rhs, depth, v)
	case *ast.RelationalOpExpr:
		walkExpr(e.Lhs, depth, v)
		walkExpr(e.Rhs, depth, v)
	case *ast.StringConcatOpExpr:
		walkExpr(e.Lhs, depth, v)
		walkExpr(e.Rhs, depth, v)
	case *ast.ArithmeticOpExpr:
		walkExpr(e.Lhs, depth, v)
		walkExpr(e.Rhs, depth, v)
	case *ast.UnaryMinusOpExpr:
		walkExpr(e.Expr, depth, v)
	case *ast.UnaryNotOpExpr:
		walkExpr(e.Expr, depth, v)
	case *ast.UnaryLenOpExpr:
		walkExpr(e.Expr, depth, v)
	case *ast.FunctionExpr:
		walkStmts(e.Stmts, depth, v)
	}
}

// callTarget resolves the textual target of a call expression: a flat
// global name ("rect"), or a module.field form ("io.open", "socket:tcp").
func callTarget(call *ast.FuncCallExpr) (name string, ok bool) {
	if call.Receiver != nil {
		if ident, isIdent := call.Receiver.(*ast.IdentExpr); isIdent {
			return ident.Value + "." + call.Method, true
		}
		return "", false
	}

	switch fn := call.Func.(type) {
	case *ast.IdentExpr:
		return fn.Value, true
	case *ast.AttrGetExpr:
		obj, isIdent := fn.Object.(*ast.IdentExpr)
		if !isIdent {
			return "", false
		}
		key, isStr := fn.Key.(*ast.StringExpr)
		if !isStr {
			return "", false
		}
		return obj.Value + "." + key.Value, true
	}
	return "", false
}
