package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/pkg/capset"
)

// Boundary is the isolation boundary around one sketch: a Lua state with
// zero ambient authority. It opens only pure libraries, strips every
// builtin that reaches the host, installs the profile's canvas operations,
// and plants honeypots for known capability classes so a reach outside
// becomes a recorded violation instead of a partial success.
//
// Preemption is cooperative only at the VM level: the interpreter checks
// the bound context between instructions, so the watchdog cancels that
// context rather than trusting sketch code to yield.
type Boundary struct {
	L       *lua.LState
	surface *canvas.Surface

	violated atomic.Bool
	pending  []monitor.RawViolation
	closed   atomic.Bool
}

// removed from the base library: anything that loads code, touches files,
// or reaches host I/O.
var strippedBuiltins = []string{
	"dofile", "loadfile", "load", "loadstring",
	"print", "collectgarbage",
	"getfenv", "setfenv",
	"module", "require",
}

// newBaseState builds a fresh Lua state with only pure libraries opened
// and host-reaching builtins stripped. Profile-independent; the pool
// pre-warms these.
func newBaseState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        1024 * 8,
		RegistryMaxSize:     1024 * 64,
		RegistryGrowStep:    256,
		IncludeGoStackTrace: false,
	})

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	for _, name := range strippedBuiltins {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

// NewBoundary constructs the boundary for a profile over a pre-warmed (or
// fresh) base state. The state must come from newBaseState; reusing a state
// that already ran sketch code would leak globals across sessions.
func NewBoundary(base *lua.LState, profile capset.Profile, surface *canvas.Surface) *Boundary {
	if base == nil {
		base = newBaseState()
	}

	b := &Boundary{L: base, surface: surface}

	surface.OnOverflow = func() {
		b.reportViolation(monitor.RawViolation{
			Origin: monitor.OriginBoundary,
			Cause:  "memory",
			Detail: "sketch exceeded its output byte budget",
		})
	}
	surface.Install(base, profile)
	b.plantHoneypots(profile)

	return b
}

// plantHoneypots installs trap globals for every denied capability class so
// that touching one is intercepted, recorded, and aborted.
func (b *Boundary) plantHoneypots(profile capset.Profile) {
	byModule := make(map[string][]capset.DeniedPattern)
	for _, p := range capset.DeniedPatterns() {
		if profile.Allows(p.Op) {
			continue
		}
		mod, field := splitIdent(p.Ident)
		if field == "" {
			b.plantGlobalTrap(mod, p.Op)
			continue
		}
		byModule[mod] = append(byModule[mod], p)
	}

	for mod, patterns := range byModule {
		// Skip modules shadowed by a flat trap (e.g. "parent").
		if b.L.GetGlobal(mod).Type() != lua.LTNil {
			continue
		}
		b.plantModuleTrap(mod, patterns)
	}
}

// plantGlobalTrap installs a global that records a violation on call or
// index.
func (b *Boundary) plantGlobalTrap(name string, op capset.OperationID) {
	trip := func(L *lua.LState) int {
		b.reportViolation(monitor.RawViolation{
			Origin: monitor.OriginBoundary,
			Op:     op,
			Detail: fmt.Sprintf("sketch reached for %q (%s)", name, op),
		})
		L.RaiseError("operation %s is not permitted", op)
		return 0
	}

	tbl := b.L.NewTable()
	mt := b.L.NewTable()
	b.L.SetField(mt, "__index", b.L.NewFunction(trip))
	b.L.SetField(mt, "__newindex", b.L.NewFunction(trip))
	b.L.SetField(mt, "__call", b.L.NewFunction(trip))
	b.L.SetMetatable(tbl, mt)
	b.L.SetGlobal(name, tbl)
}

// plantModuleTrap installs a module-shaped table (http, io, storage, ...)
// whose every field access records the matching capability violation.
func (b *Boundary) plantModuleTrap(mod string, patterns []capset.DeniedPattern) {
	ops := make(map[string]capset.OperationID, len(patterns))
	var fallback capset.OperationID
	for _, p := range patterns {
		_, field := splitIdent(p.Ident)
		ops[field] = p.Op
		fallback = p.Op
	}

	tbl := b.L.NewTable()
	mt := b.L.NewTable()
	b.L.SetField(mt, "__index", b.L.NewFunction(func(L *lua.LState) int {
		field := L.OptString(2, "")
		op, ok := ops[field]
		if !ok {
			op = fallback
		}
		b.reportViolation(monitor.RawViolation{
			Origin: monitor.OriginBoundary,
			Op:     op,
			Detail: fmt.Sprintf("sketch reached for %s.%s (%s)", mod, field, op),
		})
		L.RaiseError("operation %s is not permitted", op)
		return 0
	}))
	b.L.SetField(mt, "__newindex", b.L.NewFunction(func(L *lua.LState) int {
		b.reportViolation(monitor.RawViolation{
			Origin: monitor.OriginBoundary,
			Op:     fallback,
			Detail: fmt.Sprintf("sketch wrote into %s (%s)", mod, fallback),
		})
		L.RaiseError("operation %s is not permitted", fallback)
		return 0
	}))
	b.L.SetMetatable(tbl, mt)
	b.L.SetGlobal(mod, tbl)
}

func splitIdent(ident string) (mod, field string) {
	for i := range len(ident) {
		if ident[i] == '.' {
			return ident[:i], ident[i+1:]
		}
	}
	return ident, ""
}

func (b *Boundary) reportViolation(v monitor.RawViolation) {
	b.violated.Store(true)
	b.pending = append(b.pending, v)
}

// Violations drains the raw violations observed so far.
func (b *Boundary) Violations() []monitor.RawViolation {
	out := b.pending
	b.pending = nil
	return out
}

// Bind attaches the preemption context. The watchdog cancels it to force
// termination of non-cooperating code.
func (b *Boundary) Bind(ctx context.Context) {
	b.L.SetContext(ctx)
}

// Load compiles and runs the sketch's top-level chunk, which defines its
// entry points. No drawing should happen here, but the boundary already
// holds, so hostile top-level code is contained the same way.
func (b *Boundary) Load(source string) error {
	fn, err := b.L.LoadString(source)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCrashed, err)
	}
	b.L.Push(fn)
	return b.wrapRunError(b.L.PCall(0, lua.MultRet, nil))
}

// HasEntry reports whether the sketch defined the named global function.
func (b *Boundary) HasEntry(name string) bool {
	return b.L.GetGlobal(name).Type() == lua.LTFunction
}

// CallEntry invokes a sketch entry point.
func (b *Boundary) CallEntry(name string) error {
	fn := b.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("%w: missing entry point %q", ErrCrashed, name)
	}
	return b.wrapRunError(b.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}))
}

// wrapRunError maps a Lua runtime error to the session error taxonomy:
// context cancellation from the watchdog, a recorded capability violation,
// or a plain crash.
func (b *Boundary) wrapRunError(err error) error {
	if err == nil {
		if b.violated.Load() {
			// A violation was recorded but swallowed by a pcall inside the
			// sketch. Partial success is not allowed.
			return ErrViolation
		}
		return nil
	}

	ctx := b.L.Context()
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if b.violated.Load() {
		return fmt.Errorf("%w: %s", ErrViolation, firstLine(err.Error()))
	}

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Cause != nil && apiErr.Cause == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %s", ErrCrashed, firstLine(err.Error()))
}

func firstLine(s string) string {
	for i := range len(s) {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// Close releases the Lua state. Idempotent.
func (b *Boundary) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.L.Close()
	}
}
