package canvas

import (
	"math/rand"

	lua "github.com/yuin/gopher-lua"

	"safe-sketch-sandbox/pkg/capset"
)

// Surface binds a frame to the Lua-facing host API. One surface per session.
type Surface struct {
	Frame *Frame
	Rand  *rand.Rand

	// OnOverflow fires when a sketch spends its output byte budget, before
	// the offending call is aborted.
	OnOverflow func()
}

// NewSurface creates a surface over frame, seeding randomness deterministically
// so a sketch replays identically for the same candidate.
func NewSurface(frame *Frame, seed int64) *Surface {
	return &Surface{
		Frame: frame,
		Rand:  rand.New(rand.NewSource(seed)), // #nosec G404 -- visual jitter, not security material
	}
}

type hostOp struct {
	id capset.OperationID
	fn func(s *Surface) lua.LGFunction
}

// registry maps sketch-visible global names to host operations. An entry is
// installed only when the profile allows its operation id; everything else
// simply does not exist inside the boundary.
var registry = map[string]hostOp{
	"rect":        {capset.OpCanvasRect, opRect},
	"circle":      {capset.OpCanvasCircle, opCircle},
	"ellipse":     {capset.OpCanvasEllipse, opEllipse},
	"line":        {capset.OpCanvasLine, opLine},
	"point":       {capset.OpCanvasPoint, opPoint},
	"text":        {capset.OpCanvasText, opText},
	"fill":        {capset.OpCanvasFill, opFill},
	"stroke":      {capset.OpCanvasStroke, opStroke},
	"background":  {capset.OpCanvasBackground, opBackground},
	"width":       {capset.OpCanvasWidth, opWidth},
	"height":      {capset.OpCanvasHeight, opHeight},
	"frame_count": {capset.OpCanvasFrameCount, opFrameCount},
	"random":      {capset.OpCanvasRandom, opRandom},
	"print":       {capset.OpCanvasPrint, opPrint},
}

// InstalledNames returns the global names that would be installed for the
// profile. Used by the structural validator to distinguish host calls from
// unknown identifiers.
func InstalledNames(p capset.Profile) map[string]capset.OperationID {
	names := make(map[string]capset.OperationID)
	for name, op := range registry {
		if p.Allows(op.id) {
			names[name] = op.id
		}
	}
	return names
}

// KnownOperation resolves a sketch-visible name to its operation id,
// regardless of any profile.
func KnownOperation(name string) (capset.OperationID, bool) {
	op, ok := registry[name]
	if !ok {
		return "", false
	}
	return op.id, true
}

// Install registers the allowed subset of the host API as globals in L.
func (s *Surface) Install(L *lua.LState, p capset.Profile) {
	for name, op := range registry {
		if p.Allows(op.id) {
			L.SetGlobal(name, L.NewFunction(op.fn(s)))
		}
	}
}

func (s *Surface) append(L *lua.LState, op Op) int {
	if err := s.Frame.Append(op); err != nil {
		if s.OnOverflow != nil {
			s.OnOverflow()
		}
		L.RaiseError("canvas output budget exceeded")
	}
	return 0
}

func numArgs(L *lua.LState, n int) []float64 {
	args := make([]float64, n)
	for i := range n {
		args[i] = float64(L.CheckNumber(i + 1))
	}
	return args
}

func opRect(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "rect", Args: numArgs(L, 4)})
	}
}

func opCircle(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "circle", Args: numArgs(L, 3)})
	}
}

func opEllipse(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "ellipse", Args: numArgs(L, 4)})
	}
}

func opLine(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "line", Args: numArgs(L, 4)})
	}
}

func opPoint(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "point", Args: numArgs(L, 2)})
	}
}

func opText(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		str := L.CheckString(1)
		x := float64(L.CheckNumber(2))
		y := float64(L.CheckNumber(3))
		return s.append(L, Op{Name: "text", Args: []float64{x, y}, Text: str})
	}
}

func opFill(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "fill", Args: numArgs(L, 3)})
	}
}

func opStroke(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "stroke", Args: numArgs(L, 3)})
	}
}

func opBackground(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		return s.append(L, Op{Name: "background", Args: numArgs(L, 3)})
	}
}

func opWidth(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LNumber(s.Frame.Width))
		return 1
	}
}

func opHeight(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LNumber(s.Frame.Height))
		return 1
	}
}

func opFrameCount(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LNumber(s.Frame.FrameCount()))
		return 1
	}
}

func opRandom(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		switch L.GetTop() {
		case 0:
			L.Push(lua.LNumber(s.Rand.Float64()))
		case 1:
			max := float64(L.CheckNumber(1))
			L.Push(lua.LNumber(s.Rand.Float64() * max))
		default:
			min := float64(L.CheckNumber(1))
			max := float64(L.CheckNumber(2))
			L.Push(lua.LNumber(min + s.Rand.Float64()*(max-min)))
		}
		return 1
	}
}

func opPrint(s *Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		line := ""
		for i := 1; i <= top; i++ {
			if i > 1 {
				line += "\t"
			}
			line += L.ToStringMeta(L.Get(i)).String()
		}
		if err := s.Frame.Print(line); err != nil {
			if s.OnOverflow != nil {
				s.OnOverflow()
			}
			L.RaiseError("canvas output budget exceeded")
		}
		return 0
	}
}
