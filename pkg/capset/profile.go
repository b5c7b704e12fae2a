// Package capset defines the capability allowlist model for sandboxed
// sketches. A Profile is closed by default: the isolation boundary installs
// only the operations a profile names, so anything absent is unreachable
// rather than merely forbidden.
package capset

// OperationID identifies a single host operation reachable from inside the
// isolation boundary.
type OperationID string

// Drawing and introspection operations exposed by the canvas host API.
const (
	OpCanvasRect       OperationID = "canvas.rect"
	OpCanvasCircle     OperationID = "canvas.circle"
	OpCanvasEllipse    OperationID = "canvas.ellipse"
	OpCanvasLine       OperationID = "canvas.line"
	OpCanvasPoint      OperationID = "canvas.point"
	OpCanvasText       OperationID = "canvas.text"
	OpCanvasFill       OperationID = "canvas.fill"
	OpCanvasStroke     OperationID = "canvas.stroke"
	OpCanvasBackground OperationID = "canvas.background"
	OpCanvasWidth      OperationID = "canvas.width"
	OpCanvasHeight     OperationID = "canvas.height"
	OpCanvasFrameCount OperationID = "canvas.frame_count"
	OpCanvasRandom     OperationID = "canvas.random"
	OpCanvasPrint      OperationID = "canvas.print"
)

// Capability classes that are never part of a sketch profile. They exist so
// the static scanner and the boundary can name what was attempted.
const (
	OpNetFetch     OperationID = "net.fetch"
	OpNetSocket    OperationID = "net.socket"
	OpStorageRead  OperationID = "storage.read"
	OpStorageWrite OperationID = "storage.write"
	OpNavNavigate  OperationID = "nav.navigate"
	OpHostParent   OperationID = "host.parent"
)

// canvasOps is the set of operations a profile may be widened with. Denied
// capability classes are deliberately absent: no configuration can grant
// net, storage, navigation or host access.
var canvasOps = map[OperationID]struct{}{
	OpCanvasRect: {}, OpCanvasCircle: {}, OpCanvasEllipse: {},
	OpCanvasLine: {}, OpCanvasPoint: {}, OpCanvasText: {},
	OpCanvasFill: {}, OpCanvasStroke: {}, OpCanvasBackground: {},
	OpCanvasWidth: {}, OpCanvasHeight: {}, OpCanvasFrameCount: {},
	OpCanvasRandom: {}, OpCanvasPrint: {},
}

// IsCanvasOp reports whether op is a grantable canvas operation.
func IsCanvasOp(op OperationID) bool {
	_, ok := canvasOps[op]
	return ok
}

// ParseOperation resolves an operation id string to a grantable canvas
// operation. Denied capability classes and unknown ids do not parse.
func ParseOperation(s string) (OperationID, bool) {
	op := OperationID(s)
	if IsCanvasOp(op) {
		return op, true
	}
	return "", false
}

// SecurityLevel selects how permissive a profile is.
type SecurityLevel string

const (
	LevelStrict   SecurityLevel = "strict"
	LevelModerate SecurityLevel = "moderate"
	LevelRelaxed  SecurityLevel = "relaxed"
)

// ParseLevel maps a string to a SecurityLevel, defaulting to strict for
// anything unrecognized. Unknown input must never widen the profile.
func ParseLevel(s string) SecurityLevel {
	switch SecurityLevel(s) {
	case LevelModerate:
		return LevelModerate
	case LevelRelaxed:
		return LevelRelaxed
	default:
		return LevelStrict
	}
}

// Profile is an immutable capability allowlist. Look it up, never mutate it
// during execution.
type Profile struct {
	Level   SecurityLevel
	allowed map[OperationID]struct{}
}

// Allows reports whether op is part of the profile.
func (p Profile) Allows(op OperationID) bool {
	_, ok := p.allowed[op]
	return ok
}

// Operations returns the allowed operation set as a slice. The slice is a
// copy; callers cannot widen the profile through it.
func (p Profile) Operations() []OperationID {
	ops := make([]OperationID, 0, len(p.allowed))
	for op := range p.allowed {
		ops = append(ops, op)
	}
	return ops
}

// Size returns the number of allowed operations.
func (p Profile) Size() int {
	return len(p.allowed)
}

// Builder assembles a Profile. The zero set is valid: a profile that allows
// nothing.
type Builder struct {
	level   SecurityLevel
	allowed map[OperationID]struct{}
}

// NewBuilder starts a profile at the given security level with an empty
// allowlist.
func NewBuilder(level SecurityLevel) *Builder {
	return &Builder{
		level:   level,
		allowed: make(map[OperationID]struct{}),
	}
}

// AllowOps adds operations to the allowlist.
func (b *Builder) AllowOps(ops ...OperationID) *Builder {
	for _, op := range ops {
		b.allowed[op] = struct{}{}
	}
	return b
}

// DenyOps removes operations from the allowlist.
func (b *Builder) DenyOps(ops ...OperationID) *Builder {
	for _, op := range ops {
		delete(b.allowed, op)
	}
	return b
}

// Build finalizes the profile. The builder must not be reused afterwards.
func (b *Builder) Build() Profile {
	return Profile{Level: b.level, allowed: b.allowed}
}
