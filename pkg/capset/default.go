package capset

func drawingOps(b *Builder) *Builder {
	return b.
		AllowOps(
			OpCanvasRect, OpCanvasCircle, OpCanvasEllipse,
			OpCanvasLine, OpCanvasPoint,
			OpCanvasFill, OpCanvasStroke, OpCanvasBackground,
		).
		AllowOps(
			OpCanvasWidth, OpCanvasHeight, OpCanvasFrameCount,
		)
}

// StrictProfile permits drawing primitives and read-only introspection.
// No text, no randomness, no print output.
func StrictProfile() Profile {
	return drawingOps(NewBuilder(LevelStrict)).Build()
}

// ModerateProfile adds text rendering and seeded randomness on top of strict.
func ModerateProfile() Profile {
	return drawingOps(NewBuilder(LevelModerate)).
		AllowOps(OpCanvasText, OpCanvasRandom).
		Build()
}

// RelaxedProfile additionally allows print output for debugging sketches.
func RelaxedProfile() Profile {
	return drawingOps(NewBuilder(LevelRelaxed)).
		AllowOps(OpCanvasText, OpCanvasRandom, OpCanvasPrint).
		Build()
}

// ForLevelWith returns the stock profile for level widened by extra canvas
// operations. Anything that is not a grantable canvas operation is ignored;
// widening can never reach a denied capability class.
func ForLevelWith(level SecurityLevel, extra ...OperationID) Profile {
	b := NewBuilder(level).AllowOps(ForLevel(level).Operations()...)
	for _, op := range extra {
		if IsCanvasOp(op) {
			b.AllowOps(op)
		}
	}
	return b.Build()
}

// ForLevel returns the stock profile for a security level.
func ForLevel(level SecurityLevel) Profile {
	switch level {
	case LevelRelaxed:
		return RelaxedProfile()
	case LevelModerate:
		return ModerateProfile()
	default:
		return StrictProfile()
	}
}

// DeniedPattern maps a source-level identifier to the capability class it
// would exercise. The static capability scan matches call sites against this
// table; anything matched that the profile does not allow fails validation
// with the operation id.
type DeniedPattern struct {
	Ident string      // global identifier or module.field form
	Op    OperationID // capability class the identifier reaches for
}

// DeniedPatterns is the fixed table of capability-bearing identifiers known
// to the scanner. The boundary never installs these, so the table exists to
// reject candidates before any code runs.
func DeniedPatterns() []DeniedPattern {
	return []DeniedPattern{
		{Ident: "fetch", Op: OpNetFetch},
		{Ident: "http.get", Op: OpNetFetch},
		{Ident: "http.post", Op: OpNetFetch},
		{Ident: "http.request", Op: OpNetFetch},
		{Ident: "socket.connect", Op: OpNetSocket},
		{Ident: "socket.tcp", Op: OpNetSocket},
		{Ident: "socket.udp", Op: OpNetSocket},
		{Ident: "io.read", Op: OpStorageRead},
		{Ident: "io.open", Op: OpStorageRead},
		{Ident: "io.lines", Op: OpStorageRead},
		{Ident: "io.write", Op: OpStorageWrite},
		{Ident: "os.remove", Op: OpStorageWrite},
		{Ident: "os.rename", Op: OpStorageWrite},
		{Ident: "storage.get", Op: OpStorageRead},
		{Ident: "storage.set", Op: OpStorageWrite},
		{Ident: "navigate", Op: OpNavNavigate},
		{Ident: "location.assign", Op: OpNavNavigate},
		{Ident: "location.replace", Op: OpNavNavigate},
		{Ident: "parent", Op: OpHostParent},
		{Ident: "host", Op: OpHostParent},
		{Ident: "document", Op: OpHostParent},
		{Ident: "window", Op: OpHostParent},
	}
}
