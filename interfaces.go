package zinject

// PoolHandle stands in for spa_t*: either a live reference pinned via
// AddRef (for an InjectFault targeting a loaded pool) or a bare name
// (the pool-delay variants, which may target a pool not currently
// loaded).
type PoolHandle interface {
	Name() string
}

// poolRef is the trivial PoolHandle used when the caller only ever
// supplies a name (pool-delay registration, tests).
type poolRef string

func (p poolRef) Name() string { return string(p) }

// PoolResolver stands in for spa_lookup/dsl_pool_hold/dnode_hold: the
// narrow slice of the pool-namespace manager and DSL the injection core
// touches, used by range translation (§4.G), import/export registration
// validation (§4.F), and the pin/release boundary around an ordinary
// handler's lifetime (§6's spa_inject_addref/delref contract).
type PoolResolver interface {
	// Lookup performs spa_lookup under the namespace lock. Ordinary
	// (non-pool-delay) InjectFault calls use this to enforce spec §3's
	// "spa != nil xor spa_name != nil" invariant: a handler targeting an
	// unknown pool is rejected with ENOENT rather than silently
	// registered against a name nothing resolves.
	Lookup(name string) (PoolHandle, bool)
	// IsLoaded reports whether the named pool is currently loaded, for
	// import/export registration validation.
	IsLoaded(name string) bool
	// Reset performs spa_reset, used when FlagUnloadSPA is requested so
	// the next pool load re-traps metadata-fault records.
	Reset(name string) error
	// Dnode resolves (pool, objset, object) to the geometry needed to
	// translate a byte range into block ids.
	Dnode(pool PoolHandle, objset, object uint64) (DnodeGeometry, error)
	// AddRef pins pool for the lifetime of a handler (spa_inject_addref);
	// DelRef releases that pin when the handler is cleared
	// (spa_inject_delref). Called only for ordinary handlers, which hold
	// a live reference rather than a bare name.
	AddRef(pool PoolHandle)
	DelRef(pool PoolHandle)
}

// DnodeGeometry carries the subset of a dnode's layout the range
// translator needs.
type DnodeGeometry struct {
	DataBlockShift uint
	IndBlockShift  uint
	NLevels        int64
}

// BlockPointerShift is the Go stand-in for BLKPTRSHIFT: log2 of the size
// of a block pointer, used when descending indirection levels during
// range translation (spec §4.G).
const BlockPointerShift uint = 7

// ArcFlusher stands in for arc_flush, invoked when FlagFlushARC is set
// on registration so stale cached blocks are re-read through the
// injection path.
type ArcFlusher interface {
	Flush()
}

// NoOpArcFlusher is the default ArcFlusher when none is configured.
type NoOpArcFlusher struct{}

// Flush implements ArcFlusher.
func (NoOpArcFlusher) Flush() {}

// Logger is the leveled logging interface accepted by Options, shaped
// like internal/logging.Logger's Printf-style surface.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// noopLogger discards everything; used when Options.Logger is nil.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
