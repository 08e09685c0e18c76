package zinject

// Options configures a new Injector, following the teacher's
// DeviceParams/Options bring-up pattern: a required collaborator
// (PoolResolver) plus optional logging/metrics/determinism knobs.
type Options struct {
	// Resolver stands in for the pool-namespace manager and DSL; required
	// for range translation (FlagCalcRange) and pool-delay registration
	// validation. With a nil Resolver, range translation returns
	// ErrCodePoolResolution, import/export handlers register without the
	// pool-loaded check, and ordinary handlers register without a pool
	// lookup or AddRef pin.
	Resolver PoolResolver

	// Flusher is consulted on FlagFlushARC; defaults to a no-op.
	Flusher ArcFlusher

	// Logger receives registration/clear/panic lifecycle messages;
	// defaults to a no-op.
	Logger Logger

	// Observer receives per-match/inject/delay telemetry; defaults to a
	// no-op.
	Observer Observer

	// FreqSeed, if non-zero, seeds the frequency gate's PRNG
	// deterministically (scenario S2's fixed-seed requirement). Zero
	// means a non-deterministic source.
	FreqSeed uint64
}

// DefaultOptions returns an Options with every optional collaborator set
// to its no-op default and no pool resolver configured.
func DefaultOptions() *Options {
	return &Options{
		Flusher:  NoOpArcFlusher{},
		Logger:   noopLogger{},
		Observer: NoOpObserver{},
	}
}
