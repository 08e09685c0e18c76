package zinject

import (
	"sync"
	"syscall"
	"time"

	"github.com/behrlich/go-zinject/internal/zinject/registry"
)

// Injector is the public façade over the concurrency-sensitive registry
// internals: every entry point the I/O pipeline and control plane call
// (spec §6) is a method here.
type Injector struct {
	reg      *registry.Registry
	resolver PoolResolver
	flusher  ArcFlusher
	logger   Logger
	observer Observer

	pinsMu sync.Mutex
	pins   map[int]PoolHandle // handler id -> pinned pool, for ordinary (non-pool-delay) handlers
}

// NewInjector builds an Injector. A nil Options uses DefaultOptions.
func NewInjector(opts *Options) *Injector {
	if opts == nil {
		opts = DefaultOptions()
	}

	var freq *registry.Frequency
	if opts.FreqSeed != 0 {
		freq = registry.NewFrequency(opts.FreqSeed, opts.FreqSeed^0x9e3779b97f4a7c15)
	}

	flusher := opts.Flusher
	if flusher == nil {
		flusher = NoOpArcFlusher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	return &Injector{
		reg:      registry.New(freq),
		resolver: opts.Resolver,
		flusher:  flusher,
		logger:   logger,
		observer: observer,
		pins:     make(map[int]PoolHandle),
	}
}

// Close tears down the injector. The registry holds no resources beyond
// its in-memory handler list, so this is present for symmetry with
// inject_fini and to give future collaborators (e.g. a persistent
// ArcFlusher) an explicit teardown hook.
func (inj *Injector) Close() {}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	return syscall.EIO
}

// InjectFault validates and registers record against poolName, applying
// any of flags's registration-time behaviors (spec §4.F "Lifecycle",
// §6.3 "Registration flags"). On success it returns the handler's
// strictly increasing id.
func (inj *Injector) InjectFault(poolName string, flags Flags, record *Record) (int, error) {
	if err := inj.validate(record); err != nil {
		return 0, err
	}

	var pool PoolHandle
	hasPool := false

	switch record.Cmd {
	case CmdDelayImport, CmdDelayExport:
		// Pool-delay handlers are keyed by a bare pool name (spec §3's
		// "spa_name != nil" arm): the target pool may not be loaded yet
		// (delay-import) or may already be torn down by the time the
		// delay fires, so no live reference is pinned.
		if inj.reg.PoolHandlerExists(poolName, record.Cmd) {
			return 0, newError("InjectFault", ErrCodeAlreadyExists, syscall.EEXIST, "duplicate pool-delay handler for "+poolName)
		}
		if inj.resolver != nil {
			loaded := inj.resolver.IsLoaded(poolName)
			if record.Cmd == CmdDelayImport && loaded {
				return 0, newError("InjectFault", ErrCodeAlreadyExists, syscall.EEXIST, "import-delay on a loaded pool")
			}
			if record.Cmd == CmdDelayExport && !loaded {
				return 0, newError("InjectFault", ErrCodePoolNotLoaded, syscall.ENOENT, "export-delay on an unloaded pool")
			}
		}
	default:
		// Ordinary handlers pin a live pool reference for their lifetime
		// (spa_inject_addref/delref, spec §3's "spa != nil" arm and §6's
		// boundary contract). Skipped when no PoolResolver is configured:
		// without one this repo has no pool-namespace manager to resolve
		// against (SPEC_FULL.md §6.2), so resolution is best-effort.
		if inj.resolver != nil {
			p, ok := inj.resolver.Lookup(poolName)
			if !ok {
				return 0, newError("InjectFault", ErrCodeNotFound, syscall.ENOENT, "pool not found: "+poolName)
			}
			pool = p
			hasPool = true
		}
	}

	rec := *record

	if flags.has(FlagCalcRange) {
		if err := calcRange(inj.resolver, poolName, &rec); err != nil {
			return 0, err
		}
	}

	if flags.has(FlagUnloadSPA) && inj.resolver != nil {
		if err := inj.resolver.Reset(poolName); err != nil {
			return 0, wrapResolverError("InjectFault", err)
		}
	}

	if flags.has(FlagNull) {
		return 0, nil
	}

	if hasPool {
		inj.resolver.AddRef(pool)
	}

	h := &registry.Handler{PoolName: poolName, HasPool: hasPool, Record: rec}
	if rec.Cmd == CmdDelayIO {
		h.Lanes = make([]time.Time, rec.NLanes)
	}

	id := inj.reg.Register(h)
	if hasPool {
		inj.pinsMu.Lock()
		inj.pins[id] = pool
		inj.pinsMu.Unlock()
	}
	inj.observer.ObserveRegister(rec.Cmd)
	inj.logger.Infof("injected fault handler id=%d cmd=%s pool=%s", id, rec.Cmd, poolName)

	if flags.has(FlagFlushARC) {
		inj.flusher.Flush()
	}

	return id, nil
}

// validate implements spec §3 "Lifecycle": validation rejects delay-io
// with zero lanes or zero timer, and delay-import/delay-export with
// non-positive duration.
func (inj *Injector) validate(rec *Record) error {
	switch rec.Cmd {
	case CmdDelayIO:
		if rec.NLanes == 0 || rec.Timer == 0 {
			return newError("InjectFault", ErrCodeInvalid, syscall.EINVAL, "delay-io requires nlanes > 0 and timer > 0")
		}
	case CmdDelayImport, CmdDelayExport:
		if rec.Duration <= 0 {
			return newError("InjectFault", ErrCodeInvalid, syscall.EINVAL, "pool-delay requires a positive duration")
		}
	}
	return nil
}

// ListNext enumerates handlers in ascending id order, returning the
// first with id > afterID.
func (inj *Injector) ListNext(afterID int) (nextID int, poolName string, record Record, err error) {
	id, pool, rec, ok := inj.reg.ListNext(afterID)
	if !ok {
		return 0, "", Record{}, newError("ListNext", ErrCodeNotFound, syscall.ENOENT, "no more handlers")
	}
	return id, pool, rec, nil
}

// ClearFault removes the handler with the given id.
func (inj *Injector) ClearFault(id int) error {
	h, ok := inj.reg.Remove(id)
	if !ok {
		return newError("ClearFault", ErrCodeNotFound, syscall.ENOENT, "no such handler")
	}
	if h.HasPool {
		inj.pinsMu.Lock()
		pool, found := inj.pins[id]
		delete(inj.pins, id)
		inj.pinsMu.Unlock()
		if found && inj.resolver != nil {
			inj.resolver.DelRef(pool)
		}
	}
	inj.observer.ObserveClear(h.Record.Cmd)
	inj.logger.Infof("cleared fault handler id=%d", id)
	return nil
}

// HandlePanic implements handle_panic: on a match, it halts the process.
// Panic handlers are intentionally unrecoverable (spec §7).
func (inj *Injector) HandlePanic(pool PoolHandle, tag string, typ uint64) {
	name := ""
	if pool != nil {
		name = pool.Name()
	}
	if !inj.reg.Panic(name, typ, tag) {
		return
	}
	inj.observer.ObservePanic()
	inj.logger.Errorf("injected panic pool=%s tag=%s type=%d", name, tag, typ)
	panic("zinject: injected panic (pool=" + name + " tag=" + tag + ")")
}

// HandleDecrypt implements handle_decrypt. errIn is the literal
// fault-class candidate this call site is probing for (e.g. EIO); it
// returns nil when nothing matches, the matched record's error
// otherwise — it is never an echo of errIn.
func (inj *Injector) HandleDecrypt(pool PoolHandle, zb Bookmark, typ uint64, errIn error) error {
	result, matched := inj.reg.MatchDecrypt(zb.Objset, zb.Object, zb.Level, zb.Blkid, typ, errnoOf(errIn))
	inj.observer.ObserveMatch(CmdDecryptFault, matched)
	if matched {
		return result
	}
	return nil
}

// HandleFault implements handle_fault: a read-only, data-path match.
// errIn is the literal candidate errno this call site probes for.
func (inj *Injector) HandleFault(zio *ZIO, errIn error) error {
	result, matched := inj.reg.MatchData(zio.Objset, zio.Object, zio.Level, zio.Blkid, zio.DVAIndex, zio.ObjType, errnoOf(errIn))
	inj.observer.ObserveMatch(CmdDataFault, matched)
	if matched {
		return result
	}
	return nil
}

// HandleLabel implements handle_label. Label matching has no
// error-equality condition (see Registry.MatchLabel), so on a match it
// returns the caller's own errIn, not a record-configured error.
func (inj *Injector) HandleLabel(zio *ZIO, errIn error) error {
	if zio.Vdev == nil || !zio.Vdev.InLabel(zio.Offset) {
		return nil
	}
	base := zio.Vdev.labelBase(zio.Offset)
	relative := zio.Offset - base

	result, matched := inj.reg.MatchLabel(zio.Vdev.GUID, relative, errnoOf(errIn))
	inj.observer.ObserveMatch(CmdLabelFault, matched)
	if matched {
		return result
	}
	return nil
}

// HandleDevice implements handle_device: fault injection on a vdev
// against a single candidate error. It is handleDevice with no second
// candidate.
func (inj *Injector) HandleDevice(vd *Vdev, zio *ZIO, errIn error) error {
	return inj.handleDevice(vd, zio, errnoOf(errIn), 0, false)
}

// HandleDevicePair implements handle_device_pair: a single scan of the
// device handler list against two candidate errors at once — whichever
// configured record matches err1 or err2 first wins, and failing that a
// record injecting ENXIO fires regardless of which candidates were
// supplied (mirroring zio_handle_device_injection_impl's two-argument
// form exactly, rather than probing err1 and err2 as two independent
// passes).
func (inj *Injector) HandleDevicePair(vd *Vdev, zio *ZIO, err1, err2 error) error {
	return inj.handleDevice(vd, zio, errnoOf(err1), errnoOf(err2), true)
}

func (inj *Injector) handleDevice(vd *Vdev, zio *ZIO, err1, err2 syscall.Errno, hasErr2 bool) error {
	probe := registry.DeviceProbe{
		GUID:    vd.GUID,
		IOType:  IOTypeAll,
		IsOpen:  zio == nil,
		Err1:    err1,
		Err2:    err2,
		HasErr2: hasErr2,
	}
	if zio != nil {
		probe.IOType = zio.Type
		probe.IsOpen = zio.IsOpen
		probe.InLabel = vd.InLabel(zio.Offset)
		probe.IsFlush = zio.IsFlush
		probe.IsProbe = zio.IsProbe
		probe.AlreadyRetrying = zio.Retried
	}

	dm := inj.reg.MatchDevice(probe)
	inj.observer.ObserveMatch(CmdDeviceFault, dm.Matched)
	if !dm.Matched {
		return nil
	}

	if dm.OpenFailed {
		vd.Aux = VdevAuxOpenFailed
	}
	if dm.MarkRetried && zio != nil {
		zio.Retried = true
	}
	if dm.BitFlip {
		if zio != nil && zio.Data != nil {
			flipRandomBit(zio.Data)
		}
		return nil
	}
	return dm.Errno
}

// HandleIgnoredWrites implements handle_ignored_writes: for matching
// write I/Os, drops the write after marking it dropped on the zio.
func (inj *Injector) HandleIgnoredWrites(zio *ZIO) {
	if zio.Type != IOTypeWrite {
		return
	}
	nowTick := func() int64 { return time.Now().UnixNano() }
	nowTxg := func() int64 { return 0 } // txg syncing out of scope; see DESIGN.md
	if inj.reg.IgnoredWrites(zio.PoolName, zio.Type, nowTick, nowTxg) {
		zio.Dropped = true
	}
}

// HandleIODelay implements io_delay, returning the absolute wakeup
// target the caller should sleep until, or the zero Time if no delay-io
// handler matched.
func (inj *Injector) HandleIODelay(zio *ZIO) time.Time {
	if zio.Vdev == nil {
		return time.Time{}
	}
	target, matched := inj.reg.IODelay(zio.Vdev.GUID, zio.Type, time.Now())
	if matched {
		inj.observer.ObserveDelay()
	}
	return target
}

// HandleImportDelay implements handle_pool_delay for delay-import.
func (inj *Injector) HandleImportDelay(pool PoolHandle, elapsed time.Duration) {
	inj.poolDelay(pool.Name(), CmdDelayImport, elapsed)
}

// HandleExportDelay implements handle_pool_delay for delay-export.
func (inj *Injector) HandleExportDelay(pool PoolHandle, elapsed time.Duration) {
	inj.poolDelay(pool.Name(), CmdDelayExport, elapsed)
}

func (inj *Injector) poolDelay(poolName string, cmd Cmd, elapsed time.Duration) {
	pause, found := inj.reg.PoolDelay(poolName, cmd, elapsed)
	if !found {
		return
	}
	if pause > 0 {
		time.Sleep(pause)
	}
	// One-shot self-clear happens after the sleep returns, outside both
	// registry locks (spec §9).
	inj.reg.CompletePoolDelay(poolName, cmd)
	inj.observer.ObserveClear(cmd)
	inj.logger.Infof("pool-delay %s fired and self-cleared for %s", cmd, poolName)
}
