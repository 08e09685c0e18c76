// Package registry holds the concurrency-sensitive internals of the
// fault-injection core: the handler list, the matching engine, the
// delay-lane scheduler, and the lifecycle handlers. It is kept separate
// from the public zinject package so the locking discipline (registry
// rwlock, then delay mutex) is enforced in one small place and never
// leaks a third lock into callers.
package registry

import (
	"container/list"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// PercentageMax is the upper bound of a scaled frequency value, matching
// OpenZFS's ZI_PERCENTAGE_MAX. Legacy records supply freq in [0,100] and
// are interpreted as whole percent; records above 100 are interpreted on
// this finer scale.
const PercentageMax = 1_000_000

// Cmd identifies which kind of fault a Record describes.
type Cmd int

const (
	CmdDataFault Cmd = iota
	CmdDecryptFault
	CmdLabelFault
	CmdDeviceFault
	CmdDelayIO
	CmdIgnoredWrites
	CmdPanic
	CmdDelayImport
	CmdDelayExport
)

func (c Cmd) String() string {
	switch c {
	case CmdDataFault:
		return "data"
	case CmdDecryptFault:
		return "decrypt"
	case CmdLabelFault:
		return "label"
	case CmdDeviceFault:
		return "device"
	case CmdDelayIO:
		return "delay-io"
	case CmdIgnoredWrites:
		return "ignored-writes"
	case CmdPanic:
		return "panic"
	case CmdDelayImport:
		return "delay-import"
	case CmdDelayExport:
		return "delay-export"
	default:
		return "unknown"
	}
}

// IOType enumerates the block-operation kinds the matching engine cares
// about.
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeFree
	IOTypeClaim
	IOTypeFlush
	IOTypeProbe
	IOTypeAll
)

// NoType is the block-object-type sentinel meaning "match any type",
// used by the MOS shortcut (spec §4.D.1).
const NoType uint64 = 0

// NoDVA is the "unresolved DVA index" sentinel returned by DVA
// resolution when no DVA of a block pointer matches the in-flight child.
const NoDVA = -1

// MetaObjset and MetaDnodeObject mirror the well-known ids used by the
// meta-object-set shortcut.
const (
	MetaObjset      uint64 = 0
	MetaDnodeObject uint64 = 0
)

// Record is the user-visible, declarative description of a fault. All
// fields are set by the caller except MatchCount and InjectCount (and,
// for ignored-writes handlers, Timer, which is memoized on first match).
type Record struct {
	Cmd    Cmd
	Objset uint64
	Object uint64
	Level  int64
	Start  uint64
	End    uint64
	DVAs   uint8 // bitmask of DVA copies; 0 = any
	GUID   uint64
	Func   string // panic only
	Type   uint64 // block object type, MOS-match only; NoType == "NONE"
	IOType IOType
	Error  syscall.Errno

	Freq uint32 // [0, PercentageMax]; 0 == always fire

	// Timer is overloaded: for delay-io it is the per-lane service time in
	// nanoseconds; for ignored-writes it is mutated on first match to hold
	// the start-of-window timestamp (ticks, or txg when Duration < 0).
	Timer    int64
	NLanes   uint16
	Duration int64 // seconds if positive, txgs if negative (ignored-writes/import/export only)
	Failfast bool

	MatchCount  atomic.Uint64
	InjectCount atomic.Uint64
}

// Handler is the live, registered instance of a Record.
type Handler struct {
	ID       int
	PoolName string // set when targeting a pool that may not be loaded (pool-delay variants)
	HasPool  bool   // true if a live pool reference was pinned instead of a bare name
	Record   Record

	// Lanes holds one absolute "idle at" timestamp per queueing lane;
	// present iff Record.Cmd == CmdDelayIO.
	Lanes    []time.Time
	NextLane uint16

	elem *list.Element
}

// Frequency is the probabilistic firing gate (spec §4.B). Its PRNG is
// guarded by its own mutex because it is consulted from every matching
// reader, which only ever holds the registry lock in shared mode.
type Frequency struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFrequency builds a frequency gate seeded from the given values
// (math/rand/v2's PCG source takes two uint64 halves; a single seed is
// used for both); omit seed arguments for a non-deterministic source.
func NewFrequency(seed ...uint64) *Frequency {
	var src rand.Source
	if len(seed) >= 2 {
		src = rand.NewPCG(seed[0], seed[1])
	} else if len(seed) == 1 {
		src = rand.NewPCG(seed[0], seed[0])
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Frequency{rng: rand.New(src)}
}

// Fires reports whether a record with the given frequency should inject
// on this trial.
func (f *Frequency) Fires(freq uint32) bool {
	if freq == 0 {
		return true
	}
	max := uint32(100)
	if freq > 100 {
		max = PercentageMax
	}
	f.mu.Lock()
	r := f.rng.IntN(int(max))
	f.mu.Unlock()
	return uint32(r) < freq
}

// Registry is the concurrent handler list: a doubly-linked list
// (container/list.List gives the teacher's "doubly-linked list" shape
// literally) protected by a reader/writer lock, plus a second mutex
// that linearizes only delay-lane assignment (spec §5's "two locks, not
// one").
type Registry struct {
	mu    sync.RWMutex
	laneMu sync.Mutex
	list  list.List // element.Value is *Handler

	nextID       int
	enabledCount atomic.Int32
	delayCount   atomic.Int32

	freq *Frequency
}

// New creates an empty registry. A nil Frequency uses a fresh
// non-deterministic source; tests pass a seeded one for scenario S2.
func New(freq *Frequency) *Registry {
	if freq == nil {
		freq = NewFrequency()
	}
	r := &Registry{freq: freq}
	r.list.Init()
	return r
}

// EnabledCount returns the fast-path gate value: the number of live
// handlers of any kind.
func (r *Registry) EnabledCount() int32 { return r.enabledCount.Load() }

// DelayCount returns the number of live delay-io handlers.
func (r *Registry) DelayCount() int32 { return r.delayCount.Load() }

// Register inserts h at the tail, assigning it a strictly increasing id.
func (r *Registry) Register(h *Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	h.ID = r.nextID
	h.elem = r.list.PushBack(h)

	r.enabledCount.Add(1)
	if h.Record.Cmd == CmdDelayIO {
		r.delayCount.Add(1)
	}
	return h.ID
}

// Remove unlinks the handler with the given id, returning it.
func (r *Registry) Remove(id int) (*Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id int) (*Handler, bool) {
	for e := r.list.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handler)
		if h.ID == id {
			r.list.Remove(e)
			r.enabledCount.Add(-1)
			if h.Record.Cmd == CmdDelayIO {
				r.delayCount.Add(-1)
			}
			return h, true
		}
	}
	return nil, false
}

// selfRemove is used by one-shot handlers (pool delay) to unlink
// themselves after firing, without requiring the caller to know the id.
func (r *Registry) selfRemove(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.elem == nil {
		return
	}
	r.list.Remove(h.elem)
	h.elem = nil
	r.enabledCount.Add(-1)
	if h.Record.Cmd == CmdDelayIO {
		r.delayCount.Add(-1)
	}
}

// ListNext scans for the first handler with id > afterID, returning a
// copy of its Record and the containing pool name. Ids are assigned
// strictly increasing and insertion is tail-append, so this is a stable
// ascending enumeration even under concurrent registration.
func (r *Registry) ListNext(afterID int) (id int, poolName string, rec Record, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for e := r.list.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handler)
		if h.ID > afterID {
			return h.ID, h.PoolName, h.Record, true
		}
	}
	return 0, "", Record{}, false
}

// ForEach walks every live handler under the shared registry lock. fn
// returns false to stop early.
func (r *Registry) ForEach(fn func(h *Handler) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for e := r.list.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*Handler)) {
			return
		}
	}
}

// matchMOS implements spec §4.D.1: the meta-object-set shortcut.
func matchMOS(objset, object uint64, recType, ioType uint64) bool {
	return objset == MetaObjset && object == MetaDnodeObject &&
		(recType == NoType || recType == ioType)
}

// matchExact implements spec §4.D.2.
func matchExact(r *Record, objset, object uint64, level int64, blkid uint64, dvaIndex int, errIn syscall.Errno) bool {
	if r.Objset != objset || r.Object != object || r.Level != level {
		return false
	}
	if blkid < r.Start || blkid > r.End {
		return false
	}
	if r.DVAs != 0 {
		if dvaIndex == NoDVA || r.DVAs&(1<<uint(dvaIndex)) == 0 {
			return false
		}
	}
	return errIn == r.Error
}

// MatchData implements handle_fault: a read-only, data-path match
// against every CmdDataFault handler.
func (r *Registry) MatchData(objset, object uint64, level int64, blkid uint64, dvaIndex int, objType uint64, errIn syscall.Errno) (syscall.Errno, bool) {
	if r.EnabledCount() == 0 {
		return 0, false
	}
	var result syscall.Errno
	var matched bool
	r.ForEach(func(h *Handler) bool {
		if h.Record.Cmd != CmdDataFault {
			return true
		}
		rec := &h.Record
		isMOS := objset == MetaObjset && rec.Objset == MetaObjset && rec.Object == MetaDnodeObject
		var hit bool
		if isMOS {
			hit = matchMOS(objset, object, rec.Type, objType)
		} else {
			hit = matchExact(rec, objset, object, level, blkid, dvaIndex, errIn)
		}
		if !hit {
			return true
		}
		rec.MatchCount.Add(1)
		if r.freq.Fires(rec.Freq) {
			rec.InjectCount.Add(1)
			result = rec.Error
			matched = true
			return false
		}
		return true
	})
	return result, matched
}

// MatchDecrypt implements handle_decrypt: identical shape to MatchData
// but against CmdDecryptFault handlers, matched by (objset, object,
// level, blkid) derived from a bookmark plus the dataset's object type.
func (r *Registry) MatchDecrypt(objset, object uint64, level int64, blkid uint64, objType uint64, errIn syscall.Errno) (syscall.Errno, bool) {
	if r.EnabledCount() == 0 {
		return 0, false
	}
	var result syscall.Errno
	var matched bool
	r.ForEach(func(h *Handler) bool {
		if h.Record.Cmd != CmdDecryptFault {
			return true
		}
		rec := &h.Record
		isMOS := objset == MetaObjset && rec.Objset == MetaObjset && rec.Object == MetaDnodeObject
		var hit bool
		if isMOS {
			hit = matchMOS(objset, object, rec.Type, objType)
		} else {
			hit = matchExact(rec, objset, object, level, blkid, NoDVA, errIn)
		}
		if !hit {
			return true
		}
		rec.MatchCount.Add(1)
		if r.freq.Fires(rec.Freq) {
			rec.InjectCount.Add(1)
			result = rec.Error
			matched = true
			return false
		}
		return true
	})
	return result, matched
}

// MatchLabel implements handle_label (spec §4.D "Label matching"). Unlike
// data/decrypt matching, label matching has no error-equality condition:
// a (guid, offset-range) hit fires unconditionally, returning the
// caller's own candidate errIn — the record's configured Error plays no
// role in the decision, mirroring zio_handle_label_injection's
// `ret = error` (not `ret = handler->zi_record.zi_error`). There is also
// no frequency gate; every matching I/O in the label region is faulted.
func (r *Registry) MatchLabel(vdevGUID uint64, absOffset uint64, errIn syscall.Errno) (syscall.Errno, bool) {
	if r.EnabledCount() == 0 {
		return 0, false
	}
	var result syscall.Errno
	var matched bool
	r.ForEach(func(h *Handler) bool {
		rec := &h.Record
		if rec.Cmd != CmdLabelFault || rec.GUID != vdevGUID {
			return true
		}
		if absOffset < rec.Start || absOffset > rec.End {
			return true
		}
		rec.MatchCount.Add(1)
		rec.InjectCount.Add(1)
		result = errIn
		matched = true
		return false
	})
	return result, matched
}

// DeviceMatch is the outcome of a MatchDevice lookup.
type DeviceMatch struct {
	Matched     bool
	Errno       syscall.Errno // 0 when BitFlip is true: success, data corrupted in place
	BitFlip     bool
	OpenFailed  bool // error==ENXIO on a zio==nil open: set vdev.aux = OPEN_FAILED
	MarkRetried bool
}

// DeviceProbe bundles the zio-derived context a device-fault lookup
// matches against. Err1 is the caller's primary candidate error; Err2 is
// a secondary candidate (set HasErr2 when present), mirroring
// zio_handle_device_injection_impl's two-error-argument form — the
// single-candidate handle_device call is just this with HasErr2 false.
type DeviceProbe struct {
	GUID            uint64
	IOType          IOType
	IsOpen          bool // zio == nil: a device-open probe
	InLabel         bool
	IsFlush         bool
	IsProbe         bool
	AlreadyRetrying bool
	PoolOpenMissing bool
	Err1            syscall.Errno
	Err2            syscall.Errno
	HasErr2         bool
}

// MatchDevice implements handle_device / handle_device_pair (spec §4.D
// "Device matching"): one linear scan of the handler list, the same
// order zio_handle_device_injection_impl walks its list. For each
// candidate handler, a record whose configured Error equals either
// candidate wins if its frequency gate fires (matching and stopping the
// scan); failing that equality, a record configured with ENXIO still
// wins unconditionally — "a link that's gone stays gone" regardless of
// which specific error the caller was probing for — before the scan
// moves to the next handler. Either path halts on the first winner, so
// handler order (not "direct matches anywhere" vs "ENXIO anywhere")
// decides ties between the two conditions, exactly as the C source does.
func (r *Registry) MatchDevice(p DeviceProbe) DeviceMatch {
	if r.EnabledCount() == 0 {
		return DeviceMatch{}
	}
	if p.InLabel && !p.IsOpen && !p.IsFlush && !p.IsProbe {
		return DeviceMatch{}
	}

	fill := func(out *DeviceMatch, rec *Record) {
		out.Matched = true
		if p.Err1 == syscall.ENXIO && p.IsOpen {
			out.OpenFailed = true
		}
		if !rec.Failfast {
			out.MarkRetried = true
		}
		switch rec.Error {
		case syscall.EILSEQ:
			out.BitFlip = true
			out.Errno = 0
		case syscall.ENXIO:
			out.Errno = syscall.EIO
		default:
			out.Errno = rec.Error
		}
	}

	var out DeviceMatch
	r.ForEach(func(h *Handler) bool {
		rec := &h.Record
		if rec.Cmd != CmdDeviceFault || rec.GUID != p.GUID {
			return true
		}
		if rec.Failfast && (p.AlreadyRetrying || p.PoolOpenMissing) {
			return true
		}
		if p.IsProbe {
			if rec.IOType != IOTypeProbe {
				return true
			}
		} else if rec.IOType != IOTypeAll && rec.IOType != p.IOType {
			return true
		}

		if rec.Error == p.Err1 || (p.HasErr2 && rec.Error == p.Err2) {
			rec.MatchCount.Add(1)
			if !r.freq.Fires(rec.Freq) {
				return true
			}
			rec.InjectCount.Add(1)
			fill(&out, rec)
			return false
		}
		if rec.Error == syscall.ENXIO {
			rec.MatchCount.Add(1)
			rec.InjectCount.Add(1)
			fill(&out, rec)
			return false
		}
		return true
	})
	return out
}

// Panic implements handle_panic: linear scan matching (pool, type,
// func); returns true if a handler matched, so the caller can halt.
func (r *Registry) Panic(poolName string, typ uint64, funcName string) bool {
	if r.EnabledCount() == 0 {
		return false
	}
	matched := false
	r.ForEach(func(h *Handler) bool {
		rec := &h.Record
		if rec.Cmd != CmdPanic || h.PoolName != poolName {
			return true
		}
		if rec.Type != NoType && rec.Type != typ {
			return true
		}
		if rec.Func != funcName {
			return true
		}
		rec.MatchCount.Add(1)
		rec.InjectCount.Add(1)
		matched = true
		return false
	})
	return matched
}

// IgnoredWrites implements handle_ignored_writes (spec §4.F). nowTick
// and nowTxg are sampled lazily only on first match, to memoize the
// start-of-window timestamp into Record.Timer exactly once.
func (r *Registry) IgnoredWrites(poolName string, iotype IOType, nowTick func() int64, nowTxg func() int64) bool {
	if r.EnabledCount() == 0 {
		return false
	}
	drop := false
	r.ForEach(func(h *Handler) bool {
		rec := &h.Record
		if rec.Cmd != CmdIgnoredWrites || h.PoolName != poolName {
			return true
		}
		if iotype != IOTypeWrite && iotype != IOTypeAll {
			return true
		}
		rec.MatchCount.Add(1)
		if rec.Timer == 0 {
			if rec.Duration > 0 {
				rec.Timer = nowTick()
			} else {
				rec.Timer = nowTxg()
			}
		}
		if r.freq.Fires(60) { // ~60% of matching writes are dropped
			rec.InjectCount.Add(1)
			drop = true
		}
		return false
	})
	return drop
}

// IODelay implements io_delay (spec §4.E). now is the caller's current
// time; the returned target is the absolute wakeup time the caller
// should sleep until (outside any lock).
func (r *Registry) IODelay(guid uint64, iotype IOType, now time.Time) (time.Time, bool) {
	if r.DelayCount() == 0 {
		return time.Time{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	r.laneMu.Lock()
	defer r.laneMu.Unlock()

	var best *Handler
	var bestTarget time.Time

	for e := r.list.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handler)
		rec := &h.Record
		if rec.Cmd != CmdDelayIO || rec.GUID != guid {
			continue
		}
		if rec.IOType != IOTypeAll && rec.IOType != iotype {
			continue
		}
		rec.MatchCount.Add(1)
		if !r.freq.Fires(rec.Freq) {
			continue
		}

		idleTarget := now.Add(time.Duration(rec.Timer))
		busyTarget := h.Lanes[h.NextLane].Add(time.Duration(rec.Timer))
		target := idleTarget
		if busyTarget.After(target) {
			target = busyTarget
		}

		if best == nil || target.Before(bestTarget) {
			best = h
			bestTarget = target
		}
	}

	if best == nil {
		return time.Time{}, false
	}

	best.Lanes[best.NextLane] = bestTarget
	best.NextLane = (best.NextLane + 1) % uint16(len(best.Lanes))
	best.Record.InjectCount.Add(1)

	return bestTarget, true
}

// PoolDelay implements handle_pool_delay (spec §4.F). It locates the
// single handler matching poolName and cmd and computes the remaining
// pause; it does not clear the handler, which CompletePoolDelay does
// once the caller has slept it out. It returns the pause the caller must sleep (zero or negative
// means no further wait) and whether a handler was found at all.
func (r *Registry) PoolDelay(poolName string, cmd Cmd, elapsed time.Duration) (time.Duration, bool) {
	var found *Handler
	r.ForEach(func(h *Handler) bool {
		if h.Record.Cmd == cmd && h.PoolName == poolName {
			found = h
			return false
		}
		return true
	})
	if found == nil {
		return 0, false
	}
	pause := time.Duration(found.Record.Duration)*time.Second - elapsed
	return pause, true
}

// CompletePoolDelay self-clears the one-shot pool-delay handler after
// its sleep has elapsed, per spec §9's "one-shot self-clear ... after
// the sleep returns and outside both locks."
func (r *Registry) CompletePoolDelay(poolName string, cmd Cmd) {
	var found *Handler
	r.ForEach(func(h *Handler) bool {
		if h.Record.Cmd == cmd && h.PoolName == poolName {
			found = h
			return false
		}
		return true
	})
	if found != nil {
		r.selfRemove(found)
	}
}

// PoolHandlerExists reports whether a delay-import or delay-export
// handler already exists for poolName (spec §3's "only one ... per
// pool name" invariant, enforced at registration).
func (r *Registry) PoolHandlerExists(poolName string, cmd Cmd) bool {
	exists := false
	r.ForEach(func(h *Handler) bool {
		if h.Record.Cmd == cmd && h.PoolName == poolName {
			exists = true
			return false
		}
		return true
	})
	return exists
}
