// Package zinject implements the fault-injection core of a copy-on-write
// storage engine: a matching engine, a per-handler-lane delay engine, and
// handler lifecycle (registration, enumeration, one-shot clearing) under a
// reader/writer discipline that keeps the hot read/write path lock-cheap.
//
// The heavy concurrency-sensitive internals (the handler list, matching,
// and delay-lane scheduling) live in internal/zinject/registry; this
// package is the public façade (*Injector) plus the domain model
// (Record, Bookmark, Vdev, ZIO) that translates real I/O shapes into the
// registry's primitive match calls.
package zinject

import "github.com/behrlich/go-zinject/internal/zinject/registry"

// PercentageMax is the upper bound of a scaled frequency value. Legacy
// records supply Freq in [0,100] (interpreted as whole percent); values
// above 100 use this finer scale.
const PercentageMax = registry.PercentageMax

// NoType is the block-object-type sentinel meaning "match any type."
const NoType = registry.NoType

// NoDVA is the "unresolved DVA index" sentinel returned by DVA
// resolution when no DVA of a block pointer matches the in-flight child.
const NoDVA = registry.NoDVA

// Cmd identifies which kind of fault a Record describes.
type Cmd = registry.Cmd

const (
	CmdDataFault     = registry.CmdDataFault
	CmdDecryptFault  = registry.CmdDecryptFault
	CmdLabelFault    = registry.CmdLabelFault
	CmdDeviceFault   = registry.CmdDeviceFault
	CmdDelayIO       = registry.CmdDelayIO
	CmdIgnoredWrites = registry.CmdIgnoredWrites
	CmdPanic         = registry.CmdPanic
	CmdDelayImport   = registry.CmdDelayImport
	CmdDelayExport   = registry.CmdDelayExport
)

// IOType enumerates the block-operation kinds the matching engine cares
// about.
type IOType = registry.IOType

const (
	IOTypeRead  = registry.IOTypeRead
	IOTypeWrite = registry.IOTypeWrite
	IOTypeFree  = registry.IOTypeFree
	IOTypeClaim = registry.IOTypeClaim
	IOTypeFlush = registry.IOTypeFlush
	IOTypeProbe = registry.IOTypeProbe
	IOTypeAll   = registry.IOTypeAll
)

// Record is the user-visible, declarative description of a fault. See
// the registry package doc for field semantics; this alias keeps the
// public API surface in package zinject where callers expect it.
type Record = registry.Record

// Flags are the registration-time behavior flags accepted by InjectFault.
type Flags uint32

const (
	// FlagUnloadSPA resets the pool's spa reference on registration, so
	// the next pool load re-traps metadata-fault records.
	FlagUnloadSPA Flags = 1 << iota
	// FlagCalcRange translates Record.Start/End from byte offsets to
	// block ids using the PoolResolver's dnode geometry before the
	// handler is installed.
	FlagCalcRange
	// FlagNull applies the record as a one-shot validation-only probe:
	// validate, but never install a handler.
	FlagNull
	// FlagFlushARC invokes the injector's ArcFlusher after registration,
	// so stale cached blocks are re-read through the injection path.
	FlagFlushARC
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
