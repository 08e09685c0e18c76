package backend

import (
	"syscall"
	"time"

	"github.com/behrlich/go-zinject"
	"github.com/behrlich/go-zinject/device"
)

// Injected wraps a device.Backend with a fault injector and a target
// Vdev, making the injection core's entry points the concrete
// device/checksum/cache-flush layer spec.md's data-flow section
// describes in the abstract: every ReadAt/WriteAt/Discard/Flush call
// consults the matching Injector methods. ReadAt and WriteAt first wait
// out any matching delay-io handler; WriteAt, Discard and Flush check
// for faults before touching the underlying backend, while ReadAt reads
// first so that a bit-flip fault corrupts the data it returns.
type Injected struct {
	backend        device.Backend
	inj            *zinject.Injector
	vdev           *zinject.Vdev
	poolName       string
	blockShiftBits uint
}

// NewInjected wraps backend so every I/O is routed through inj against
// vdev. blockSize is the logical block size used to compute blkids from
// byte offsets (spec §4.G's shift, applied here directly rather than
// through a dnode lookup, since the demonstrator has no real DSL).
func NewInjected(backend device.Backend, inj *zinject.Injector, vdev *zinject.Vdev, poolName string, blockSize int) *Injected {
	shift := uint(0)
	for bs := blockSize; bs > 1; bs >>= 1 {
		shift++
	}
	return &Injected{backend: backend, inj: inj, vdev: vdev, poolName: poolName, blockShiftBits: shift}
}

func (b *Injected) blkid(off int64) uint64 {
	return uint64(off) >> b.blockShiftBits
}

func (b *Injected) zio(iotype zinject.IOType, off int64, data []byte) *zinject.ZIO {
	return &zinject.ZIO{
		PoolName: b.poolName,
		Blkid:    b.blkid(off),
		Type:     iotype,
		Offset:   uint64(off),
		Size:     uint64(len(data)),
		Data:     data,
		Vdev:     b.vdev,
		DVAIndex: zinject.NoDVA,
	}
}

// sleepForDelay consults HandleIODelay and, if a delay-io handler
// matched, blocks until the returned target outside any injector lock
// (spec §5: "the actual sleep happens outside any lock").
func (b *Injected) sleepForDelay(zio *zinject.ZIO) {
	if target := b.inj.HandleIODelay(zio); !target.IsZero() {
		if d := time.Until(target); d > 0 {
			time.Sleep(d)
		}
	}
}

// ReadAt implements device.Backend, issuing the read against the wrapped
// backend and then routing it through the injector's device, label, and
// data-fault handlers.
func (b *Injected) ReadAt(p []byte, off int64) (int, error) {
	zio := b.zio(zinject.IOTypeRead, off, p)
	b.sleepForDelay(zio)

	n, err := b.backend.ReadAt(p, off)
	if err != nil {
		return n, err
	}

	// Reads probe two candidate errors at once: a generic I/O fault and a
	// checksum-class fault that corrupts the data in place rather than
	// failing the read outright.
	if err := b.inj.HandleDevicePair(b.vdev, zio, syscall.EIO, syscall.EILSEQ); err != nil {
		return 0, err
	}
	if b.vdev.InLabel(zio.Offset) {
		if err := b.inj.HandleLabel(zio, syscall.EIO); err != nil {
			return 0, err
		}
	}
	if err := b.inj.HandleFault(zio, syscall.EIO); err != nil {
		return 0, err
	}

	return n, nil
}

// WriteAt implements device.Backend, routing the write through the
// ignored-writes and device-fault handlers; a dropped write reports
// success without reaching the underlying backend, per spec §4.F.
func (b *Injected) WriteAt(p []byte, off int64) (int, error) {
	zio := b.zio(zinject.IOTypeWrite, off, p)
	b.sleepForDelay(zio)

	b.inj.HandleIgnoredWrites(zio)
	if zio.Dropped {
		return len(p), nil
	}

	if err := b.inj.HandleDevice(b.vdev, zio, syscall.EIO); err != nil {
		return 0, err
	}
	if b.vdev.InLabel(zio.Offset) {
		if err := b.inj.HandleLabel(zio, syscall.EIO); err != nil {
			return 0, err
		}
	}

	return b.backend.WriteAt(p, off)
}

// Size implements device.Backend.
func (b *Injected) Size() int64 { return b.backend.Size() }

// Close implements device.Backend.
func (b *Injected) Close() error { return b.backend.Close() }

// Flush implements device.Backend, consulting the device handler with
// the cache-flush io type before delegating.
func (b *Injected) Flush() error {
	zio := b.zio(zinject.IOTypeFlush, 0, nil)
	zio.IsFlush = true
	if err := b.inj.HandleDevice(b.vdev, zio, syscall.EIO); err != nil {
		return err
	}
	return b.backend.Flush()
}

// Discard implements device.DiscardBackend when the wrapped backend
// supports it.
func (b *Injected) Discard(offset, length int64) error {
	dzb, ok := b.backend.(device.DiscardBackend)
	if !ok {
		return device.ErrNotImplemented
	}
	zio := b.zio(zinject.IOTypeFree, offset, nil)
	zio.Size = uint64(length)
	if err := b.inj.HandleDevice(b.vdev, zio, syscall.EIO); err != nil {
		return err
	}
	return dzb.Discard(offset, length)
}

var _ device.Backend = (*Injected)(nil)
var _ device.DiscardBackend = (*Injected)(nil)
