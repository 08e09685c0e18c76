package zinject_test

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-zinject"
)

// fakeResolver stands in for the DSL so range translation (S6) and
// import/export registration validation are testable without a real
// pool namespace manager.
type fakeResolver struct {
	mu     sync.Mutex
	loaded map[string]bool
	known  map[string]bool
	refs   map[string]int
	geom   zinject.DnodeGeometry
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		loaded: map[string]bool{},
		known:  map[string]bool{"tank": true},
		refs:   map[string]int{},
		geom:   zinject.DnodeGeometry{DataBlockShift: 12, IndBlockShift: 14, NLevels: 3},
	}
}

func (f *fakeResolver) Lookup(name string) (zinject.PoolHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[name] {
		return nil, false
	}
	return fakePool(name), true
}
func (f *fakeResolver) IsLoaded(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[name]
}
func (f *fakeResolver) Reset(name string) error { return nil }
func (f *fakeResolver) Dnode(pool zinject.PoolHandle, objset, object uint64) (zinject.DnodeGeometry, error) {
	return f.geom, nil
}
func (f *fakeResolver) AddRef(pool zinject.PoolHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[pool.Name()]++
}
func (f *fakeResolver) DelRef(pool zinject.PoolHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[pool.Name()]--
}

type fakePool string

func (p fakePool) Name() string { return string(p) }

// S1 Exact read fault.
func TestS1ExactReadFault(t *testing.T) {
	inj := zinject.NewInjector(nil)

	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd:    zinject.CmdDataFault,
		Objset: 9,
		Object: 42,
		Level:  0,
		Start:  100,
		End:    100,
		Error:  syscall.EIO,
	})
	require.NoError(t, err)

	hit := &zinject.ZIO{Objset: 9, Object: 42, Level: 0, Blkid: 100, DVAIndex: zinject.NoDVA}
	err = inj.HandleFault(hit, syscall.EIO)
	assert.Equal(t, syscall.EIO, err)

	miss := &zinject.ZIO{Objset: 9, Object: 42, Level: 0, Blkid: 99, DVAIndex: zinject.NoDVA}
	err = inj.HandleFault(miss, syscall.EIO)
	assert.NoError(t, err)
}

// S2 Percent frequency: with a seeded RNG, empirical fire rate tracks
// the configured percentage within 3 sigma (spec invariant 1).
func TestS2PercentFrequency(t *testing.T) {
	inj := zinject.NewInjector(&zinject.Options{FreqSeed: 42})

	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd:    zinject.CmdDataFault,
		Objset: 1,
		Object: 1,
		Start:  0,
		End:    0,
		Error:  syscall.EIO,
		Freq:   25,
	})
	require.NoError(t, err)

	const trials = 10000
	fires := 0
	for i := 0; i < trials; i++ {
		err := inj.HandleFault(&zinject.ZIO{Objset: 1, Object: 1, Blkid: 0, DVAIndex: zinject.NoDVA}, syscall.EIO)
		if err == syscall.EIO {
			fires++
		}
	}
	assert.InDelta(t, 2500, fires, 500, "fire rate should track 25%% within tolerance")
}

// S3 Bit flip: an EILSEQ device fault mutates the buffer in place and
// reports success.
func TestS3BitFlip(t *testing.T) {
	inj := zinject.NewInjector(nil)

	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd:    zinject.CmdDeviceFault,
		GUID:   7,
		IOType: zinject.IOTypeRead,
		Error:  syscall.EILSEQ,
	})
	require.NoError(t, err)

	// PSize and Offset are chosen so the read lands outside the vdev's
	// label region (the first ~4MiB and the last 512KiB); a sub-label-sized device would
	// make every offset "in label" and short-circuit device matching
	// before a handler is even scanned.
	vd := &zinject.Vdev{GUID: 7, PSize: 16 << 20, Leaf: true}
	data := make([]byte, 512)
	zio := &zinject.ZIO{Type: zinject.IOTypeRead, Offset: 8 << 20, Data: data}

	err = inj.HandleDevicePair(vd, zio, syscall.EIO, syscall.EILSEQ)
	require.NoError(t, err)

	weight := 0
	for _, b := range data {
		for b != 0 {
			weight += int(b & 1)
			b >>= 1
		}
	}
	assert.Equal(t, 1, weight, "exactly one bit should be flipped")
}

// S4 Delay queueing: two lanes, four I/Os at t=0 yield 10,10,20,20ms.
func TestS4DelayQueueing(t *testing.T) {
	inj := zinject.NewInjector(nil)

	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd:    zinject.CmdDelayIO,
		GUID:   3,
		IOType: zinject.IOTypeAll,
		NLanes: 2,
		Timer:  int64(10 * time.Millisecond),
	})
	require.NoError(t, err)

	vd := &zinject.Vdev{GUID: 3}
	base := time.Now()
	var targets []time.Duration
	for i := 0; i < 4; i++ {
		zio := &zinject.ZIO{Vdev: vd, Type: zinject.IOTypeRead}
		target := inj.HandleIODelay(zio)
		require.False(t, target.IsZero())
		targets = append(targets, target.Sub(base))
	}

	assert.InDelta(t, 10*time.Millisecond, targets[0], float64(2*time.Millisecond))
	assert.InDelta(t, 10*time.Millisecond, targets[1], float64(2*time.Millisecond))
	assert.InDelta(t, 20*time.Millisecond, targets[2], float64(2*time.Millisecond))
	assert.InDelta(t, 20*time.Millisecond, targets[3], float64(2*time.Millisecond))
}

// S5 Import delay one-shot.
func TestS5ImportDelayOneShot(t *testing.T) {
	resolver := newFakeResolver()
	inj := zinject.NewInjector(&zinject.Options{Resolver: resolver})

	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd:      zinject.CmdDelayImport,
		Duration: 3,
	})
	require.NoError(t, err)

	start := time.Now()
	inj.HandleImportDelay(fakePool("tank"), time.Second)
	elapsed := time.Since(start)
	assert.InDelta(t, 2*time.Second, elapsed, float64(150*time.Millisecond))

	start = time.Now()
	inj.HandleImportDelay(fakePool("tank"), time.Second)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "second call should not find the self-cleared handler")
}

// S6 Cyclic target-range: CALC_RANGE for byte range [4096,8191] with
// datablkshift=12 stores start=1, end=1.
func TestS6CalcRange(t *testing.T) {
	resolver := newFakeResolver()
	inj := zinject.NewInjector(&zinject.Options{Resolver: resolver})

	id, err := inj.InjectFault("tank", zinject.FlagCalcRange, &zinject.Record{
		Cmd:    zinject.CmdDataFault,
		Objset: 1,
		Object: 1,
		Start:  4096,
		End:    8191,
		Error:  syscall.EIO,
	})
	require.NoError(t, err)

	_, _, rec, err := inj.ListNext(0)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.EqualValues(t, 1, rec.Start)
	assert.EqualValues(t, 1, rec.End)
}

// Invariant: range matching respects the boundary exactly.
func TestRangeBoundary(t *testing.T) {
	inj := zinject.NewInjector(nil)
	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd: zinject.CmdDataFault, Objset: 1, Object: 1, Start: 10, End: 20, Error: syscall.EIO,
	})
	require.NoError(t, err)

	for _, blkid := range []uint64{10, 15, 20} {
		err := inj.HandleFault(&zinject.ZIO{Objset: 1, Object: 1, Blkid: blkid, DVAIndex: zinject.NoDVA}, syscall.EIO)
		assert.Equal(t, syscall.EIO, err)
	}
	for _, blkid := range []uint64{9, 21} {
		err := inj.HandleFault(&zinject.ZIO{Objset: 1, Object: 1, Blkid: blkid, DVAIndex: zinject.NoDVA}, syscall.EIO)
		assert.NoError(t, err)
	}
}

// Invariant: DVA targeting only fires for the resolved DVA index.
func TestDVATargeting(t *testing.T) {
	inj := zinject.NewInjector(nil)
	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd: zinject.CmdDataFault, Objset: 1, Object: 1, Start: 0, End: 0, DVAs: 0b010, Error: syscall.EIO,
	})
	require.NoError(t, err)

	err = inj.HandleFault(&zinject.ZIO{Objset: 1, Object: 1, Blkid: 0, DVAIndex: 1}, syscall.EIO)
	assert.Equal(t, syscall.EIO, err)

	err = inj.HandleFault(&zinject.ZIO{Objset: 1, Object: 1, Blkid: 0, DVAIndex: 0}, syscall.EIO)
	assert.NoError(t, err)
}

// Invariant: handler ids are strictly increasing.
func TestIDMonotonicity(t *testing.T) {
	inj := zinject.NewInjector(nil)
	var ids []int
	for i := 0; i < 5; i++ {
		id, err := inj.InjectFault("tank", 0, &zinject.Record{Cmd: zinject.CmdDataFault, Error: syscall.EIO})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

// Invariant: clearing every handler leaves the registry empty.
func TestCleanup(t *testing.T) {
	inj := zinject.NewInjector(nil)
	var ids []int
	for i := 0; i < 3; i++ {
		id, err := inj.InjectFault("tank", 0, &zinject.Record{
			Cmd: zinject.CmdDelayIO, GUID: uint64(i), NLanes: 1, Timer: int64(time.Millisecond),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, inj.ClearFault(id))
	}
	_, _, _, err := inj.ListNext(0)
	assert.Error(t, err)
}

// Validation: delay-io requires nlanes and timer.
func TestValidationRejectsZeroLanes(t *testing.T) {
	inj := zinject.NewInjector(nil)
	_, err := inj.InjectFault("tank", 0, &zinject.Record{Cmd: zinject.CmdDelayIO, Timer: 1})
	assert.True(t, zinject.IsCode(err, zinject.ErrCodeInvalid))
}

func TestValidationRejectsNonPositiveDuration(t *testing.T) {
	inj := zinject.NewInjector(nil)
	_, err := inj.InjectFault("tank", 0, &zinject.Record{Cmd: zinject.CmdDelayExport, Duration: 0})
	assert.True(t, zinject.IsCode(err, zinject.ErrCodeInvalid))
}

// MOS shortcut: type-only match against the meta-dnode object.
func TestMOSShortcut(t *testing.T) {
	inj := zinject.NewInjector(nil)
	_, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd: zinject.CmdDataFault, Objset: 0, Object: 0, Type: 5, Error: syscall.EIO,
	})
	require.NoError(t, err)

	err = inj.HandleFault(&zinject.ZIO{Objset: 0, Object: 0, ObjType: 5, DVAIndex: zinject.NoDVA}, syscall.EIO)
	assert.Equal(t, syscall.EIO, err)

	err = inj.HandleFault(&zinject.ZIO{Objset: 0, Object: 0, ObjType: 6, DVAIndex: zinject.NoDVA}, syscall.EIO)
	assert.NoError(t, err)
}

// Invariant: an ordinary (non-pool-delay) handler registered against a
// pool the resolver doesn't recognize is rejected with ENOENT rather
// than silently accepted.
func TestPoolResolutionRejectsUnknownPool(t *testing.T) {
	resolver := newFakeResolver()
	inj := zinject.NewInjector(&zinject.Options{Resolver: resolver})

	_, err := inj.InjectFault("ghost", 0, &zinject.Record{
		Cmd: zinject.CmdDataFault, Error: syscall.EIO,
	})
	assert.True(t, zinject.IsCode(err, zinject.ErrCodeNotFound))
}

// Invariant: registering an ordinary handler pins the pool via AddRef
// for the handler's lifetime, releasing it via DelRef on clear.
func TestPoolResolutionPinsAndReleases(t *testing.T) {
	resolver := newFakeResolver()
	inj := zinject.NewInjector(&zinject.Options{Resolver: resolver})

	id, err := inj.InjectFault("tank", 0, &zinject.Record{
		Cmd: zinject.CmdDataFault, Error: syscall.EIO,
	})
	require.NoError(t, err)

	resolver.mu.Lock()
	assert.Equal(t, 1, resolver.refs["tank"])
	resolver.mu.Unlock()

	require.NoError(t, inj.ClearFault(id))

	resolver.mu.Lock()
	assert.Equal(t, 0, resolver.refs["tank"])
	resolver.mu.Unlock()
}
