package registry

import (
	"syscall"
	"testing"
	"time"
)

func TestLaneIsolationAndRoundRobin(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdDelayIO, GUID: 9, IOType: IOTypeAll, NLanes: 2, Timer: int64(10 * time.Millisecond)}}
	h.Lanes = make([]time.Time, h.Record.NLanes)
	r.Register(h)

	base := time.Now()
	var targets []time.Duration
	for i := 0; i < 5; i++ {
		target, ok := r.IODelay(9, IOTypeRead, base)
		if !ok {
			t.Fatalf("expected a matching delay-io handler")
		}
		targets = append(targets, target.Sub(base))
	}

	want := []time.Duration{
		10 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 20 * time.Millisecond,
		30 * time.Millisecond,
	}
	for i, w := range want {
		if targets[i] != w {
			t.Errorf("target[%d] = %v, want %v", i, targets[i], w)
		}
	}

	// Round-robin invariant: next_lane == N mod nlanes after N issues.
	if h.NextLane != uint16(5%int(h.Record.NLanes)) {
		t.Errorf("NextLane = %d, want %d", h.NextLane, 5%2)
	}
}

func TestMonotoneLanes(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdDelayIO, GUID: 1, IOType: IOTypeAll, NLanes: 1, Timer: int64(5 * time.Millisecond)}}
	h.Lanes = make([]time.Time, 1)
	r.Register(h)

	now := time.Now()
	var last time.Time
	for i := 0; i < 10; i++ {
		target, ok := r.IODelay(1, IOTypeRead, now)
		if !ok {
			t.Fatal("expected match")
		}
		if !last.IsZero() && target.Before(last) {
			t.Fatalf("lane target went backwards: %v before %v", target, last)
		}
		last = target
	}
}

func TestFrequencyDeterministicWithSeed(t *testing.T) {
	freq := NewFrequency(1, 2)
	fires := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		if freq.Fires(10) {
			fires++
		}
	}
	if fires < 700 || fires > 1300 {
		t.Errorf("fire count = %d, want close to 1000 (10%% of %d)", fires, trials)
	}
}

func TestRegisterClearCounters(t *testing.T) {
	r := New(nil)
	var ids []int
	for i := 0; i < 3; i++ {
		h := &Handler{Record: Record{Cmd: CmdDelayIO, GUID: uint64(i), NLanes: 1, Timer: int64(time.Millisecond)}}
		h.Lanes = make([]time.Time, 1)
		ids = append(ids, r.Register(h))
	}
	if r.EnabledCount() != 3 || r.DelayCount() != 3 {
		t.Fatalf("enabled=%d delay=%d, want 3/3", r.EnabledCount(), r.DelayCount())
	}
	for _, id := range ids {
		if _, ok := r.Remove(id); !ok {
			t.Fatalf("expected to remove id %d", id)
		}
	}
	if r.EnabledCount() != 0 || r.DelayCount() != 0 {
		t.Fatalf("enabled=%d delay=%d, want 0/0 after cleanup", r.EnabledCount(), r.DelayCount())
	}
}

func TestListNextStableAscending(t *testing.T) {
	r := New(nil)
	var ids []int
	for i := 0; i < 4; i++ {
		h := &Handler{Record: Record{Cmd: CmdDataFault, Error: syscall.EIO}}
		ids = append(ids, r.Register(h))
	}

	cursor := 0
	var seen []int
	for {
		id, _, _, ok := r.ListNext(cursor)
		if !ok {
			break
		}
		seen = append(seen, id)
		cursor = id
	}
	if len(seen) != len(ids) {
		t.Fatalf("observed %d ids, want %d", len(seen), len(ids))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("ids not strictly increasing: %v", seen)
		}
	}
}

func TestPoolDelayOneShot(t *testing.T) {
	r := New(nil)
	h := &Handler{PoolName: "tank", Record: Record{Cmd: CmdDelayImport, Duration: 3}}
	r.Register(h)

	pause, ok := r.PoolDelay("tank", CmdDelayImport, time.Second)
	if !ok {
		t.Fatal("expected a matching pool-delay handler")
	}
	if pause != 2*time.Second {
		t.Errorf("pause = %v, want 2s", pause)
	}
	r.CompletePoolDelay("tank", CmdDelayImport)

	if _, ok := r.PoolDelay("tank", CmdDelayImport, time.Second); ok {
		t.Fatal("handler should have self-cleared")
	}
}

func TestDeviceMatchDirectENXIOTranslatesToEIO(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdDeviceFault, GUID: 5, IOType: IOTypeAll, Error: syscall.ENXIO}}
	r.Register(h)

	dm := r.MatchDevice(DeviceProbe{GUID: 5, IOType: IOTypeRead, Err1: syscall.ENXIO})
	if !dm.Matched || dm.Errno != syscall.EIO {
		t.Errorf("expected ENXIO to translate to EIO on direct match, got matched=%v errno=%v", dm.Matched, dm.Errno)
	}
}

// The "second pass": a record injecting ENXIO fires regardless of which
// candidates the caller supplied, as long as neither candidate matched
// directly first.
func TestDeviceMatchENXIOFallbackIgnoresCandidates(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdDeviceFault, GUID: 5, IOType: IOTypeAll, Error: syscall.ENXIO}}
	r.Register(h)

	dm := r.MatchDevice(DeviceProbe{GUID: 5, IOType: IOTypeRead, Err1: syscall.EIO, Err2: syscall.EILSEQ, HasErr2: true})
	if !dm.Matched || dm.Errno != syscall.EIO {
		t.Errorf("expected ENXIO fallback to translate to EIO, got matched=%v errno=%v", dm.Matched, dm.Errno)
	}
}

// A two-candidate probe matches a record against either candidate in a
// single pass, not two independent calls.
func TestDeviceMatchPairMatchesSecondCandidate(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdDeviceFault, GUID: 5, IOType: IOTypeAll, Error: syscall.EILSEQ}}
	r.Register(h)

	dm := r.MatchDevice(DeviceProbe{GUID: 5, IOType: IOTypeRead, Err1: syscall.EIO, Err2: syscall.EILSEQ, HasErr2: true})
	if !dm.Matched || !dm.BitFlip {
		t.Errorf("expected EILSEQ record to match via the second candidate, got matched=%v bitflip=%v", dm.Matched, dm.BitFlip)
	}
}

// Label matching has no error-equality condition: a (guid, range) hit
// returns the caller's own candidate, irrespective of the record's
// configured Error.
func TestMatchLabelIgnoresRecordError(t *testing.T) {
	r := New(nil)
	h := &Handler{Record: Record{Cmd: CmdLabelFault, GUID: 9, Start: 0, End: 100, Error: syscall.ENXIO}}
	r.Register(h)

	errno, matched := r.MatchLabel(9, 50, syscall.EIO)
	if !matched || errno != syscall.EIO {
		t.Errorf("expected label match to return the caller's candidate, got matched=%v errno=%v", matched, errno)
	}
}
