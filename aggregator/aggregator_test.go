package aggregator

import (
	"sync"
	"testing"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
)

func up(pid uint32, n uint64) ptraffic.Sample {
	return ptraffic.Sample{PID: pid, Length: n, Direction: ptraffic.Upload}
}

func down(pid uint32, n uint64) ptraffic.Sample {
	return ptraffic.Sample{PID: pid, Length: n, Direction: ptraffic.Download}
}

func TestRecordAndSnapshot(t *testing.T) {
	a := New()
	a.Record(up(42, 100))
	a.Record(up(42, 200))
	a.Record(up(42, 300))
	a.Record(down(7, 50))

	snap := a.Snapshot()
	if snap.Len() != 2 {
		t.Fatalf("len = %d, want 2", snap.Len())
	}

	tests := []struct {
		pid      uint32
		upload   uint64
		download uint64
	}{
		{42, 600, 0},
		{7, 0, 50},
	}
	for _, tt := range tests {
		e, ok := snap.Get(tt.pid)
		if !ok {
			t.Errorf("pid %d missing", tt.pid)
			continue
		}
		if e.Upload != tt.upload || e.Download != tt.download {
			t.Errorf("pid %d = %+v, want up %d down %d", tt.pid, e, tt.upload, tt.download)
		}
	}
	if snap.TotalUpload != 600 || snap.TotalDownload != 50 {
		t.Errorf("totals = %d/%d, want 600/50", snap.TotalUpload, snap.TotalDownload)
	}
	if snap.Entries[0].PID != 7 || snap.Entries[1].PID != 42 {
		t.Errorf("entries not sorted by pid: %+v", snap.Entries)
	}
}

func TestEmptySnapshot(t *testing.T) {
	snap := New().Snapshot()
	if snap.Entries != nil || snap.Len() != 0 || snap.TotalUpload != 0 || snap.TotalDownload != 0 {
		t.Errorf("empty aggregator gave %+v", snap)
	}
}

func TestSnapshotIsRepeatable(t *testing.T) {
	a := New()
	a.Record(up(1, 10))
	a.Record(down(2, 20))

	first := a.Snapshot()
	second := a.Snapshot()
	if first.TotalUpload != second.TotalUpload || first.TotalDownload != second.TotalDownload || first.Len() != second.Len() {
		t.Errorf("snapshots differ without traffic: %+v %+v", first, second)
	}

	// snapshots are copies
	first.Entries[0].Upload = 999
	if e, _ := a.Snapshot().Get(1); e.Upload != 10 {
		t.Errorf("snapshot shares memory with the aggregator")
	}
}

func TestSnapshotAndReset(t *testing.T) {
	a := New()
	a.Record(up(3, 30))

	snap := a.SnapshotAndReset()
	if snap.TotalUpload != 30 {
		t.Errorf("upload = %d", snap.TotalUpload)
	}
	if a.Len() != 0 {
		t.Errorf("len after reset = %d", a.Len())
	}

	a.Record(down(3, 5))
	e, ok := a.Snapshot().Get(3)
	if !ok || e.Upload != 0 || e.Download != 5 {
		t.Errorf("counters should restart from zero, got %+v", e)
	}
}

func TestConcurrentRecord(t *testing.T) {
	const (
		workers = 16
		rounds  = 1000
	)
	a := New(WithShards(4))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				a.Record(up(99, 1))
				a.Record(down(uint32(w), 2))
				if i%100 == 0 {
					a.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()

	snap := a.Snapshot()
	e, _ := snap.Get(99)
	if e.Upload != workers*rounds {
		t.Errorf("pid 99 upload = %d, want %d", e.Upload, workers*rounds)
	}
	if snap.TotalDownload != workers*rounds*2 {
		t.Errorf("total download = %d, want %d", snap.TotalDownload, workers*rounds*2)
	}
}

func TestReap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := New(WithGrace(30*time.Second), WithClock(func() time.Time { return now }))

	a.Record(up(10, 1))
	a.Record(up(11, 1))
	a.Record(up(ptraffic.UnknownPID, 1))

	alive := func(pid uint32) bool { return pid == 11 }

	if n := a.Reap(alive); n != 0 {
		t.Errorf("first reap evicted %d, the grace period has not started", n)
	}

	now = now.Add(10 * time.Second)
	if n := a.Reap(alive); n != 0 {
		t.Errorf("evicted %d inside the grace period", n)
	}

	now = now.Add(30 * time.Second)
	if n := a.Reap(alive); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	snap := a.Snapshot()
	if _, ok := snap.Get(10); ok {
		t.Error("pid 10 should be evicted")
	}
	if _, ok := snap.Get(11); !ok {
		t.Error("live pid 11 must stay")
	}
	if _, ok := snap.Get(ptraffic.UnknownPID); !ok {
		t.Error("unknown pid is never evicted")
	}
}

func TestReapRevived(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := New(WithGrace(time.Second), WithClock(func() time.Time { return now }))
	a.Record(up(10, 1))

	dead := func(uint32) bool { return false }
	a.Reap(dead)

	// traffic clears the dead mark, pid reuse or a stale liveness check
	a.Record(up(10, 1))
	now = now.Add(time.Minute)
	if n := a.Reap(dead); n != 0 {
		t.Errorf("revived entry evicted")
	}
	now = now.Add(time.Minute)
	if n := a.Reap(dead); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
}

func TestRetainAll(t *testing.T) {
	a := New(WithRetention(RetainAll), WithGrace(0))
	a.Record(up(10, 1))
	for i := 0; i < 3; i++ {
		if n := a.Reap(func(uint32) bool { return false }); n != 0 {
			t.Fatalf("retain all evicted %d", n)
		}
	}
	if a.Len() != 1 {
		t.Errorf("len = %d", a.Len())
	}
}
