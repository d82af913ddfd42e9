package main

import (
	"errors"
	"testing"
	"unsafe"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/exporter"
	"github.com/jinmuyano/proctraffic/logutil"
	"github.com/jinmuyano/proctraffic/netflow"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixedSource struct {
	entries []ptraffic.ProcessTotals
}

func (f fixedSource) Snapshot() ptraffic.Snapshot {
	return ptraffic.NewSnapshot(append([]ptraffic.ProcessTotals(nil), f.entries...))
}

func newFixedExporter() *exporter.Exporter {
	return exporter.New(fixedSource{entries: []ptraffic.ProcessTotals{
		{PID: 42, Upload: 600},
		{PID: 7, Download: 50},
	}})
}

// next points at the element after p, inside the same array.
func next[T any](p *T) *T {
	return (*T)(unsafe.Add(unsafe.Pointer(p), unsafe.Sizeof(*p)))
}

func TestTakeStatistics(t *testing.T) {
	e := newFixedExporter()

	stats := takeStatistics(e)
	if stats.length != 2 || stats.list == nil {
		t.Fatalf("length %d, list %v", stats.length, stats.list)
	}

	list := unsafe.Slice(stats.list, int(stats.length))
	if list[0].pid != 7 || list[1].pid != 42 {
		t.Errorf("entries not sorted by pid: %d %d", list[0].pid, list[1].pid)
	}

	var up, down uint64
	for _, item := range list {
		up += uint64(item.upload_length)
		down += uint64(item.download_length)
	}
	if uint64(stats.total_upload) != up || uint64(stats.total_download) != down {
		t.Errorf("totals %d/%d, entries sum to %d/%d", stats.total_upload, stats.total_download, up, down)
	}
	if up != 600 || down != 50 {
		t.Errorf("upload %d download %d, want 600/50", up, down)
	}

	if issued.len() != 1 || e.Outstanding() != 1 {
		t.Errorf("issued %d outstanding %d before free", issued.len(), e.Outstanding())
	}
	free_data(stats)
	if issued.len() != 0 || e.Outstanding() != 0 {
		t.Errorf("issued %d outstanding %d after free", issued.len(), e.Outstanding())
	}
}

func TestTakeStatisticsEmpty(t *testing.T) {
	e := exporter.New(emptySource{})

	stats := takeStatistics(e)
	if stats.length != 0 || stats.list != nil {
		t.Errorf("empty snapshot gave length %d list %v", stats.length, stats.list)
	}
	if stats.total_upload != 0 || stats.total_download != 0 {
		t.Errorf("empty totals %d/%d", stats.total_upload, stats.total_download)
	}
	// nothing to free, the handle is already released
	if issued.len() != 0 || e.Outstanding() != 0 {
		t.Errorf("issued %d outstanding %d", issued.len(), e.Outstanding())
	}
	free_data(stats)
}

func TestTakeFreeCycles(t *testing.T) {
	const n = 100
	e := newFixedExporter()

	for round := 0; round < 3; round++ {
		frees := takeMany(e, n)
		if issued.len() != n || e.Outstanding() != n {
			t.Fatalf("round %d: issued %d outstanding %d, want %d", round, issued.len(), e.Outstanding(), n)
		}
		for _, free := range frees {
			free()
		}
		if issued.len() != 0 || e.Outstanding() != 0 {
			t.Fatalf("round %d: issued %d outstanding %d after freeing every take", round, issued.len(), e.Outstanding())
		}
	}
}

// takeMany takes n snapshots and returns the matching free_data calls.
func takeMany(e *exporter.Exporter, n int) []func() {
	frees := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		stats := takeStatistics(e)
		frees = append(frees, func() { free_data(stats) })
	}
	return frees
}

func TestFreeDataMisuse(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logutil.SetLogger(zap.New(core))
	defer logutil.SetLogger(nil)

	e := newFixedExporter()
	stats := takeStatistics(e)

	foreign := stats
	foreign.list = next(stats.list)
	free_data(foreign)
	if issued.len() != 1 || e.Outstanding() != 1 {
		t.Errorf("foreign array released the snapshot: issued %d outstanding %d", issued.len(), e.Outstanding())
	}

	nothing := stats
	nothing.list = nil
	free_data(nothing)

	free_data(stats)
	// second release through the older name
	free_array(stats)

	if issued.len() != 0 || e.Outstanding() != 0 {
		t.Errorf("issued %d outstanding %d", issued.len(), e.Outstanding())
	}
	if logs.Len() != 2 {
		t.Errorf("got %d warnings, want one for the foreign array and one for the double free", logs.Len())
	}
}

func TestDefaultSessionStartFailure(t *testing.T) {
	calls := 0
	newSession = func() (*netflow.Session, error) {
		calls++
		return nil, errors.New("no capture device")
	}
	defer func() {
		newSession = startSession
		session, startErr = nil, nil
	}()

	for i := 0; i < 3; i++ {
		if _, err := defaultSession(false); err == nil {
			t.Fatal("start should fail")
		}
	}
	if calls != 1 {
		t.Errorf("take retried the start %d times", calls)
	}

	if _, err := defaultSession(true); err == nil {
		t.Fatal("start should fail")
	}
	if calls != 2 {
		t.Errorf("traffic_start should retry, got %d starts", calls)
	}

	// an empty snapshot is still handed out
	stats := takeStatistics(fallback)
	if stats.length != 0 || stats.list != nil || fallback.Outstanding() != 0 {
		t.Errorf("fallback gave length %d outstanding %d", stats.length, fallback.Outstanding())
	}
}
