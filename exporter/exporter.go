package exporter

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
	"go.uber.org/zap"
)

var ErrReleased = errors.New("snapshot already released")

type resetter interface {
	SnapshotAndReset() ptraffic.Snapshot
}

type optionFunc func(*Exporter)

// WithReset zeroes the source counters on every take, when the source supports it.
func WithReset(reset bool) optionFunc {
	return func(e *Exporter) {
		e.reset = reset
	}
}

func WithClock(now func() time.Time) optionFunc {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) optionFunc {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Exporter hands out snapshots of a source. Each snapshot is owned by the
// caller until its Handle is released.
type Exporter struct {
	mu     sync.Mutex
	source ptraffic.SnapshotSource
	reset  bool
	now    func() time.Time
	last   time.Time
	logger *zap.Logger

	outstanding atomic.Int64
}

func New(source ptraffic.SnapshotSource, opts ...optionFunc) *Exporter {
	e := &Exporter{
		source: source,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.last = e.now()
	return e
}

// Take materialises a snapshot and passes it to fn exactly once, on the
// calling goroutine. fn owns the handle and must release it, possibly later
// and from another goroutine.
func (e *Exporter) Take(fn func(*Handle)) {
	fn(e.Acquire())
}

// Acquire is Take without the callback.
func (e *Exporter) Acquire() *Handle {
	e.mu.Lock()
	var snap ptraffic.Snapshot
	if r, ok := e.source.(resetter); ok && e.reset {
		snap = r.SnapshotAndReset()
	} else {
		snap = e.source.Snapshot()
	}
	now := e.now()
	snap.Elapsed = now.Sub(e.last)
	e.last = now
	e.mu.Unlock()

	e.outstanding.Add(1)
	return &Handle{exp: e, snap: snap}
}

// Outstanding 未释放的快照数
func (e *Exporter) Outstanding() int {
	return int(e.outstanding.Load())
}

type Handle struct {
	exp      *Exporter
	mu       sync.Mutex
	snap     ptraffic.Snapshot
	released bool
}

func (h *Handle) Snapshot() (ptraffic.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ptraffic.Snapshot{}, ErrReleased
	}
	return h.snap, nil
}

// Release gives the snapshot back. A second release is reported, not fatal.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		h.exp.logger.Warn("snapshot released twice")
		return ErrReleased
	}
	h.released = true
	h.snap = ptraffic.Snapshot{}
	h.exp.outstanding.Add(-1)
	return nil
}
