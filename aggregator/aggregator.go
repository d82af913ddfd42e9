package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
	"go.uber.org/zap"
)

type Retention int

const (
	EvictExited Retention = iota // 进程退出超过grace后删除
	RetainAll                    // 一直保留,直到 SnapshotAndReset
)

func (r Retention) String() string {
	if r == RetainAll {
		return "retain"
	}
	return "evict"
}

const (
	defaultShards = 32
	defaultGrace  = 30 * time.Second
)

type optionFunc func(*Aggregator)

func WithShards(n int) optionFunc {
	return func(a *Aggregator) {
		if n > 0 {
			a.shardNum = n
		}
	}
}

func WithRetention(r Retention) optionFunc {
	return func(a *Aggregator) {
		a.retention = r
	}
}

func WithGrace(dur time.Duration) optionFunc {
	return func(a *Aggregator) {
		if dur >= 0 {
			a.grace = dur
		}
	}
}

// WithClock replaces time.Now, used by the reaper.
func WithClock(now func() time.Time) optionFunc {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) optionFunc {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

type entry struct {
	upload    atomic.Uint64
	download  atomic.Uint64
	deadSince atomic.Int64 // unix nano, 0 表示进程存活
}

func (e *entry) add(sample ptraffic.Sample) {
	if sample.Direction == ptraffic.Upload {
		e.upload.Add(sample.Length)
	} else {
		e.download.Add(sample.Length)
	}
	if e.deadSince.Load() != 0 {
		e.deadSince.Store(0)
	}
}

type shard struct {
	sync.RWMutex
	entries map[uint32]*entry
}

// Aggregator keeps the running upload and download totals per pid. Record
// only takes a shard read lock on the hot path, counters are atomics.
type Aggregator struct {
	shardNum  int
	shards    []*shard
	retention Retention
	grace     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(opts ...optionFunc) *Aggregator {
	a := &Aggregator{
		shardNum:  defaultShards,
		retention: EvictExited,
		grace:     defaultGrace,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.shards = make([]*shard, a.shardNum)
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[uint32]*entry)}
	}
	return a
}

func (a *Aggregator) shardOf(pid uint32) *shard {
	return a.shards[pid%uint32(a.shardNum)]
}

func (a *Aggregator) Record(sample ptraffic.Sample) {
	s := a.shardOf(sample.PID)

	s.RLock()
	if e, ok := s.entries[sample.PID]; ok {
		e.add(sample)
		s.RUnlock()
		return
	}
	s.RUnlock()

	s.Lock()
	e, ok := s.entries[sample.PID]
	if !ok {
		e = &entry{}
		s.entries[sample.PID] = e
	}
	e.add(sample)
	s.Unlock()
}

// Snapshot copies the totals, counters keep running.
func (a *Aggregator) Snapshot() ptraffic.Snapshot {
	return a.snapshot(false)
}

// SnapshotAndReset copies the totals and starts a new interval from zero.
func (a *Aggregator) SnapshotAndReset() ptraffic.Snapshot {
	return a.snapshot(true)
}

func (a *Aggregator) snapshot(reset bool) ptraffic.Snapshot {
	for _, s := range a.shards {
		s.Lock()
	}

	var list []ptraffic.ProcessTotals
	for _, s := range a.shards {
		for pid, e := range s.entries {
			list = append(list, ptraffic.ProcessTotals{
				PID:      pid,
				Upload:   e.upload.Load(),
				Download: e.download.Load(),
			})
		}
		if reset && len(s.entries) != 0 {
			s.entries = make(map[uint32]*entry, len(s.entries))
		}
	}

	for i := len(a.shards) - 1; i >= 0; i-- {
		a.shards[i].Unlock()
	}
	return ptraffic.NewSnapshot(list)
}

// Reap evicts the entries of processes dead for longer than the grace
// period and returns how many were removed. alive is called without any
// lock held.
func (a *Aggregator) Reap(alive func(pid uint32) bool) int {
	if a.retention == RetainAll || alive == nil {
		return 0
	}

	var pids []uint32
	for _, s := range a.shards {
		s.RLock()
		for pid := range s.entries {
			if pid != ptraffic.UnknownPID {
				pids = append(pids, pid)
			}
		}
		s.RUnlock()
	}

	var dead []uint32
	for _, pid := range pids {
		if !alive(pid) {
			dead = append(dead, pid)
		}
	}

	var (
		now     = a.now()
		evicted = 0
	)
	for _, pid := range dead {
		s := a.shardOf(pid)
		s.Lock()
		e, ok := s.entries[pid]
		if !ok {
			s.Unlock()
			continue
		}

		since := e.deadSince.Load()
		if since == 0 {
			e.deadSince.Store(now.UnixNano())
		} else if now.Sub(time.Unix(0, since)) >= a.grace {
			delete(s.entries, pid)
			evicted++
			a.logger.Debug("evict exited process",
				zap.Uint32("pid", pid),
				zap.Uint64("upload", e.upload.Load()),
				zap.Uint64("download", e.download.Load()),
			)
		}
		s.Unlock()
	}
	return evicted
}

func (a *Aggregator) Len() int {
	n := 0
	for _, s := range a.shards {
		s.RLock()
		n += len(s.entries)
		s.RUnlock()
	}
	return n
}
