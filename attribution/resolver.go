package attribution

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/capture"
	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultProcRoot           = "/proc"
	defaultSyncInterval       = time.Second
	defaultMinRefreshInterval = 200 * time.Millisecond
	defaultDelayQueueSize     = 20000
)

type ResolverOption func(*Resolver)

// WithProcRoot points the resolver at another procfs mount, e.g. /host/proc.
func WithProcRoot(root string) ResolverOption {
	return func(r *Resolver) {
		if root != "" {
			r.root = root
		}
	}
}

func WithProcKeywords(keywords []string) ResolverOption {
	return func(r *Resolver) {
		r.procKeywords = keywords
	}
}

func WithSyncInterval(dur time.Duration) ResolverOption {
	return func(r *Resolver) {
		if dur > 0 {
			r.syncInterval = dur
		}
	}
}

// WithMinRefreshInterval bounds how often a lookup miss may trigger a rescan.
func WithMinRefreshInterval(dur time.Duration) ResolverOption {
	return func(r *Resolver) {
		if dur >= 0 {
			r.minRefreshInterval = dur
		}
	}
}

func WithDelayQueueSize(size int) ResolverOption {
	return func(r *Resolver) {
		if size > 0 {
			r.delayQueueSize = size
		}
	}
}

func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type delayEntry struct {
	timestamp time.Time
	frame     capture.Frame
}

type ResolverStats struct {
	Revision int    // 连接表刷新次数
	Misses   uint64 // 首次查找失败,进入延迟队列
	Unknown  uint64 // 最终无法归属的包
}

// Resolver maps the local endpoint of a frame to the owning pid. The table is
// rebuilt from procfs on every sync tick, frames that miss are retried once
// after the next rescan and are then charged to ptraffic.UnknownPID.
type Resolver struct {
	sync.RWMutex

	root               string
	procKeywords       []string
	syncInterval       time.Duration
	minRefreshInterval time.Duration
	delayQueueSize     int
	logger             *zap.Logger

	portPid     map[connKey]uint32
	dict        map[uint32]*Process
	revision    int
	lastRefresh time.Time

	refreshMu  sync.Mutex
	delayQueue chan *delayEntry

	misses  atomic.Uint64
	unknown atomic.Uint64
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		root:               defaultProcRoot,
		syncInterval:       defaultSyncInterval,
		minRefreshInterval: defaultMinRefreshInterval,
		delayQueueSize:     defaultDelayQueueSize,
		logger:             zap.NewNop(),
		portPid:            make(map[connKey]uint32),
		dict:               make(map[uint32]*Process),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.delayQueue = make(chan *delayEntry, r.delayQueueSize)
	return r
}

// Refresh 并发扫描连接表和进程inode,然后整体替换映射表
func (r *Resolver) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	var (
		wg    errgroup.Group
		conns map[connKey][]uint64
		procs map[uint32]*Process
	)
	wg.Go(func() error {
		var err error
		conns, err = scanConns(r.root)
		return err
	})
	wg.Go(func() error {
		var err error
		procs, err = scanProcesses(r.root, r.procKeywords)
		return err
	})
	if err := wg.Wait(); err != nil {
		return err
	}

	// socket 被多个进程共享时(fork 继承),归属最小的 pid
	inodePid := make(map[uint64]uint32, len(procs)*4)
	for pid, proc := range procs {
		for _, inode := range proc.inodes {
			if cur, ok := inodePid[inode]; !ok || pid < cur {
				inodePid[inode] = pid
			}
		}
	}

	portPid := make(map[connKey]uint32, len(conns))
	for key, inodes := range conns {
		for _, inode := range inodes {
			pid, ok := inodePid[inode]
			if !ok {
				continue
			}
			if cur, ok := portPid[key]; !ok || pid < cur {
				portPid[key] = pid
			}
		}
	}

	r.Lock()
	r.portPid = portPid
	r.dict = procs
	r.revision++
	r.lastRefresh = time.Now()
	r.Unlock()

	r.logger.Debug("resolver refreshed", zap.Int("ports", len(portPid)), zap.Int("processes", len(procs)))
	return nil
}

func (r *Resolver) refreshIfStale(ctx context.Context) {
	r.RLock()
	last := r.lastRefresh
	r.RUnlock()
	if time.Since(last) < r.minRefreshInterval {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("resolver refresh failed", zap.Error(err))
	}
}

func (r *Resolver) Resolve(frame capture.Frame) (uint32, bool) {
	r.RLock()
	defer r.RUnlock()

	pid, ok := r.portPid[connKey{proto: frame.Protocol, port: frame.LocalPort}]
	return pid, ok
}

// Attribute records the frame against its process. A frame that cannot be
// resolved yet waits in the delay queue, when the queue is full it goes to
// ptraffic.UnknownPID straight away.
func (r *Resolver) Attribute(frame capture.Frame, rec ptraffic.Recorder) {
	if pid, ok := r.Resolve(frame); ok {
		rec.Record(sampleOf(pid, frame))
		return
	}

	r.misses.Add(1)
	select {
	case r.delayQueue <- &delayEntry{timestamp: time.Now(), frame: frame}:
	default:
		r.recordUnknown(frame, rec)
	}
}

// Run 定时刷新映射表,并处理刷新前进入延迟队列的包. On exit the remaining
// delayed frames are charged to ptraffic.UnknownPID so no byte is lost.
func (r *Resolver) Run(ctx context.Context, rec ptraffic.Recorder) {
	var (
		ticker = time.NewTicker(r.syncInterval)
		entry  *delayEntry
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if entry != nil {
				r.recordUnknown(entry.frame, rec)
			}
			r.Flush(rec)
			return

		case <-ticker.C:
			start := time.Now()
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("resolver refresh failed", zap.Error(err))
			}

			for {
				if entry == nil {
					entry = r.consumeDelayQueue()
				}
				if entry == nil {
					break
				}
				// only handle entry queued before the rescan
				if entry.timestamp.After(start) {
					break
				}
				r.handleDelayEntry(ctx, entry, rec)
				entry = nil
			}
		}
	}
}

func (r *Resolver) consumeDelayQueue() *delayEntry {
	select {
	case den := <-r.delayQueue:
		return den
	default:
		return nil
	}
}

func (r *Resolver) handleDelayEntry(ctx context.Context, entry *delayEntry, rec ptraffic.Recorder) {
	if pid, ok := r.Resolve(entry.frame); ok {
		rec.Record(sampleOf(pid, entry.frame))
		return
	}

	// 再扫描一次,仍然找不到则放弃
	r.refreshIfStale(ctx)
	if pid, ok := r.Resolve(entry.frame); ok {
		rec.Record(sampleOf(pid, entry.frame))
		return
	}
	r.recordUnknown(entry.frame, rec)
}

// Flush charges every frame still waiting in the delay queue to ptraffic.UnknownPID.
func (r *Resolver) Flush(rec ptraffic.Recorder) {
	for {
		entry := r.consumeDelayQueue()
		if entry == nil {
			return
		}
		r.recordUnknown(entry.frame, rec)
	}
}

func (r *Resolver) recordUnknown(frame capture.Frame, rec ptraffic.Recorder) {
	r.unknown.Add(1)
	r.logger.Debug("unresolved frame", zap.Stringer("frame", frame))
	rec.Record(sampleOf(ptraffic.UnknownPID, frame))
}

// Process returns the metadata collected for pid on the last refresh.
func (r *Resolver) Process(pid uint32) (Process, bool) {
	r.RLock()
	defer r.RUnlock()

	po, ok := r.dict[pid]
	if !ok {
		return Process{}, false
	}
	return po.copy(), true
}

func (r *Resolver) Stats() ResolverStats {
	r.RLock()
	rev := r.revision
	r.RUnlock()

	return ResolverStats{
		Revision: rev,
		Misses:   r.misses.Load(),
		Unknown:  r.unknown.Load(),
	}
}

// Alive 判断进程是否还存在. The default /proc goes through go-ps, another
// root such as /host/proc is checked by its pid directory.
func (r *Resolver) Alive(pid uint32) bool {
	if pid == ptraffic.UnknownPID {
		return true
	}
	if r.root == defaultProcRoot {
		p, err := ps.FindProcess(int(pid))
		return err == nil && p != nil
	}
	_, err := os.Stat(filepath.Join(r.root, strconv.FormatUint(uint64(pid), 10)))
	return err == nil
}

func sampleOf(pid uint32, frame capture.Frame) ptraffic.Sample {
	return ptraffic.Sample{
		PID:       pid,
		Length:    frame.Length,
		Direction: frame.Direction,
	}
}
