package netflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/aggregator"
	"github.com/jinmuyano/proctraffic/attribution"
	"github.com/jinmuyano/proctraffic/capture"
	"github.com/jinmuyano/proctraffic/exporter"
	"github.com/jinmuyano/proctraffic/logutil"
	"github.com/robfig/cron"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrAlreadyStarted = errors.New("session already started")

var _ ptraffic.PacketClient = (*Session)(nil)

type Stats struct {
	Frames      uint64 // 交给归属的包
	FrameBytes  uint64
	Capture     capture.Stats
	Resolver    attribution.ResolverStats
	Processes   int // 当前统计的进程数
	Outstanding int // 未释放的快照
}

// Session 串起抓包,进程归属和流量汇总: capture -> attribution -> aggregator.
type Session struct {
	conf   Config
	logger *zap.Logger

	observer *capture.Observer
	resolver *attribution.Resolver
	agg      *aggregator.Aggregator
	exp      *exporter.Exporter

	ctx     context.Context
	cancel  context.CancelFunc
	stopRun context.CancelFunc // resolver 在所有包归属完之后才停止
	wg      errgroup.Group
	drained chan struct{}
	crontab *cron.Cron
	limiter *cgroupsLimiter

	frames     atomic.Uint64
	frameBytes atomic.Uint64

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func NewSession(conf Config) (*Session, error) {
	logger := logutil.GetLogger()

	retention, err := conf.retention()
	if err != nil {
		return nil, err
	}

	opts := []capture.OptionFunc{
		capture.WithPcapFilter(conf.PcapFilter),
		capture.WithQueueSize(conf.QueueSize),
		capture.WithWorkerNum(conf.WorkerNum),
		capture.WithLogger(logger.Named("capture")),
	}
	if len(conf.InterfaceKinds) != 0 {
		kinds, err := capture.ParseInterfaceKinds(conf.InterfaceKinds)
		if err != nil {
			return nil, err
		}
		if len(kinds) != 0 {
			opts = append(opts, capture.WithInterfaceKinds(kinds...))
		}
	}
	if len(conf.Devices) != 0 {
		opts = append(opts, capture.WithDevices(conf.Devices))
	}
	if len(conf.BindIPs) != 0 {
		opts = append(opts, capture.WithBindIPs(conf.BindIPs))
	}
	if conf.StorePcap != "" {
		opts = append(opts, capture.WithStorePcap(conf.StorePcap))
	}
	if conf.ReplayFile != "" {
		opts = append(opts, capture.WithReplayFile(conf.ReplayFile))
	}

	observer, err := capture.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("configure capture: %w", err)
	}

	resolver := attribution.NewResolver(
		attribution.WithProcRoot(conf.ProcRoot),
		attribution.WithProcKeywords(conf.ProcessKeyword),
		attribution.WithSyncInterval(conf.SyncInterval),
		attribution.WithLogger(logger.Named("attribution")),
	)

	agg := aggregator.New(
		aggregator.WithRetention(retention),
		aggregator.WithGrace(conf.Grace),
		aggregator.WithLogger(logger.Named("aggregator")),
	)

	return &Session{
		conf:     conf,
		logger:   logger,
		observer: observer,
		resolver: resolver,
		agg:      agg,
		exp: exporter.New(agg,
			exporter.WithReset(conf.ResetOnTake),
			exporter.WithLogger(logger.Named("exporter")),
		),
		drained: make(chan struct{}),
	}, nil
}

// Start fails when no capture device can be opened, the session is then unusable.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.conf.ReplayFile == "" && unix.Geteuid() != 0 {
		s.logger.Warn("not running as root, packet capture may be denied")
	}

	// linux cpu/mem by cgroup
	if err := s.configureCgroups(); err != nil {
		s.cancel()
		s.freeCgroups()
		close(s.drained)
		return fmt.Errorf("configure cgroups: %w", err)
	}

	if err := s.resolver.Refresh(s.ctx); err != nil {
		s.logger.Warn("initial process scan failed", zap.Error(err))
	}

	if err := s.observer.Start(s.ctx); err != nil {
		s.cancel()
		s.freeCgroups()
		close(s.drained)
		return err
	}

	var runCtx context.Context
	runCtx, s.stopRun = context.WithCancel(context.WithoutCancel(s.ctx))
	s.wg.Go(func() error {
		s.resolver.Run(runCtx, s.agg)
		return nil
	})
	s.wg.Go(func() error {
		defer close(s.drained)
		for frame := range s.observer.Frames() {
			s.frames.Add(1)
			s.frameBytes.Add(frame.Length)
			s.resolver.Attribute(frame, s.agg)
		}
		return nil
	})

	if s.conf.ReapInterval > 0 {
		s.crontab = cron.New()
		err := s.crontab.AddFunc("@every "+s.conf.ReapInterval.String(), s.reap)
		if err != nil {
			s.logger.Warn("schedule reaper failed", zap.Error(err))
		} else {
			s.crontab.Start()
		}
	}

	s.logger.Info("session started",
		zap.Strings("devices", s.conf.Devices),
		zap.String("replay", s.conf.ReplayFile),
		zap.Strings("keywords", s.conf.ProcessKeyword),
	)
	return nil
}

func (s *Session) reap() {
	if n := s.agg.Reap(s.resolver.Alive); n > 0 {
		s.logger.Debug("reaped exited processes", zap.Int("count", n))
	}
}

func (s *Session) configureCgroups() error {
	if s.conf.CPUCore == 0 && s.conf.MemMB == 0 {
		return nil
	}

	s.limiter = &cgroupsLimiter{}
	return s.limiter.configure(os.Getpid(), s.conf.CPUCore, s.conf.MemMB)
}

func (s *Session) freeCgroups() error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.free()
}

// Drained is closed once every captured frame has been attributed, which
// happens when a replay file is exhausted or after Stop.
func (s *Session) Drained() <-chan struct{} {
	return s.drained
}

// Stop is idempotent. Every frame handed over by the observer is in the
// totals once Stop returns, unresolved ones under ptraffic.UnknownPID. Totals
// stay readable after Stop.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if s.started.CompareAndSwap(false, true) {
			close(s.drained)
			s.stopErr = s.observer.Stop()
			return
		}

		if s.crontab != nil {
			s.crontab.Stop()
		}
		s.cancel()
		obsErr := s.observer.Stop()

		var runErr error
		if s.stopRun != nil {
			<-s.drained
			s.stopRun()
			runErr = s.wg.Wait()
			s.resolver.Flush(s.agg)
		}
		s.stopErr = multierr.Combine(obsErr, runErr, s.freeCgroups())
		s.logger.Info("session stopped")
	})
	return s.stopErr
}

// Take passes a snapshot to fn, see exporter.Exporter.Take.
func (s *Session) Take(fn func(*exporter.Handle)) {
	s.exp.Take(fn)
}

func (s *Session) Acquire() *exporter.Handle {
	return s.exp.Acquire()
}

// Snapshot reads the totals without taking ownership of a handle.
func (s *Session) Snapshot() ptraffic.Snapshot {
	return s.agg.Snapshot()
}

func (s *Session) Process(pid uint32) (attribution.Process, bool) {
	return s.resolver.Process(pid)
}

func (s *Session) Stats() Stats {
	return Stats{
		Frames:      s.frames.Load(),
		FrameBytes:  s.frameBytes.Load(),
		Capture:     s.observer.Stats(),
		Resolver:    s.resolver.Stats(),
		Processes:   s.agg.Len(),
		Outstanding: s.exp.Outstanding(),
	}
}
