package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/exporter"
	"github.com/jinmuyano/proctraffic/logutil"
	"github.com/jinmuyano/proctraffic/netflow"
	"github.com/pkg/profile"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

var (
	dev         string
	kinds       string
	bindIPs     string
	filter      string
	keyword     string
	procRoot    string
	replay      string
	store       string
	retention   string
	interval    time.Duration
	syncEvery   time.Duration
	reset       bool
	debug       bool
	top         int
	pid         int64
	cpu         float64
	mem         int
	profileMode string
)

func init() {
	flag.StringVar(&dev, "dev", "", "capture devices, comma separated, empty to discover by -kinds")
	flag.StringVar(&kinds, "kinds", "eth,en,wl,bond", "interface kinds: lo,eth,en,wl,cni,cali,bridge,bond,utun,p2p")
	flag.StringVar(&bindIPs, "ips", "", "local ips, comma separated, empty to use every interface address")
	flag.StringVar(&filter, "filter", "", "extra bpf filter, e.g. \"port 443\"")
	flag.StringVar(&keyword, "keyword", "", "only attribute processes whose exe contains one of the keywords, comma separated")
	flag.StringVar(&procRoot, "proc", "/proc", "procfs mount point")
	flag.StringVar(&replay, "replay", "", "read packets from a pcap file instead of the devices")
	flag.StringVar(&store, "store", "", "write captured packets to a pcap file")
	flag.StringVar(&retention, "retention", "evict", "evict or retain exited processes")
	flag.DurationVar(&interval, "interval", 5*time.Second, "print interval")
	flag.DurationVar(&syncEvery, "sync", time.Second, "connection table refresh interval")
	flag.BoolVar(&reset, "reset", false, "reset the totals after every print")
	flag.BoolVar(&debug, "debug", false, "debug log")
	flag.IntVar(&top, "top", 20, "show the top n processes, 0 for all")
	flag.Int64Var(&pid, "pid", 0, "only show this pid")
	flag.Float64Var(&cpu, "cpu", 0, "cgroups cpu limit in cores")
	flag.IntVar(&mem, "mem", 0, "cgroups memory limit in MB")
	flag.StringVar(&profileMode, "profile", "", "cpu, mem, block, mutex or trace, written to the working directory")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := netflow.LoadConfigFromEnv(netflow.DefaultEnvPrefix, netflow.NewConfig())
	if err != nil {
		return err
	}
	applyFlags(&conf)

	logutil.InitLogger(conf.Debug)
	logger := logutil.GetLogger()
	defer logger.Sync()

	if profileMode != "" {
		mode, err := profileOption(profileMode)
		if err != nil {
			return err
		}
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := netflow.NewSession(conf)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	meter := &rateMeter{reset: conf.ResetOnTake}
	show := func() {
		s.Take(func(h *exporter.Handle) {
			defer h.Release()

			snap, err := h.Snapshot()
			if err != nil {
				logger.Error("read snapshot failed", zap.Error(err))
				return
			}
			delta := meter.observe(snap)
			fmt.Println(renderTable(snap, delta, rankEntries(snap, top, pid), processName(s)))
		})
	}

	crontab := cron.New()
	if err := crontab.AddFunc("@every "+interval.String(), show); err != nil {
		return fmt.Errorf("invalid interval %s: %w", interval, err)
	}
	crontab.Start()
	defer crontab.Stop()

	select {
	case <-ctx.Done():
	case <-s.Drained():
		// 回放结束,等待延迟队列处理完再输出
		time.Sleep(2 * conf.SyncInterval)
		crontab.Stop()
		show()
	}

	st := s.Stats()
	logger.Info("capture stats",
		zap.Uint64("captured", st.Capture.Captured),
		zap.Uint64("dropped", st.Capture.Dropped),
		zap.Uint64("kernel_dropped", st.Capture.KernelDropped),
		zap.Uint64("unknown", st.Resolver.Unknown),
	)
	return nil
}

// applyFlags only overrides the values given on the command line, the rest
// comes from the environment or the defaults.
func applyFlags(conf *netflow.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dev":
			conf.Devices = splitList(dev)
		case "kinds":
			conf.InterfaceKinds = splitList(kinds)
		case "ips":
			conf.BindIPs = splitList(bindIPs)
		case "filter":
			conf.PcapFilter = filter
		case "keyword":
			conf.ProcessKeyword = splitList(keyword)
		case "proc":
			conf.ProcRoot = procRoot
		case "replay":
			conf.ReplayFile = replay
		case "store":
			conf.StorePcap = store
		case "retention":
			conf.Retention = retention
		case "sync":
			conf.SyncInterval = syncEvery
		case "reset":
			conf.ResetOnTake = reset
		case "debug":
			conf.Debug = debug
		case "cpu":
			conf.CPUCore = cpu
		case "mem":
			conf.MemMB = mem
		}
	})
}

func profileOption(mode string) (func(*profile.Profile), error) {
	switch mode {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "trace":
		return profile.TraceProfile, nil
	}
	return nil, fmt.Errorf("unknown profile mode %q", mode)
}

func processName(s *netflow.Session) func(uint32) string {
	return func(pid uint32) string {
		if pid == ptraffic.UnknownPID {
			return "unknown"
		}
		if po, ok := s.Process(pid); ok {
			return po.Name
		}
		return "-"
	}
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
