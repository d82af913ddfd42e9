package netflow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jinmuyano/proctraffic/aggregator"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

const DefaultEnvPrefix = "PROCTRAFFIC"

type Config struct {
	Devices        []string // 指定网卡,为空则按 InterfaceKinds 自动发现
	InterfaceKinds []string // eth,en,wl,bond,cni,...
	BindIPs        []string // 本机ip,判断出入流量
	PcapFilter     string
	ProcessKeyword []string // 只统计exe路径包含关键词的进程,为空统计全部
	ProcRoot       string

	QueueSize    int
	WorkerNum    int
	SyncInterval time.Duration // 连接表刷新间隔
	ReapInterval time.Duration // 清理退出进程的间隔
	Retention    string        // evict | retain
	Grace        time.Duration

	StorePcap  string // 抓包保存文件
	ReplayFile string // 离线回放pcap文件,不抓网卡

	CPUCore float64 // cgroups 限制,0 不限制
	MemMB   int

	ResetOnTake bool // 每次take后清零,按间隔统计
	Debug       bool
}

func NewConfig() Config {
	return Config{
		InterfaceKinds: []string{"eth", "en", "wl", "bond"},
		ProcRoot:       "/proc",
		QueueSize:      200000,
		WorkerNum:      1,
		SyncInterval:   time.Second,
		ReapInterval:   10 * time.Second,
		Retention:      aggregator.EvictExited.String(),
		Grace:          30 * time.Second,
	}
}

func (c Config) retention() (aggregator.Retention, error) {
	switch strings.ToLower(strings.TrimSpace(c.Retention)) {
	case "", "evict":
		return aggregator.EvictExited, nil
	case "retain":
		return aggregator.RetainAll, nil
	}
	return 0, fmt.Errorf("invalid retention %q, want evict or retain", c.Retention)
}

// LoadConfigFromEnv overlays PREFIX_* environment variables on base, e.g.
// PROCTRAFFIC_DEVICES=eth0,eth1 or PROCTRAFFIC_SYNC_INTERVAL=2s. Values that
// cannot be converted are reported together and leave base untouched.
func LoadConfigFromEnv(prefix string, base Config) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	conf := base

	var errs error
	lookup := func(key string) (string, bool) {
		val, ok := os.LookupEnv(prefix + "_" + key)
		if !ok || strings.TrimSpace(val) == "" {
			return "", false
		}
		return strings.TrimSpace(val), true
	}
	wrap := func(key string, err error) {
		errs = multierr.Append(errs, fmt.Errorf("%s_%s: %w", prefix, key, err))
	}

	strs := map[string]*string{
		"PCAP_FILTER": &conf.PcapFilter,
		"PROC_ROOT":   &conf.ProcRoot,
		"RETENTION":   &conf.Retention,
		"STORE_PCAP":  &conf.StorePcap,
		"REPLAY_FILE": &conf.ReplayFile,
	}
	for key, dst := range strs {
		if val, ok := lookup(key); ok {
			*dst = val
		}
	}

	lists := map[string]*[]string{
		"DEVICES":         &conf.Devices,
		"INTERFACE_KINDS": &conf.InterfaceKinds,
		"BIND_IPS":        &conf.BindIPs,
		"PROCESS_KEYWORD": &conf.ProcessKeyword,
	}
	for key, dst := range lists {
		if val, ok := lookup(key); ok {
			*dst = splitList(val)
		}
	}

	ints := map[string]*int{
		"QUEUE_SIZE": &conf.QueueSize,
		"WORKER_NUM": &conf.WorkerNum,
		"MEM_MB":     &conf.MemMB,
	}
	for key, dst := range ints {
		if val, ok := lookup(key); ok {
			n, err := cast.ToIntE(val)
			if err != nil {
				wrap(key, err)
				continue
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SYNC_INTERVAL": &conf.SyncInterval,
		"REAP_INTERVAL": &conf.ReapInterval,
		"GRACE":         &conf.Grace,
	}
	for key, dst := range durations {
		if val, ok := lookup(key); ok {
			d, err := cast.ToDurationE(val)
			if err != nil {
				wrap(key, err)
				continue
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"RESET_ON_TAKE": &conf.ResetOnTake,
		"DEBUG":         &conf.Debug,
	}
	for key, dst := range bools {
		if val, ok := lookup(key); ok {
			b, err := cast.ToBoolE(val)
			if err != nil {
				wrap(key, err)
				continue
			}
			*dst = b
		}
	}

	if val, ok := lookup("CPU_CORE"); ok {
		f, err := cast.ToFloat64E(val)
		if err != nil {
			wrap("CPU_CORE", err)
		} else {
			conf.CPUCore = f
		}
	}

	if errs != nil {
		return base, errs
	}
	return conf, nil
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
