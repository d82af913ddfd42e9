package capture

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 200000
	defaultWorkerNum = 1 // usually one worker is enough.
	defaultSnapLen   = 65536
)

var (
	ErrNoDevice      = errors.New("no capture device available")
	ErrInvalidFilter = errors.New("invalid pcap filter")
)

type OptionFunc func(*Observer) error

// WithPcapFilter set custom pcap filter, it is appended to the default filter with "and".
// filter: "port 80", "src host xiaorui.cc and port 80"
func WithPcapFilter(filter string) OptionFunc {
	return func(o *Observer) error {
		st := strings.TrimSpace(filter)
		if len(st) == 0 {
			return nil
		}
		if strings.HasPrefix(st, "and ") || strings.HasPrefix(st, "or ") {
			return ErrInvalidFilter
		}

		o.pcapFilter = st
		return nil
	}
}

func WithDevices(devs []string) OptionFunc {
	return func(o *Observer) error {
		if len(devs) == 0 {
			return errors.New("invalid devs")
		}

		mm := make(map[string]nullObject, len(devs))
		for _, dev := range devs {
			mm[dev] = nullObject{}
		}

		o.bindDevices = mm
		return nil
	}
}

// WithBindIPs overrides the addresses treated as local when deciding the direction.
func WithBindIPs(ips []string) OptionFunc {
	return func(o *Observer) error {
		if len(ips) == 0 {
			return errors.New("invalid ips")
		}

		o.bindIPs = NewIPSet(ips...)
		return nil
	}
}

func WithInterfaceKinds(kinds ...InterfaceKind) OptionFunc {
	return func(o *Observer) error {
		if len(kinds) == 0 {
			return errors.New("invalid interface kinds")
		}
		for _, k := range kinds {
			if !k.valid() {
				return errors.New("unknown interface kind: " + string(k))
			}
		}

		o.kinds = kinds
		return nil
	}
}

func WithQueueSize(size int) OptionFunc {
	if size < 1000 {
		size = defaultQueueSize
	}

	return func(o *Observer) error {
		o.qsize = size
		return nil
	}
}

func WithWorkerNum(num int) OptionFunc {
	if num <= 0 {
		num = defaultWorkerNum
	}

	return func(o *Observer) error {
		o.workerNum = num
		return nil
	}
}

func WithSnapLen(n int32) OptionFunc {
	return func(o *Observer) error {
		if n <= 0 {
			return errors.New("invalid snap len")
		}
		o.snapLen = n
		return nil
	}
}

func WithPromisc(promisc bool) OptionFunc {
	return func(o *Observer) error {
		o.promisc = promisc
		return nil
	}
}

// WithStorePcap writes every captured packet to fpath.
func WithStorePcap(fpath string) OptionFunc {
	return func(o *Observer) error {
		o.pcapFileName = fpath
		return nil
	}
}

// WithReplayFile reads packets from a pcap file instead of the live devices.
func WithReplayFile(fpath string) OptionFunc {
	return func(o *Observer) error {
		o.replayFile = fpath
		return nil
	}
}

func WithLogger(l *zap.Logger) OptionFunc {
	return func(o *Observer) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}
