package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

type queued struct {
	dev string
	pkt gopacket.Packet
}

// Stats counts transient capture problems, none of them stop the capture.
// After Stop every captured packet is either delivered on Frames, Skipped or Dropped.
type Stats struct {
	Captured      uint64 // 抓到的包
	Dropped       uint64 // 队列满了丢弃,或者 Stop 时还没处理
	Skipped       uint64 // 非tcp/udp,无法解析
	KernelDropped uint64 // libpcap 内核丢包
}

// Observer captures packets on the host devices and yields them as classified frames.
type Observer struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	bindIPs     IPSet                 // read only after Start
	bindDevices map[string]nullObject // read only after Start
	kinds       []InterfaceKind
	workerNum   int
	qsize       int
	snapLen     int32
	promisc     bool
	pcapFilter  string // for pcap filter

	pcapFileName string
	pcapFile     *os.File
	pcapWriter   *pcapgo.Writer
	writeMu      sync.Mutex

	replayFile string

	packetQueue chan queued // 抓包存放队列
	frames      chan Frame  // 解析好的数据包

	captured      atomic.Uint64
	dropped       atomic.Uint64
	skipped       atomic.Uint64
	kernelDropped atomic.Uint64

	handlesMu sync.Mutex
	handles   map[string]*pcap.Handle

	captureWg sync.WaitGroup
	workerWg  sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
}

func New(opts ...OptionFunc) (*Observer, error) {
	o := &Observer{
		logger:    zap.NewNop(),
		kinds:     defaultKinds,
		workerNum: defaultWorkerNum,
		qsize:     defaultQueueSize,
		snapLen:   defaultSnapLen,
		handles:   make(map[string]*pcap.Handle),
	}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	o.packetQueue = make(chan queued, o.qsize)
	o.frames = make(chan Frame, o.workerNum*256)
	return o, nil
}

// Frames is closed once the observer is stopped, or when a replay file is exhausted.
func (o *Observer) Frames() <-chan Frame {
	return o.frames
}

func (o *Observer) LocalIPs() IPSet {
	return o.bindIPs
}

func (o *Observer) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("observer already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)

	if err := o.configurePersist(); err != nil {
		o.cancel()
		return fmt.Errorf("create pcap store %s: %w", o.pcapFileName, err)
	}

	var err error
	if len(o.replayFile) != 0 {
		err = o.startReplay()
	} else {
		err = o.startLive()
	}
	if err != nil {
		o.cancel()
		o.closeStore()
		close(o.frames)
		return err
	}

	for i := 0; i < o.workerNum; i++ {
		o.workerWg.Add(1)
		go o.loopHandlePacket()
	}

	go func() {
		o.captureWg.Wait()
		close(o.packetQueue)
	}()
	go func() {
		o.workerWg.Wait()
		o.closeStore()
		close(o.frames)
	}()
	return nil
}

func (o *Observer) startLive() error {
	if o.bindIPs == nil || o.bindDevices == nil {
		ips, devs, err := parseIpaddrsAndDevices(o.kinds)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		if o.bindIPs == nil {
			o.bindIPs = ips
		}
		if o.bindDevices == nil {
			o.bindDevices = devs
		}
	}
	if len(o.bindDevices) == 0 {
		return ErrNoDevice
	}

	opened := 0
	for dev := range o.bindDevices {
		handler, err := buildPcapHandler(dev, o.snapLen, o.promisc, o.pcapFilter)
		if err != nil {
			o.logger.Warn("open capture device failed", zap.String("device", dev), zap.Error(err))
			continue
		}

		o.handlesMu.Lock()
		o.handles[dev] = handler
		o.handlesMu.Unlock()

		opened++
		o.captureWg.Add(1)
		go o.captureDevice(dev, handler)
		o.logger.Info("capture started", zap.String("device", dev))
	}

	if opened == 0 {
		return fmt.Errorf("%w: every device failed to open", ErrNoDevice)
	}
	return nil
}

func (o *Observer) startReplay() error {
	src, err := openReplay(o.replayFile)
	if err != nil {
		return err
	}
	if o.bindIPs == nil {
		o.bindIPs = interfaceIPs()
	}

	o.captureWg.Add(1)
	go func() {
		defer o.captureWg.Done()
		defer src.Close()

		packets := src.packetSource().Packets()
		for {
			select {
			case <-o.ctx.Done():
				return
			case pkt, ok := <-packets:
				if !ok {
					o.logger.Info("replay finished", zap.String("file", o.replayFile))
					return
				}
				o.enqueue(queued{dev: o.replayFile, pkt: pkt}, true)
			}
		}
	}()
	return nil
}

func (o *Observer) captureDevice(dev string, handler *pcap.Handle) {
	defer o.captureWg.Done()
	defer o.closeHandle(dev)

	packetSource := gopacket.NewPacketSource(handler, handler.LinkType())
	packets := packetSource.Packets()
	for {
		select {
		case <-o.ctx.Done():
			o.logger.Debug("capture device ctx done", zap.String("device", dev))
			return

		case pkt, ok := <-packets:
			if !ok {
				o.logger.Warn("capture source closed", zap.String("device", dev))
				return
			}
			o.enqueue(queued{dev: dev, pkt: pkt}, false)
		}
	}
}

// enqueue drops the packet when the queue is full, unless block is set.
func (o *Observer) enqueue(item queued, block bool) {
	o.captured.Add(1)
	if block {
		select {
		case o.packetQueue <- item:
		case <-o.ctx.Done():
			o.dropped.Add(1)
		}
		return
	}

	select {
	case o.packetQueue <- item:
	default:
		if n := o.dropped.Add(1); n%10000 == 1 {
			o.logger.Warn("queue overflow", zap.Int("size", len(o.packetQueue)), zap.Uint64("dropped", n))
		}
	}
}

func (o *Observer) loopHandlePacket() {
	defer o.workerWg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case item, ok := <-o.packetQueue:
			if !ok {
				return
			}
			o.handlePacket(item)
		}
	}
}

func (o *Observer) handlePacket(item queued) {
	o.persist(item.pkt)

	frame, ok := Decode(item.pkt, o.bindIPs)
	if !ok {
		o.skipped.Add(1)
		return
	}
	frame.Device = item.dev

	select {
	case o.frames <- frame:
	case <-o.ctx.Done():
		o.dropped.Add(1)
	}
}

// drainQueue counts the packets left in the queue after the workers exit as dropped.
func (o *Observer) drainQueue() {
	for {
		select {
		case _, ok := <-o.packetQueue:
			if !ok {
				return
			}
			o.dropped.Add(1)
		default:
			return
		}
	}
}

func (o *Observer) closeHandle(dev string) {
	o.handlesMu.Lock()
	h, ok := o.handles[dev]
	delete(o.handles, dev)
	o.handlesMu.Unlock()
	if !ok {
		return
	}

	if st, err := h.Stats(); err == nil {
		o.kernelDropped.Add(uint64(st.PacketsDropped))
	}
	h.Close()
}

func (o *Observer) closeStore() error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if o.pcapFile == nil {
		return nil
	}
	o.pcapWriter = nil
	err := o.pcapFile.Close()
	o.pcapFile = nil
	return err
}

func (o *Observer) Stats() Stats {
	st := Stats{
		Captured:      o.captured.Load(),
		Dropped:       o.dropped.Load(),
		Skipped:       o.skipped.Load(),
		KernelDropped: o.kernelDropped.Load(),
	}

	o.handlesMu.Lock()
	defer o.handlesMu.Unlock()
	for _, h := range o.handles {
		if ps, err := h.Stats(); err == nil {
			st.KernelDropped += uint64(ps.PacketsDropped)
		}
	}
	return st
}

// Stop is idempotent. It waits for the capture and decode goroutines to exit.
func (o *Observer) Stop() error {
	var err error
	o.stopOnce.Do(func() {
		if !o.started.Load() {
			o.started.Store(true)
			close(o.frames)
			return
		}

		o.cancel()
		o.captureWg.Wait()
		o.workerWg.Wait()
		o.drainQueue()
		err = o.closeStore()
	})
	return err
}

func interfaceIPs() IPSet {
	set := IPSet{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			set[ipNet.IP.String()] = nullObject{}
		}
	}
	return set
}
