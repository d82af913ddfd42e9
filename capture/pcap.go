package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

const baseFilter = "(tcp or udp) and not broadcast and not multicast"

func buildFilter(pfilter string) string {
	if len(pfilter) == 0 {
		return baseFilter
	}
	return fmt.Sprintf("%s and (%s)", baseFilter, pfilter)
}

// 构建gopacket 包handle
func buildPcapHandler(device string, snapLen int32, promisc bool, pfilter string) (*pcap.Handle, error) {
	// if packet captured size >= snapshotLength or 1 second's timer is expired, call user layer.
	handler, err := pcap.OpenLive(device, snapLen, promisc, time.Second)
	if err != nil {
		return nil, err
	}

	err = handler.SetBPFFilter(buildFilter(pfilter))
	if err != nil {
		handler.Close()
		return nil, err
	}

	return handler, nil
}

type replaySource struct {
	file   *os.File
	reader *pcapgo.Reader
}

func openReplay(fpath string) (*replaySource, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, err
	}

	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header %s: %w", fpath, err)
	}
	return &replaySource{file: f, reader: r}, nil
}

func (r *replaySource) packetSource() *gopacket.PacketSource {
	return gopacket.NewPacketSource(r.reader, r.reader.LinkType())
}

func (r *replaySource) Close() error {
	return r.file.Close()
}

func (o *Observer) configurePersist() error {
	if len(o.pcapFileName) == 0 {
		return nil
	}

	f, err := os.Create(o.pcapFileName)
	if err != nil {
		return err
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(o.snapLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return err
	}

	o.pcapFile = f
	o.pcapWriter = w
	return nil
}

func (o *Observer) persist(pkt gopacket.Packet) {
	if len(o.pcapFileName) == 0 {
		return
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.pcapWriter == nil {
		return
	}
	ci := pkt.Metadata().CaptureInfo
	ci.CaptureLength = len(pkt.Data())
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := o.pcapWriter.WritePacket(ci, pkt.Data()); err != nil {
		o.logger.Debug("write pcap failed", zap.String("file", o.pcapFileName), zap.Error(err))
	}
}
