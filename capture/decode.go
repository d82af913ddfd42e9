package capture

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	ptraffic "github.com/jinmuyano/proctraffic"
)

type Protocol uint8

const (
	TCP Protocol = iota + 1
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return "unknown"
}

// Frame is a captured packet classified by direction, not yet attributed to a process.
type Frame struct {
	Device     string
	Protocol   Protocol
	Direction  ptraffic.Direction
	Length     uint64
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
	Timestamp  time.Time
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s:%d_%s:%d %s %d", f.Protocol, f.LocalIP, f.LocalPort, f.RemoteIP, f.RemotePort, f.Direction, f.Length)
}

// Decode 解析数据包,判断出入流量,获取本地端口和包大小.
// Packets that are neither TCP nor UDP over IPv4/IPv6 are rejected.
func Decode(packet gopacket.Packet, local IPSet) (Frame, bool) {
	var srcIP, dstIP net.IP

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip, _ := l.(*layers.IPv4)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip, _ := l.(*layers.IPv6)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else {
		return Frame{}, false
	}

	var (
		proto            Protocol
		srcPort, dstPort uint16
	)
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp, _ := l.(*layers.TCP)
		proto, srcPort, dstPort = TCP, uint16(tcp.SrcPort), uint16(tcp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp, _ := l.(*layers.UDP)
		proto, srcPort, dstPort = UDP, uint16(udp.SrcPort), uint16(udp.DstPort)
	} else {
		return Frame{}, false
	}

	frame := Frame{
		Protocol:  proto,
		Length:    packetLength(packet),
		Timestamp: packet.Metadata().Timestamp,
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	// 源地址是本机则为出流量,其余都算入流量
	if local.Contains(srcIP) {
		frame.Direction = ptraffic.Upload
		frame.LocalIP, frame.LocalPort = srcIP, srcPort
		frame.RemoteIP, frame.RemotePort = dstIP, dstPort
	} else {
		frame.Direction = ptraffic.Download
		frame.LocalIP, frame.LocalPort = dstIP, dstPort
		frame.RemoteIP, frame.RemotePort = srcIP, srcPort
	}
	return frame, true
}

// packetLength prefers the wire length, the captured data may be cut by the snap len.
func packetLength(packet gopacket.Packet) uint64 {
	if md := packet.Metadata(); md != nil && md.Length > 0 {
		return uint64(md.Length)
	}
	return uint64(len(packet.Data()))
}
