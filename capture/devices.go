package capture

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket/pcap"
)

type nullObject = struct{}

// InterfaceKind selects capture devices by name prefix.
type InterfaceKind string

const (
	KindLoopback InterfaceKind = "lo"
	KindEthernet InterfaceKind = "eth"
	KindEn       InterfaceKind = "en" // ens33, enp0s3, macOS en0
	KindWireless InterfaceKind = "wl"
	KindCNI      InterfaceKind = "cni"
	KindCalico   InterfaceKind = "cali"
	KindBridge   InterfaceKind = "bridge"
	KindBond     InterfaceKind = "bond"
	KindUtun     InterfaceKind = "utun"
	KindP2P      InterfaceKind = "p2p"
)

var defaultKinds = []InterfaceKind{KindEthernet, KindEn, KindWireless, KindBond}

func (k InterfaceKind) valid() bool {
	switch k {
	case KindLoopback, KindEthernet, KindEn, KindWireless, KindCNI,
		KindCalico, KindBridge, KindBond, KindUtun, KindP2P:
		return true
	}
	return false
}

func (k InterfaceKind) Match(name string) bool {
	return strings.HasPrefix(name, string(k))
}

func ParseInterfaceKinds(names []string) ([]InterfaceKind, error) {
	kinds := make([]InterfaceKind, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		k := InterfaceKind(n)
		if !k.valid() {
			return nil, fmt.Errorf("unknown interface kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// IPSet 本机地址集合,判断出入流量
type IPSet map[string]nullObject

func NewIPSet(ips ...string) IPSet {
	set := make(IPSet, len(ips))
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			continue
		}
		set[parsed.String()] = nullObject{}
	}
	return set
}

func (s IPSet) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	_, ok := s[ip.String()]
	return ok
}

func matchKinds(name string, kinds []InterfaceKind) bool {
	for _, k := range kinds {
		if k.Match(name) {
			return true
		}
	}
	return false
}

// selectDevices 获取本机所有ip,以及匹配的网卡
func selectDevices(devs []pcap.Interface, kinds []InterfaceKind) (IPSet, map[string]nullObject) {
	var (
		bindIPs  = IPSet{}
		devNames = map[string]nullObject{}
	)

	for _, dev := range devs {
		for _, addr := range dev.Addresses {
			if addr.IP == nil || addr.IP.IsMulticast() {
				continue
			}
			bindIPs[addr.IP.String()] = nullObject{}
		}

		if len(dev.Addresses) == 0 {
			continue
		}
		if matchKinds(dev.Name, kinds) {
			devNames[dev.Name] = nullObject{}
		}
	}
	return bindIPs, devNames
}

func parseIpaddrsAndDevices(kinds []InterfaceKind) (IPSet, map[string]nullObject, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, nil, err
	}

	ips, names := selectDevices(devs, kinds)
	return ips, names, nil
}
