package attribution

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jinmuyano/proctraffic/capture"
)

type connKey struct {
	proto capture.Protocol
	port  uint16
}

var socketTables = []struct {
	name  string
	proto capture.Protocol
}{
	{"tcp", capture.TCP},
	{"tcp6", capture.TCP},
	{"udp", capture.UDP},
	{"udp6", capture.UDP},
}

// scanConns 读取/proc/net/{tcp,tcp6,udp,udp6},本地端口 -> socket inode
func scanConns(root string) (map[connKey][]uint64, error) {
	conns := make(map[connKey][]uint64, 1000)
	for _, t := range socketTables {
		err := readSocketTable(filepath.Join(root, "net", t.name), t.proto, conns)
		if err != nil {
			return nil, err
		}
	}
	return conns, nil
}

// readSocketTable skips a missing table, hosts without ipv6 have no tcp6.
func readSocketTable(fpath string, proto capture.Protocol, conns map[connKey][]uint64) error {
	f, err := os.Open(fpath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		port, inode, ok := parseSocketLine(scanner.Text())
		if !ok {
			continue
		}
		key := connKey{proto: proto, port: port}
		conns[key] = append(conns[key], inode)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", fpath, err)
	}
	return nil
}

// parseSocketLine parses one row:
//
//	0: 0100007F:0CEA 00000000:0000 0A 00000000:00000000 00:00000000 00000000   999        0 23456 1
func parseSocketLine(line string) (uint16, uint64, bool) {
	words := strings.Fields(line)
	if len(words) < 10 {
		return 0, 0, false
	}

	localAddr := words[1]
	idx := strings.LastIndexByte(localAddr, ':')
	if idx < 0 {
		return 0, 0, false
	}
	port, err := strconv.ParseUint(localAddr[idx+1:], 16, 16)
	if err != nil || port == 0 {
		return 0, 0, false
	}

	inode, err := strconv.ParseUint(words[9], 10, 64)
	if err != nil || inode == 0 {
		return 0, 0, false
	}
	return uint16(port), inode, true
}
