package attribution

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	ptraffic "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/capture"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

type fakeProc struct {
	pid     uint32
	exe     string
	cmdline string
	inodes  []uint64
}

// buildProcfs lays out the pieces of procfs the resolver reads.
func buildProcfs(t *testing.T, root string, tcp, udp string, procs ...fakeProc) {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(root, "net"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(tcpHeader+tcp), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "net", "udp"), []byte(tcpHeader+udp), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range procs {
		dir := filepath.Join(root, strconv.FormatUint(uint64(p.pid), 10))
		if err := os.MkdirAll(filepath.Join(dir, "fd"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(p.exe, filepath.Join(dir, "exe")); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(p.cmdline), 0o644); err != nil {
			t.Fatal(err)
		}
		// 非socket的fd
		if err := os.Symlink("/dev/null", filepath.Join(dir, "fd", "0")); err != nil {
			t.Fatal(err)
		}
		for i, inode := range p.inodes {
			target := "socket:[" + strconv.FormatUint(inode, 10) + "]"
			if err := os.Symlink(target, filepath.Join(dir, "fd", strconv.Itoa(i+3))); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func socketLine(port uint16, inode uint64) string {
	return "   0: 0A00A8C0:" + strconv.FormatUint(uint64(port)+0x10000, 16)[1:] +
		" 01010101:01BB 01 00000000:00000000 00:00000000 00000000  1000        0 " +
		strconv.FormatUint(inode, 10) + " 1 0000000000000000 20 4 30 10 -1\n"
}

type sampleRecorder struct {
	sync.Mutex
	samples []ptraffic.Sample
}

func (s *sampleRecorder) Record(sample ptraffic.Sample) {
	s.Lock()
	defer s.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *sampleRecorder) list() []ptraffic.Sample {
	s.Lock()
	defer s.Unlock()
	return append([]ptraffic.Sample(nil), s.samples...)
}

func TestParseSocketLine(t *testing.T) {
	port, inode, ok := parseSocketLine(socketLine(40000, 1001))
	if !ok || port != 40000 || inode != 1001 {
		t.Errorf("got port %d inode %d ok %v", port, inode, ok)
	}

	// time-wait 连接没有inode
	if _, _, ok := parseSocketLine(socketLine(40000, 0)); ok {
		t.Error("inode 0 should be skipped")
	}
	if _, _, ok := parseSocketLine("garbage"); ok {
		t.Error("short line should be skipped")
	}

	v6 := "   0: 00000000000000000000000001000000:1F90 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 2002 1\n"
	port, inode, ok = parseSocketLine(v6)
	if !ok || port != 8080 || inode != 2002 {
		t.Errorf("ipv6: got port %d inode %d ok %v", port, inode, ok)
	}
}

func TestResolverRefresh(t *testing.T) {
	root := t.TempDir()
	buildProcfs(t, root,
		socketLine(40000, 1001)+socketLine(8080, 1002),
		socketLine(5353, 1003),
		fakeProc{pid: 42, exe: "/usr/bin/curl", cmdline: "curl\x00-s\x00example.com\x00", inodes: []uint64{1001}},
		fakeProc{pid: 7, exe: "/usr/sbin/nginx", cmdline: "nginx\x00", inodes: []uint64{1002, 1003}},
		// forked worker shares the listening socket
		fakeProc{pid: 9, exe: "/usr/sbin/nginx", cmdline: "nginx\x00", inodes: []uint64{1002}},
	)

	r := NewResolver(WithProcRoot(root))
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		proto capture.Protocol
		port  uint16
		pid   uint32
		found bool
	}{
		{capture.TCP, 40000, 42, true},
		{capture.TCP, 8080, 7, true},
		{capture.UDP, 5353, 7, true},
		{capture.UDP, 40000, 0, false},
		{capture.TCP, 9999, 0, false},
	}
	for _, tt := range tests {
		pid, ok := r.Resolve(capture.Frame{Protocol: tt.proto, LocalPort: tt.port})
		if ok != tt.found || pid != tt.pid {
			t.Errorf("%s:%d resolved to %d %v, want %d %v", tt.proto, tt.port, pid, ok, tt.pid, tt.found)
		}
	}

	po, ok := r.Process(42)
	if !ok {
		t.Fatal("process 42 missing")
	}
	if po.Exe != "/usr/bin/curl" || po.Name != "curl" || po.Cmdline != "curl -s example.com" || po.InodeCount != 1 {
		t.Errorf("unexpected process %+v", po)
	}
	if st := r.Stats(); st.Revision != 1 {
		t.Errorf("revision = %d", st.Revision)
	}
}

func TestResolverKeywords(t *testing.T) {
	root := t.TempDir()
	buildProcfs(t, root,
		socketLine(40000, 1001)+socketLine(8080, 1002),
		"",
		fakeProc{pid: 42, exe: "/usr/bin/curl", inodes: []uint64{1001}},
		fakeProc{pid: 7, exe: "/usr/sbin/nginx", inodes: []uint64{1002}},
	)

	r := NewResolver(WithProcRoot(root), WithProcKeywords([]string{"nginx"}))
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Resolve(capture.Frame{Protocol: capture.TCP, LocalPort: 40000}); ok {
		t.Error("curl does not match the keyword")
	}
	if pid, ok := r.Resolve(capture.Frame{Protocol: capture.TCP, LocalPort: 8080}); !ok || pid != 7 {
		t.Errorf("nginx resolved to %d %v", pid, ok)
	}
}

func TestResolverDelayedFrames(t *testing.T) {
	root := t.TempDir()
	buildProcfs(t, root, "", "")

	r := NewResolver(
		WithProcRoot(root),
		WithSyncInterval(20*time.Millisecond),
		WithMinRefreshInterval(0),
	)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := &sampleRecorder{}
	early := capture.Frame{Protocol: capture.TCP, LocalPort: 40000, Direction: ptraffic.Upload, Length: 100}
	lost := capture.Frame{Protocol: capture.TCP, LocalPort: 41000, Direction: ptraffic.Download, Length: 60}
	r.Attribute(early, rec)
	r.Attribute(lost, rec)
	if len(rec.list()) != 0 {
		t.Fatal("unresolved frames must wait for the next rescan")
	}

	// the connection shows up in procfs after the packet was captured
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	buildProcfs(t, root, socketLine(40000, 1001), "",
		fakeProc{pid: 42, exe: "/usr/bin/curl", inodes: []uint64{1001}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, rec)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.list()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := map[uint32]ptraffic.Sample{}
	for _, s := range rec.list() {
		got[s.PID] = s
	}
	if s, ok := got[42]; !ok || s.Length != 100 || s.Direction != ptraffic.Upload {
		t.Errorf("delayed frame attributed as %+v", got)
	}
	if s, ok := got[ptraffic.UnknownPID]; !ok || s.Length != 60 {
		t.Errorf("unresolvable frame should go to the unknown pid, got %+v", got)
	}

	st := r.Stats()
	if st.Misses != 2 || st.Unknown != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestResolverQueueFull(t *testing.T) {
	root := t.TempDir()
	buildProcfs(t, root, "", "")

	r := NewResolver(WithProcRoot(root), WithDelayQueueSize(1))
	rec := &sampleRecorder{}
	frame := capture.Frame{Protocol: capture.UDP, LocalPort: 53, Length: 80}
	r.Attribute(frame, rec)
	r.Attribute(frame, rec)

	samples := rec.list()
	if len(samples) != 1 || samples[0].PID != ptraffic.UnknownPID || samples[0].Length != 80 {
		t.Errorf("overflow frame should be charged to the unknown pid, got %+v", samples)
	}

	// Run flushes what is still waiting once it is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx, rec)
	if n := len(rec.list()); n != 2 {
		t.Errorf("got %d samples after flush, want 2", n)
	}
}

func TestAlive(t *testing.T) {
	r := NewResolver()
	if !r.Alive(uint32(os.Getpid())) {
		t.Error("the test process is alive")
	}
	if !r.Alive(ptraffic.UnknownPID) {
		t.Error("the unknown pid never expires")
	}
}

func TestAliveProcRoot(t *testing.T) {
	root := t.TempDir()
	hostPid := uint32(os.Getpid()) + 1
	buildProcfs(t, root, "", "", fakeProc{pid: hostPid, exe: "/usr/bin/curl"})

	r := NewResolver(WithProcRoot(root))
	if !r.Alive(hostPid) {
		t.Errorf("pid %d exists under the configured root", hostPid)
	}
	// the test process is not in the fake tree
	if r.Alive(uint32(os.Getpid())) {
		t.Error("liveness must be read from the configured root")
	}
	if !r.Alive(ptraffic.UnknownPID) {
		t.Error("the unknown pid never expires")
	}
}
