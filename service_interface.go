package ptraffic

import (
	"context"
	"sort"
	"time"
)

// UnknownPID collects bytes whose owning process could not be resolved.
const UnknownPID uint32 = 0

type Direction int

const (
	Download Direction = iota // 入流量,目的地址是本机
	Upload                    // 出流量,源地址是本机
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Sample 是已经归属到进程的一个数据包
type Sample struct {
	PID       uint32
	Length    uint64
	Direction Direction
}

type ProcessTotals struct {
	PID      uint32 `json:"pid"`
	Upload   uint64 `json:"upload_length"`
	Download uint64 `json:"download_length"`
}

// Snapshot is an independently owned, point-in-time copy of the aggregated totals.
// Entries is nil when no process has been observed; the totals always equal the
// sums over Entries.
type Snapshot struct {
	Entries       []ProcessTotals `json:"list"`
	TotalUpload   uint64          `json:"total_upload"`
	TotalDownload uint64          `json:"total_download"`
	Elapsed       time.Duration   `json:"elapse"`
}

// NewSnapshot sorts entries by pid and computes the cached totals once.
func NewSnapshot(entries []ProcessTotals) Snapshot {
	if len(entries) == 0 {
		return Snapshot{}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PID < entries[j].PID
	})

	snap := Snapshot{Entries: entries}
	for _, e := range entries {
		snap.TotalUpload += e.Upload
		snap.TotalDownload += e.Download
	}
	return snap
}

func (s Snapshot) Len() int {
	return len(s.Entries)
}

// Get 获取指定进程的流量
func (s Snapshot) Get(pid uint32) (ProcessTotals, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].PID >= pid
	})
	if i < len(s.Entries) && s.Entries[i].PID == pid {
		return s.Entries[i], true
	}
	return ProcessTotals{}, false
}

type Recorder interface {
	Record(Sample)
}

type SnapshotSource interface {
	Snapshot() Snapshot
}

type PacketClient interface {
	Start(ctx context.Context) error // 启动抓包
	Stop() error                     // 关闭退出抓包
	Snapshot() Snapshot              // 获取流量统计结果
}
