package main

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/docker/go-units"
	ptraffic "github.com/jinmuyano/proctraffic"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF7DB")).Padding(0, 1)
)

// rankEntries 按总流量降序,pid 为 0 时不过滤, top <= 0 不限制
func rankEntries(snap ptraffic.Snapshot, top int, pid int64) []ptraffic.ProcessTotals {
	var list []ptraffic.ProcessTotals
	for _, e := range snap.Entries {
		if pid > 0 && int64(e.PID) != pid {
			continue
		}
		list = append(list, e)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Upload+list[i].Download > list[j].Upload+list[j].Download
	})
	if top > 0 && len(list) > top {
		list = list[:top]
	}
	return list
}

// rateMeter turns the running totals into what was sent during the last
// interval. With reset the totals already restart on every take.
type rateMeter struct {
	mu    sync.Mutex
	reset bool
	prev  ptraffic.Snapshot
}

func (m *rateMeter) observe(snap ptraffic.Snapshot) ptraffic.Snapshot {
	if m.reset {
		return snap
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]ptraffic.ProcessTotals, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		p, _ := m.prev.Get(e.PID)
		list = append(list, ptraffic.ProcessTotals{
			PID:      e.PID,
			Upload:   sub(e.Upload, p.Upload),
			Download: sub(e.Download, p.Download),
		})
	}
	m.prev = snap

	delta := ptraffic.NewSnapshot(list)
	delta.Elapsed = snap.Elapsed
	return delta
}

// sub 计数器被清零过(进程回收后pid复用)则按新值算
func sub(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func rate(n uint64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "-"
	}
	return units.BytesSize(float64(n)/elapsed.Seconds()) + "/s"
}

// renderTable prints the totals of snap, the rates come from delta.
func renderTable(snap, delta ptraffic.Snapshot, rows []ptraffic.ProcessTotals, name func(pid uint32) string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PID", "NAME", "UPLOAD", "DOWNLOAD", "UP/S", "DOWN/S").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, e := range rows {
		d, _ := delta.Get(e.PID)
		t.Row(
			strconv.FormatUint(uint64(e.PID), 10),
			name(e.PID),
			units.BytesSize(float64(e.Upload)),
			units.BytesSize(float64(e.Download)),
			rate(d.Upload, delta.Elapsed),
			rate(d.Download, delta.Elapsed),
		)
	}

	title := titleStyle.Render(fmt.Sprintf("%s  processes: %d", time.Now().Format("15:04:05"), snap.Len()))
	footer := footerStyle.Render(fmt.Sprintf("total upload %s (%s)  download %s (%s)  elapsed %s",
		units.BytesSize(float64(snap.TotalUpload)), rate(delta.TotalUpload, delta.Elapsed),
		units.BytesSize(float64(snap.TotalDownload)), rate(delta.TotalDownload, delta.Elapsed),
		snap.Elapsed.Round(time.Millisecond),
	))
	return lipgloss.JoinVertical(lipgloss.Left, title, t.String(), footer)
}
