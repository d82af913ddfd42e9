package attribution

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const socketLabel = "socket:["

type Process struct {
	Pid        uint32 `json:"pid"`
	Name       string `json:"name"`
	Exe        string `json:"exe"`
	Cmdline    string `json:"cmdline"` // 进程命令行参数
	InodeCount int    `json:"inode_count"`

	inodes []uint64
}

func (p *Process) copy() Process {
	return Process{
		Pid:        p.Pid,
		Name:       p.Name,
		Exe:        p.Exe,
		Cmdline:    p.Cmdline,
		InodeCount: p.InodeCount,
	}
}

// scanProcesses 整理进程inode列表, pid -> 进程对应的所有socket-id
func scanProcesses(root string, keywords []string) (map[uint32]*Process, error) {
	files, err := filepath.Glob(filepath.Join(root, "[0-9]*", "fd", "[0-9]*"))
	if err != nil {
		return nil, err
	}

	var (
		ppm     = make(map[uint32]*Process, 1000)
		skipped = make(map[uint32]struct{})
	)

	for _, fpath := range files {
		name, err := os.Readlink(fpath) // 获取软连接的目标地址
		if err != nil || !strings.HasPrefix(name, socketLabel) || !strings.HasSuffix(name, "]") {
			continue
		}
		inode, err := strconv.ParseUint(name[len(socketLabel):len(name)-1], 10, 64)
		if err != nil {
			continue
		}

		rel, err := filepath.Rel(root, fpath)
		if err != nil {
			continue
		}
		pid64, err := strconv.ParseUint(strings.Split(rel, string(filepath.Separator))[0], 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		if _, ok := skipped[pid]; ok {
			continue
		}
		if po := ppm[pid]; po != nil {
			po.inodes = append(po.inodes, inode)
			po.InodeCount = len(po.inodes)
			continue
		}

		exe := getProcessExe(root, pid)
		if !isMatchProcess(exe, keywords) {
			skipped[pid] = struct{}{}
			continue
		}

		ppm[pid] = &Process{
			Pid:        pid,
			Name:       getProcessName(root, pid, exe),
			Exe:        exe,
			Cmdline:    getCmdline(root, pid),
			InodeCount: 1,
			inodes:     []uint64{inode},
		}
	}
	return ppm, nil
}

// isMatchProcess matches every process when no keyword is configured.
func isMatchProcess(exe string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, key := range keywords {
		if strings.Contains(exe, key) {
			return true
		}
	}
	return false
}

// getProcessExe 执行路径:exe -> /usr/local/jdk1.8.0_112/bin/java
func getProcessExe(root string, pid uint32) string {
	path, _ := os.Readlink(filepath.Join(root, strconv.FormatUint(uint64(pid), 10), "exe"))
	return path
}

// getProcessName prefers comm, kernel threads and zombies have no exe.
func getProcessName(root string, pid uint32, exe string) string {
	data, err := os.ReadFile(filepath.Join(root, strconv.FormatUint(uint64(pid), 10), "comm"))
	if err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	if exe == "" {
		return "unknown"
	}
	return filepath.Base(exe)
}

func getCmdline(root string, pid uint32) string {
	content, err := os.ReadFile(filepath.Join(root, strconv.FormatUint(uint64(pid), 10), "cmdline"))
	if err != nil {
		return ""
	}

	// 将所有的\x00替换成空格
	return strings.TrimSpace(strings.ReplaceAll(string(content), "\x00", " "))
}
