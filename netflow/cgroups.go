package netflow

import (
	"errors"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	cgroupPath    = "/proctraffic"
	defaultPeriod = uint64(100000) // 100ms
)

// cgroupsLimiter 限制抓包进程自身的cpu和内存
type cgroupsLimiter struct {
	cg cgroups.Cgroup
}

func (c *cgroupsLimiter) configure(pid int, core float64, mbn int) error {
	if core <= 0 && mbn <= 0 {
		return errors.New("cgroups limit needs cpu or memory")
	}

	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(cgroupPath), buildResources(core, mbn))
	if err != nil {
		return err
	}
	c.cg = cg
	return c.cg.Add(cgroups.Process{Pid: pid})
}

func buildResources(core float64, mbn int) *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if core > 0 {
		period := defaultPeriod
		quota := int64(float64(period) * core)
		res.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}
	}
	if mbn > 0 {
		limit := int64(mbn) * 1024 * 1024
		res.Memory = &specs.LinuxMemory{
			Limit: &limit,
		}
	}
	return res
}

func (c *cgroupsLimiter) free() error {
	if c.cg == nil {
		return nil
	}
	err := c.cg.Delete()
	c.cg = nil
	return err
}
