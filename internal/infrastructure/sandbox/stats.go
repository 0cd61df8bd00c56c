package sandbox

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time snapshot of a sandbox process.
type Stats struct {
	PID         int32   `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryRSS   uint64  `json:"memory_rss"`
	NumThreads  int32   `json:"num_threads"`
	OpenFiles   int     `json:"open_files"`
	Interpreted string  `json:"module"`
}

// Stats samples the sandbox process. Only meaningful for controllers that
// own a real process.
func (c *Controller) Stats() (*Stats, error) {
	if c.proc == nil {
		return nil, fmt.Errorf("%w: no sandbox process", ErrLifecycle)
	}
	p, err := process.NewProcess(int32(c.proc.pid()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLifecycle, err)
	}

	stats := &Stats{PID: p.Pid, Interpreted: c.modulePath}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
	}
	if threads, err := p.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	if files, err := p.OpenFiles(); err == nil {
		stats.OpenFiles = len(files)
	}
	return stats, nil
}
