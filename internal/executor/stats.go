package executor

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time resource view of a running process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Running    bool    `json:"running"`
}

// Stats samples resource usage for pid.
func Stats(pid int) (*ProcessStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	stats := &ProcessStats{PID: pid}
	stats.Running, _ = p.IsRunning()
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats, nil
}

// FindRunning returns the PIDs of processes whose executable name matches
// tool (compared by base name, case-insensitively).
func FindRunning(tool string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(filepath.Base(tool))
	var pids []int
	skipped := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			skipped++
			continue
		}
		if strings.ToLower(name) == want {
			pids = append(pids, int(p.Pid))
		}
	}

	if skipped > 0 {
		log.Debug("process scan skipped processes", "skipped", skipped, "total", len(procs))
	}
	return pids, nil
}
