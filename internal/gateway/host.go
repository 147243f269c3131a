package gateway

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostUsage is the host and process load reported by /health. Fields the
// platform cannot provide are left zero.
type HostUsage struct {
	Load1                 float64 `json:"load1"`
	Load5                 float64 `json:"load5"`
	Load15                float64 `json:"load15"`
	CPUPercent            float64 `json:"process_cpu_percent"`
	MemoryRSS             uint64  `json:"process_rss_bytes"`
	SystemMemoryPercent   float64 `json:"system_memory_percent"`
	SystemMemoryAvailable uint64  `json:"system_memory_available_bytes"`
	Goroutines            int     `json:"goroutines"`
	OpenFDs               int32   `json:"open_fds,omitempty"`
	Uptime                string  `json:"uptime"`
}

// hostMonitor samples host load and this process's resource usage.
type hostMonitor struct {
	mu           sync.Mutex
	proc         *process.Process
	startCPUTime float64
	startTime    time.Time
}

func newHostMonitor() *hostMonitor {
	m := &hostMonitor{startTime: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
		if t, err := proc.Times(); err == nil {
			m.startCPUTime = t.Total()
		}
	}
	return m
}

// Usage returns a fresh sample.
func (m *hostMonitor) Usage() HostUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := HostUsage{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
	}
	if avg, err := load.Avg(); err == nil {
		usage.Load1, usage.Load5, usage.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryPercent = vm.UsedPercent
		usage.SystemMemoryAvailable = vm.Available
	}
	if m.proc == nil {
		return usage
	}
	if t, err := m.proc.Times(); err == nil {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			usage.CPUPercent = (t.Total() - m.startCPUTime) / elapsed * 100
		}
	}
	if info, err := m.proc.MemoryInfo(); err == nil {
		usage.MemoryRSS = info.RSS
	}
	usage.OpenFDs, _ = m.proc.NumFDs()
	return usage
}
