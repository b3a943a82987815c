package server

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var processStart = time.Now()

// handleSystemHealth reports system-wide CPU%, system memory use, process
// RSS and uptime, the teacher's
// gopsutil-backed operational status endpoint generalised beyond trading.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":     "healthy",
		"uptime_s":   time.Since(processStart).Seconds(),
		"scheduled_city": s.scheduler.CurrentCity(),
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(cpuPercent) > 0 {
		health["cpu_percent"] = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		health["mem_used_percent"] = memStat.UsedPercent
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil {
			health["rss_bytes"] = rss.RSS
		}
	}

	writeJSON(w, s.log, http.StatusOK, health)
}
