package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) uptime() time.Duration {
	return time.Since(s.startedAt)
}

// handleSystemStatus reports process and host health for operations.
// GET /api/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, ramPct := s.hostStats()

	response := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int64(s.uptime().Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_pct":        cpuPct,
		"ram_pct":        ramPct,
		"disk":           s.diskStats(),
		"databases":      s.databaseStats(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// hostStats samples CPU over 100ms to keep the endpoint fast.
func (s *Server) hostStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

func (s *Server) diskStats() map[string]interface{} {
	usage, err := disk.Usage(s.dataDir)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get disk usage")
		return nil
	}
	return map[string]interface{}{
		"path":     s.dataDir,
		"total_gb": float64(usage.Total) / 1024 / 1024 / 1024,
		"free_gb":  float64(usage.Free) / 1024 / 1024 / 1024,
		"used_pct": usage.UsedPercent,
	}
}

func (s *Server) databaseStats() map[string]interface{} {
	out := make(map[string]interface{}, len(s.databases))
	for name, db := range s.databases {
		stats, err := db.GetStats()
		if err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("Failed to get database stats")
			continue
		}
		out[name] = map[string]interface{}{
			"size_mb":     float64(stats.SizeBytes) / 1024 / 1024,
			"wal_size_mb": float64(stats.WALSizeBytes) / 1024 / 1024,
		}
	}
	return out
}
