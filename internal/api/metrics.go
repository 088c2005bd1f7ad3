package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	Services      ServiceMetrics `json:"services"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// ServiceMetrics summarises the supervised fleet.
type ServiceMetrics struct {
	Total       int            `json:"total"`
	Running     int            `json:"running"`
	AutoRestart int            `json:"auto_restart"`
	Restarts    int            `json:"restarts"`
	ByState     map[string]int `json:"by_state"`
}

// handleMetrics returns runtime and fleet metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Services: ServiceMetrics{ByState: make(map[string]int)},
	}

	for _, snap := range s.services.Statuses() {
		m := &metrics.Services
		m.Total++
		m.Restarts += snap.RestartCount
		m.ByState[string(snap.State)]++
		if snap.IsRunning {
			m.Running++
		}
		if snap.AutoRestartEnabled {
			m.AutoRestart++
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
