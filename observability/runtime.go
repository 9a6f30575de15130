package observability

import (
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemorySysMB   float64 `json:"memory_sys_mb"`
	GCCount       uint32  `json:"gc_count"`
	UptimeSec     int64   `json:"uptime_sec"`
}

var started = time.Now()

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
		UptimeSec:     int64(time.Since(started).Seconds()),
	}
}
