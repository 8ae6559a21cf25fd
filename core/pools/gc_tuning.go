package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds garbage-collector tuning applied at process start.
type GCConfig struct {
	// GOGC sets the collection target percentage; higher values trade
	// memory for fewer collection cycles.
	GOGC int

	// MemoryLimit sets a soft memory limit in bytes; 0 means none.
	MemoryLimit int64

	// MinRetainExtra grows the initial heap so early request bursts do
	// not trigger back-to-back collections.
	MinRetainExtra int64
}

// DefaultGCConfig returns the settings a long-running proxy wants:
// infrequent collections, no hard cap.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		GOGC:           200,
		MemoryLimit:    0,
		MinRetainExtra: 50 << 20,
	}
}

// ApplyGCConfig applies the tuning.
func ApplyGCConfig(cfg GCConfig) {
	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	if cfg.MinRetainExtra > 0 {
		runtime.GC()
		_ = make([]byte, cfg.MinRetainExtra)
	}
}

// GCStats holds a snapshot of collector behavior for diagnostics.
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	AvgPause     time.Duration
	AllocBytes   uint64
	TotalAlloc   uint64
	Sys          uint64
	NumGoroutine int
}

// GetGCStats returns current collector statistics.
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		AllocBytes:   ms.Alloc,
		TotalAlloc:   ms.TotalAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])

		numPauses := ms.NumGC
		if numPauses > 256 {
			numPauses = 256
		}
		var totalPause uint64
		for i := uint32(0); i < numPauses; i++ {
			totalPause += ms.PauseNs[i]
		}
		stats.PauseTotal = time.Duration(totalPause)
		stats.AvgPause = time.Duration(totalPause / uint64(numPauses))
	}

	return stats
}
