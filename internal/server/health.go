package server

import (
	"runtime"
	"time"

	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

// Version is reported by /health; release builds set it with -ldflags.
var Version = "dev"

// HealthStatus is the /health response.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Models    ModelInfo     `json:"models"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	TensorMB     int64  `json:"tensor_mb"`
}

// ModelInfo summarizes the model cache.
type ModelInfo struct {
	Registered    int       `json:"registered"`
	Loaded        []string  `json:"loaded"`
	SamplesServed int64     `json:"samples_served"`
	LastInference time.Time `json:"last_inference"`
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (s *Server) healthStatus() HealthStatus {
	sys := systemInfo()
	sys.TensorMB = tensor.AllocatedBytes() >> 20

	s.mu.RLock()
	loaded := make([]string, 0, len(s.models))
	for name := range s.models {
		loaded = append(loaded, name)
	}
	last := s.lastInference
	s.mu.RUnlock()

	return HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(s.start),
		System:    sys,
		Models: ModelInfo{
			Registered:    s.reg.Count(),
			Loaded:        loaded,
			SamplesServed: metrics.TotalSamples(),
			LastInference: last,
		},
	}
}
