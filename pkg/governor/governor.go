package governor

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/voxbatch/voxbatch/pkg/logging"
)

// Snapshot is a point-in-time resource utilization reading. It is
// recomputed on demand and never cached.
type Snapshot struct {
	MemoryPercent  float64   `json:"memory_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	ProcessRSS     uint64    `json:"process_rss"`
	CPUPercent     float64   `json:"cpu_percent"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sampler abstracts the OS resource query for testability
type Sampler interface {
	Sample() (Snapshot, error)
}

// SystemSampler reads memory and CPU utilization via gopsutil
type SystemSampler struct{}

// Sample queries virtual memory, CPU load, and process RSS.
func (SystemSampler) Sample() (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return snap, err
	}
	snap.MemoryPercent = vmem.UsedPercent
	snap.AvailableBytes = vmem.Available

	// CPU reading is best-effort; a zero interval returns the load
	// since the previous call without blocking the sampler.
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		snap.CPUPercent = cpuPercent[0]
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			snap.ProcessRSS = memInfo.RSS
		}
	}

	return snap, nil
}

// Config holds governor thresholds
type Config struct {
	HighWaterPercent float64 // Memory percent above which admission is denied
	LowWaterPercent  float64 // Memory percent below which a denial latch clears
	PerJobBytes      uint64  // Estimated memory cost of one concurrent job
	MaxWorkers       int     // Hard ceiling for recommended concurrency
}

// DefaultConfig returns sensible governor defaults
func DefaultConfig() Config {
	return Config{
		HighWaterPercent: 85.0,
		LowWaterPercent:  70.0,
		PerJobBytes:      1 << 30, // 1 GiB per in-flight transcription
		MaxWorkers:       4,
	}
}

// Governor tracks memory pressure and bounds job admission and worker
// concurrency. Sampling failures degrade to a conservative default
// (assume high pressure) rather than failing callers.
type Governor struct {
	config  Config
	sampler Sampler
	logger  *logging.Logger

	mu      sync.Mutex
	denying bool // hysteresis latch: set above high water, cleared below low water
}

// New creates a governor using the system sampler
func New(config Config, logger *logging.Logger) *Governor {
	return NewWithSampler(config, SystemSampler{}, logger)
}

// NewWithSampler creates a governor with an injected sampler
func NewWithSampler(config Config, sampler Sampler, logger *logging.Logger) *Governor {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.LowWaterPercent > config.HighWaterPercent {
		config.LowWaterPercent = config.HighWaterPercent
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Governor{
		config:  config,
		sampler: sampler,
		logger:  logger,
	}
}

// Sample returns the current resource snapshot. On sampling failure a
// conservative snapshot (full memory pressure) is returned alongside
// the error.
func (g *Governor) Sample() (Snapshot, error) {
	snap, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sampling failed, assuming high pressure", map[string]interface{}{
			"error": err.Error(),
		})
		return Snapshot{MemoryPercent: 100.0, Timestamp: time.Now()}, err
	}
	return snap, nil
}

// Admit reports whether a new job with the given estimated memory cost
// may start now. The high/low water thresholds apply hysteresis: once
// denied at high water, admission stays denied until usage drops below
// low water.
func (g *Governor) Admit(estimatedBytes uint64) bool {
	snap, err := g.Sample()
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.denying {
		if snap.MemoryPercent <= g.config.LowWaterPercent {
			g.denying = false
		} else {
			return false
		}
	}

	if snap.MemoryPercent >= g.config.HighWaterPercent {
		g.denying = true
		g.logger.Warn("admission denied: memory above high water", map[string]interface{}{
			"memory_percent": snap.MemoryPercent,
			"high_water":     g.config.HighWaterPercent,
		})
		return false
	}

	if estimatedBytes > 0 && snap.AvailableBytes < estimatedBytes {
		g.denying = true
		return false
	}

	return true
}

// RecommendedConcurrency derives a worker-count ceiling from available
// memory divided by the per-job estimate, clamped to [1, MaxWorkers].
// Sampling failures recommend a single worker.
func (g *Governor) RecommendedConcurrency() int {
	snap, err := g.Sample()
	if err != nil {
		return 1
	}

	perJob := g.config.PerJobBytes
	if perJob == 0 {
		return g.config.MaxWorkers
	}

	n := int(snap.AvailableBytes / perJob)
	if n < 1 {
		n = 1
	}
	if n > g.config.MaxWorkers {
		n = g.config.MaxWorkers
	}
	return n
}
