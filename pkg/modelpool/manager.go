package modelpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/metrics"
	"github.com/voxbatch/voxbatch/pkg/models"
)

// ModelInstance is a loaded transcription model. Implementations wrap
// whatever the speech backend hands out (a process, a cgo context, a
// remote session).
type ModelInstance interface {
	Close() error
}

// Loader loads model instances for a profile. Load must respect ctx
// cancellation; the manager bounds it with the configured load timeout.
type Loader interface {
	Load(ctx context.Context, profile models.ModelProfile) (ModelInstance, error)
}

// AdmitFunc gates new model loads on resource availability
type AdmitFunc func(estimatedBytes uint64) bool

// Config holds model pool configuration
type Config struct {
	LoadTimeout   time.Duration // Maximum time a single model load may take
	IdleTimeout   time.Duration // Idle duration after which an instance is evictable
	SweepInterval time.Duration // How often the eviction sweep runs
	ModelBytes    uint64        // Estimated memory footprint of one loaded model
}

// DefaultConfig returns sensible pool defaults
func DefaultConfig() Config {
	return Config{
		LoadTimeout:   2 * time.Minute,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		ModelBytes:    1 << 30,
	}
}

// Handle is a reference-counted lease on a loaded model instance
type Handle struct {
	ID       string
	Profile  models.ModelProfile
	Instance ModelInstance

	entry *poolEntry
}

// poolEntry tracks one loaded instance. refs and idleSince are guarded
// by the manager mutex.
type poolEntry struct {
	instance  ModelInstance
	profile   models.ModelProfile
	refs      int
	idleSince time.Time
	loadedAt  time.Time
}

// Manager owns the pool of loaded model instances. One instance is kept
// per distinct profile and shared between concurrent jobs via reference
// counting; at most one load is in flight per profile.
type Manager struct {
	config  Config
	loader  Loader
	admit   AdmitFunc
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry  // profile key -> loaded instance
	loading map[string]*sync.Mutex // profile key -> per-profile load lock

	stopCh chan struct{}
	doneCh chan struct{}

	loadCount int // total successful loads, for tests and metrics
}

// NewManager creates a model pool manager
func NewManager(config Config, loader Loader, admit AdmitFunc, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = DefaultConfig().LoadTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Manager{
		config:  config,
		loader:  loader,
		admit:   admit,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*poolEntry),
		loading: make(map[string]*sync.Mutex),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the periodic idle-eviction sweep
func (m *Manager) Start() {
	interval := m.config.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.EvictIdle(m.config.IdleTimeout)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the sweep and unloads every instance regardless of idle age
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if err := entry.instance.Close(); err != nil {
			m.logger.Warn("failed to close model instance", map[string]interface{}{
				"profile": key, "error": err.Error(),
			})
		}
		delete(m.entries, key)
	}
	m.metrics.SetModelPoolSize(0)
}

// Acquire returns a handle to a loaded instance for the profile,
// loading one if needed. A load blocks the caller for at most the
// configured load timeout and fails with a ModelLoadError if the model
// cannot be created under current resource constraints.
func (m *Manager) Acquire(ctx context.Context, profile models.ModelProfile) (*Handle, error) {
	key := profile.String()

	if h := m.tryAcquireExisting(key, profile); h != nil {
		return h, nil
	}

	// One load in flight per profile. The lock outlives this call on
	// purpose: later acquires for the same profile reuse it.
	loadMu := m.loadLock(key)
	loadMu.Lock()
	defer loadMu.Unlock()

	// Another caller may have finished the load while we waited.
	if h := m.tryAcquireExisting(key, profile); h != nil {
		return h, nil
	}

	if m.admit != nil && !m.admit(m.config.ModelBytes) {
		return nil, models.NewModelLoadError(key, models.NewResourceExhaustedError("insufficient memory for model load"))
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.config.LoadTimeout)
	defer cancel()

	started := time.Now()
	instance, err := m.loader.Load(loadCtx, profile)
	if err != nil {
		return nil, models.NewModelLoadError(key, err)
	}

	m.logger.Info("model loaded", map[string]interface{}{
		"profile": key, "took": time.Since(started).String(),
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &poolEntry{
		instance: instance,
		profile:  profile,
		refs:     1,
		loadedAt: time.Now(),
	}
	m.entries[key] = entry
	m.loadCount++
	m.metrics.ModelLoaded()
	m.metrics.SetModelPoolSize(len(m.entries))
	return m.newHandle(profile, entry), nil
}

// Release decrements the handle's reference count. When it reaches
// zero the instance becomes eligible for idle eviction. Releasing the
// same handle twice is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.entry == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := h.entry
	h.entry = nil
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs == 0 {
		entry.idleSince = time.Now()
	}
}

// EvictIdle unloads instances that have been idle longer than olderThan.
// Instances with live references are never unloaded.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	m.mu.Lock()

	evicted := []*poolEntry{}
	cutoff := time.Now().Add(-olderThan)
	for key, entry := range m.entries {
		if entry.refs > 0 {
			continue
		}
		if entry.idleSince.IsZero() || entry.idleSince.After(cutoff) {
			continue
		}
		delete(m.entries, key)
		evicted = append(evicted, entry)
	}
	m.metrics.SetModelPoolSize(len(m.entries))
	m.mu.Unlock()

	// Close outside the lock: unloading can be slow.
	for _, entry := range evicted {
		key := entry.profile.String()
		if err := entry.instance.Close(); err != nil {
			m.logger.Warn("failed to unload idle model", map[string]interface{}{
				"profile": key, "error": err.Error(),
			})
		} else {
			m.logger.Info("evicted idle model", map[string]interface{}{"profile": key})
		}
	}
	return len(evicted)
}

// PoolSize returns the number of currently loaded instances
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LoadCount returns the total number of successful loads
func (m *Manager) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCount
}

func (m *Manager) tryAcquireExisting(key string, profile models.ModelProfile) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	entry.refs++
	entry.idleSince = time.Time{}
	return m.newHandle(profile, entry)
}

func (m *Manager) loadLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.loading[key]
	if !ok {
		lock = &sync.Mutex{}
		m.loading[key] = lock
	}
	return lock
}

// newHandle must be called with m.mu held.
func (m *Manager) newHandle(profile models.ModelProfile, entry *poolEntry) *Handle {
	return &Handle{
		ID:       uuid.New().String(),
		Profile:  profile,
		Instance: entry.instance,
		entry:    entry,
	}
}
