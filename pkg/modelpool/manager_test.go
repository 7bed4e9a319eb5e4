package modelpool

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxbatch/voxbatch/pkg/metrics"
	"github.com/voxbatch/voxbatch/pkg/models"
)

type fakeInstance struct {
	closed atomic.Bool
}

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeLoader counts loads and optionally delays or fails them.
type fakeLoader struct {
	delay time.Duration
	err   error

	mu     sync.Mutex
	loads  int
	loaded []*fakeInstance
}

func (f *fakeLoader) Load(ctx context.Context, profile models.ModelProfile) (ModelInstance, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	inst := &fakeInstance{}
	f.loaded = append(f.loaded, inst)
	return inst, nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func poolConfig() Config {
	return Config{
		LoadTimeout:   5 * time.Second,
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour, // sweeps driven manually in tests
		ModelBytes:    1 << 30,
	}
}

func TestAcquireLoadsOnce(t *testing.T) {
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, nil, nil)

	profile := models.ModelProfile{Size: "base"}
	h1, err := m.Acquire(context.Background(), profile)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	h2, err := m.Acquire(context.Background(), profile)
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	if loader.loadCount() != 1 {
		t.Errorf("Expected 1 load for a shared profile, got %d", loader.loadCount())
	}
	if h1.Instance != h2.Instance {
		t.Error("Both handles should share the same instance")
	}
	if m.PoolSize() != 1 {
		t.Errorf("Expected pool size 1, got %d", m.PoolSize())
	}

	m.Release(h1)
	m.Release(h2)
}

func TestConcurrentAcquireSameProfile(t *testing.T) {
	// Slow load so all goroutines hit the load path together. Exactly one
	// load should happen; the rest wait on the per-profile lock and reuse it.
	loader := &fakeLoader{delay: 50 * time.Millisecond}
	m := NewManager(poolConfig(), loader, nil, nil, nil)
	profile := models.ModelProfile{Size: "small", Language: "en"}

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Acquire(context.Background(), profile)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	if loader.loadCount() != 1 {
		t.Errorf("Expected exactly 1 load under concurrent acquire, got %d", loader.loadCount())
	}
	if m.LoadCount() != 1 {
		t.Errorf("Manager should record 1 load, got %d", m.LoadCount())
	}

	for _, h := range handles {
		m.Release(h)
	}
}

func TestDistinctProfilesLoadSeparately(t *testing.T) {
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, nil, nil)

	h1, err := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if err != nil {
		t.Fatalf("Acquire base failed: %v", err)
	}
	h2, err := m.Acquire(context.Background(), models.ModelProfile{Size: "large-v3"})
	if err != nil {
		t.Fatalf("Acquire large-v3 failed: %v", err)
	}

	if loader.loadCount() != 2 {
		t.Errorf("Distinct profiles should load separately, got %d loads", loader.loadCount())
	}
	if h1.Instance == h2.Instance {
		t.Error("Distinct profiles must not share an instance")
	}
	m.Release(h1)
	m.Release(h2)
}

func TestEvictIdleSkipsReferenced(t *testing.T) {
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, nil, nil)

	held, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	released, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "small"})
	m.Release(released)

	// Everything released before now is older than a zero-age cutoff.
	time.Sleep(10 * time.Millisecond)
	evicted := m.EvictIdle(1 * time.Millisecond)

	if evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	if m.PoolSize() != 1 {
		t.Errorf("Referenced instance should survive, pool size %d", m.PoolSize())
	}
	if loader.loaded[0].closed.Load() {
		t.Error("Held instance must not be closed")
	}
	if !loader.loaded[1].closed.Load() {
		t.Error("Idle instance should be closed on eviction")
	}

	m.Release(held)
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, nil, nil)

	h1, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	h2, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})

	m.Release(h1)
	m.Release(h1) // double release must not steal h2's reference

	time.Sleep(10 * time.Millisecond)
	if evicted := m.EvictIdle(1 * time.Millisecond); evicted != 0 {
		t.Errorf("Instance still referenced by h2 was evicted (%d)", evicted)
	}

	m.Release(h2)
}

func TestAcquireLoadFailure(t *testing.T) {
	loader := &fakeLoader{err: errors.New("model file corrupt")}
	m := NewManager(poolConfig(), loader, nil, nil, nil)

	_, err := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if err == nil {
		t.Fatal("Acquire should fail when the loader fails")
	}
	if models.KindOf(err) != models.ErrKindModelLoad {
		t.Errorf("Expected model_load error, got %s", models.KindOf(err))
	}
	if m.PoolSize() != 0 {
		t.Error("Failed load must not leave a pool entry")
	}
}

func TestAcquireLoadTimeout(t *testing.T) {
	config := poolConfig()
	config.LoadTimeout = 20 * time.Millisecond
	loader := &fakeLoader{delay: time.Second}
	m := NewManager(config, loader, nil, nil, nil)

	start := time.Now()
	_, err := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if err == nil {
		t.Fatal("Acquire should fail when the load exceeds the timeout")
	}
	if models.KindOf(err) != models.ErrKindModelLoad {
		t.Errorf("Expected model_load error, got %s", models.KindOf(err))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Acquire should give up at the load timeout, not wait for the loader")
	}
}

func TestAcquireDeniedByAdmission(t *testing.T) {
	loader := &fakeLoader{}
	deny := func(uint64) bool { return false }
	m := NewManager(poolConfig(), loader, deny, nil, nil)

	_, err := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if err == nil {
		t.Fatal("Acquire should fail when admission is denied")
	}
	if loader.loadCount() != 0 {
		t.Error("Loader must not be invoked when admission is denied")
	}
}

func TestStopUnloadsEverything(t *testing.T) {
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, nil, nil)
	m.Start()

	h, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	m.Release(h)
	m.Stop()

	if m.PoolSize() != 0 {
		t.Errorf("Stop should unload all instances, pool size %d", m.PoolSize())
	}
	if !loader.loaded[0].closed.Load() {
		t.Error("Stop should close loaded instances")
	}
}

// scrapeMetric returns the exposition line for a metric name, if present.
func scrapeMetric(t *testing.T, m *metrics.Metrics, name string) (string, bool) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, name+" ") {
			return line, true
		}
	}
	return "", false
}

func TestAcquireRecordsPoolMetrics(t *testing.T) {
	reg := metrics.New()
	loader := &fakeLoader{}
	m := NewManager(poolConfig(), loader, nil, reg, nil)

	h, err := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if line, ok := scrapeMetric(t, reg, "voxbatch_model_pool_size"); !ok || !strings.HasSuffix(line, " 1") {
		t.Errorf("Expected pool size gauge at 1 after a load, got %q", line)
	}
	if line, ok := scrapeMetric(t, reg, "voxbatch_model_loads_total"); !ok || !strings.HasSuffix(line, " 1") {
		t.Errorf("Expected one recorded model load, got %q", line)
	}

	// A second acquire for the same profile reuses the instance and
	// must not count as another load.
	h2, _ := m.Acquire(context.Background(), models.ModelProfile{Size: "base"})
	if line, _ := scrapeMetric(t, reg, "voxbatch_model_loads_total"); !strings.HasSuffix(line, " 1") {
		t.Errorf("Reusing a loaded model must not increment loads, got %q", line)
	}

	m.Release(h)
	m.Release(h2)
	time.Sleep(10 * time.Millisecond)
	m.EvictIdle(time.Millisecond)

	if line, ok := scrapeMetric(t, reg, "voxbatch_model_pool_size"); !ok || !strings.HasSuffix(line, " 0") {
		t.Errorf("Expected pool size gauge at 0 after eviction, got %q", line)
	}
}
