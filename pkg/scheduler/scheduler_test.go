package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxbatch/voxbatch/pkg/governor"
	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/modelpool"
	"github.com/voxbatch/voxbatch/pkg/processor"
	"github.com/voxbatch/voxbatch/pkg/progress"
	"github.com/voxbatch/voxbatch/pkg/retry"
)

type stubInstance struct{}

func (stubInstance) Close() error { return nil }

type stubLoader struct{}

func (stubLoader) Load(ctx context.Context, profile models.ModelProfile) (modelpool.ModelInstance, error) {
	return stubInstance{}, nil
}

// stubSampler reports a fixed memory reading.
type stubSampler struct {
	percent   float64
	available uint64
}

func (s stubSampler) Sample() (governor.Snapshot, error) {
	return governor.Snapshot{
		MemoryPercent:  s.percent,
		AvailableBytes: s.available,
		Timestamp:      time.Now(),
	}, nil
}

// scriptedTranscriber keys behavior off the source ref:
//
//	"fail:..."  every chunk attempt fails
//	"panic:..." panics inside the worker
//	"hang:..."  blocks until the job context is cancelled
//	anything else transcribes one chunk successfully
type scriptedTranscriber struct{}

func (scriptedTranscriber) Transcribe(ctx context.Context, handle *modelpool.Handle, sourceRef string) (<-chan processor.ChunkResult, error) {
	switch {
	case strings.HasPrefix(sourceRef, "panic:"):
		panic("transcriber exploded")
	case strings.HasPrefix(sourceRef, "fail:"):
		return nil, errors.New("decoder unavailable")
	case strings.HasPrefix(sourceRef, "hang:"):
		out := make(chan processor.ChunkResult, 1)
		go func() {
			<-ctx.Done()
			out <- processor.ChunkResult{Err: ctx.Err()}
			close(out)
		}()
		return out, nil
	}
	out := make(chan processor.ChunkResult, 1)
	out <- processor.ChunkResult{Index: 0, Total: 1, Text: "hello world", Progress: 1.0}
	close(out)
	return out, nil
}

type memStorage struct{}

func (memStorage) Resolve(sourceRef string) error {
	if strings.HasPrefix(sourceRef, "missing:") {
		return models.NewSourceNotFoundError(sourceRef)
	}
	return nil
}

func (memStorage) Persist(ctx context.Context, jobID string, transcript *processor.Transcript) (string, error) {
	return "mem:" + jobID, nil
}

type harness struct {
	sched   *Scheduler
	tracker *progress.Tracker
}

func newHarness(t *testing.T, mutate func(*Config), samplers ...governor.Sampler) *harness {
	t.Helper()

	var sampler governor.Sampler = stubSampler{percent: 40.0, available: 16 << 30}
	if len(samplers) > 0 {
		sampler = samplers[0]
	}
	gov := governor.NewWithSampler(governor.Config{
		HighWaterPercent: 85.0,
		LowWaterPercent:  70.0,
		PerJobBytes:      1 << 30,
		MaxWorkers:       2,
	}, sampler, nil)

	pool := modelpool.NewManager(modelpool.Config{
		LoadTimeout:   time.Second,
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour,
	}, stubLoader{}, nil, nil, nil)

	tracker := progress.NewTracker(64)

	procConfig := processor.DefaultConfig()
	procConfig.PersistRetry = retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0}
	proc := processor.New(procConfig, pool, tracker, scriptedTranscriber{}, memStorage{}, nil, nil)

	config := Config{
		MaxWorkers: 2,
		RetryPolicy: models.RetryPolicy{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		JobBytes:         1 << 30,
		PollInterval:     2 * time.Millisecond,
		RequeueDelay:     5 * time.Millisecond,
		RetuneInterval:   time.Hour,
		WatchdogInterval: time.Hour,
		JobTimeout:       time.Hour,
		StopTimeout:      200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	sched := New(config, gov, proc, tracker, nil, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	return &harness{sched: sched, tracker: tracker}
}

func (h *harness) waitTerminal(t *testing.T, sessionID string, timeout time.Duration) *models.BatchSession {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		session, err := h.sched.Status(sessionID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if session.IsTerminal() {
			return session
		}
		time.Sleep(5 * time.Millisecond)
	}
	session, _ := h.sched.Status(sessionID)
	t.Fatalf("Session %s did not reach a terminal state (status %s)", sessionID, session.Status)
	return nil
}

func specs(sources ...string) []models.JobSpec {
	out := make([]models.JobSpec, len(sources))
	for i, src := range sources {
		out[i] = models.JobSpec{SourceRef: src}
	}
	return out
}

func TestSubmitRejectsEmptySession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.sched.Submit("empty", nil); !errors.Is(err, ErrNoJobs) {
		t.Errorf("Expected ErrNoJobs, got %v", err)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.sched.Status("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestAllJobsSucceed(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.sched.Submit("meeting notes", specs("a.wav", "b.wav", "c.wav"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	session := h.waitTerminal(t, id, 5*time.Second)
	if session.Status != models.SessionStatusCompleted {
		t.Errorf("Expected completed, got %s", session.Status)
	}
	for _, job := range session.Jobs {
		if job.Status != models.JobStatusCompleted {
			t.Errorf("Job %s: expected completed, got %s", job.ID, job.Status)
		}
		if job.ResultRef == "" {
			t.Errorf("Job %s missing result ref", job.ID)
		}
	}
}

func TestStatusChangesAreValidated(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(&buf)

	sched := New(DefaultConfig(), nil, nil, progress.NewTracker(4), nil, logger)

	// An illegal job transition is applied but reported as corruption.
	job := &models.BatchJob{ID: "j1", Status: models.JobStatusCompleted}
	sched.mu.Lock()
	sched.setJobStatusLocked(job, models.JobStatusProcessing)
	sched.mu.Unlock()
	if job.Status != models.JobStatusProcessing {
		t.Errorf("Status change should still apply, got %s", job.Status)
	}
	if !strings.Contains(buf.String(), "job state corrupted") {
		t.Errorf("Illegal job transition should be reported, log: %q", buf.String())
	}

	buf.Reset()
	session := &models.BatchSession{ID: "s1", Status: models.SessionStatusProcessing}
	sched.mu.Lock()
	sched.setSessionStatusLocked(session, models.SessionStatusCompleted)
	sched.mu.Unlock()
	if session.Status != models.SessionStatusCompleted {
		t.Errorf("Expected completed, got %s", session.Status)
	}
	if buf.Len() != 0 {
		t.Errorf("Legal transition must not be reported: %q", buf.String())
	}
}

func TestSubmitInitializesProgressBeforeDispatch(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.sched.Submit("early birds", specs("a.wav", "b.wav", "c.wav"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// By the time Submit returns, every job must already have a tracker
	// record. A worker dequeuing immediately would otherwise publish
	// against nothing and have its updates dropped.
	snap := h.tracker.Snapshot(id)
	if len(snap.Jobs) != 3 {
		t.Fatalf("Expected 3 progress records right after Submit, got %d", len(snap.Jobs))
	}

	h.waitTerminal(t, id, 5*time.Second)
}

func TestMixedOutcomesAggregateToCompletedWithErrors(t *testing.T) {
	h := newHarness(t, nil)
	// "missing:" sources fail fast with a permanent error.
	id, _ := h.sched.Submit("mixed", specs("a.wav", "missing:b.wav"))

	session := h.waitTerminal(t, id, 5*time.Second)
	if session.Status != models.SessionStatusCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", session.Status)
	}

	failed := session.Jobs[1]
	if failed.Status != models.JobStatusFailed {
		t.Fatalf("Expected second job failed, got %s", failed.Status)
	}
	if failed.ErrorKind != "source_not_found" {
		t.Errorf("Expected source_not_found kind, got %s", failed.ErrorKind)
	}
	if failed.RetryCount != 0 {
		t.Errorf("Permanent failures must not be retried, got %d retries", failed.RetryCount)
	}
}

func TestAllJobsFail(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.sched.Submit("doomed", specs("missing:a.wav", "missing:b.wav"))

	session := h.waitTerminal(t, id, 5*time.Second)
	if session.Status != models.SessionStatusFailed {
		t.Errorf("Expected failed, got %s", session.Status)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.sched.Submit("flaky", specs("fail:a.wav"))

	session := h.waitTerminal(t, id, 5*time.Second)
	job := session.Jobs[0]
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Expected failed after exhausting retries, got %s", job.Status)
	}
	// max_retries=2: first attempt plus two retries.
	if job.RetryCount != 2 {
		t.Errorf("Expected RetryCount 2, got %d", job.RetryCount)
	}
	if job.ErrorKind != "transcription" {
		t.Errorf("Expected transcription kind, got %s", job.ErrorKind)
	}
}

func TestWorkerPanicBecomesCrashError(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RetryPolicy.MaxRetries = 0
	})
	id, _ := h.sched.Submit("crashy", specs("panic:a.wav", "b.wav"))

	session := h.waitTerminal(t, id, 5*time.Second)
	if session.Status != models.SessionStatusCompletedWithErrors {
		t.Fatalf("Expected completed_with_errors, got %s", session.Status)
	}
	if session.Jobs[0].ErrorKind != "worker_crash" {
		t.Errorf("Expected worker_crash kind, got %s", session.Jobs[0].ErrorKind)
	}
	// The panic must not take the scheduler down with it.
	if session.Jobs[1].Status != models.JobStatusCompleted {
		t.Errorf("Other jobs should still complete, got %s", session.Jobs[1].Status)
	}
}

func TestCancelSkipsQueuedJobs(t *testing.T) {
	// Single worker and hanging jobs so the rest of the session is still
	// queued when cancel arrives.
	h := newHarness(t, func(c *Config) {
		c.MaxWorkers = 1
	}, stubSampler{percent: 40.0, available: 1 << 30}) // one job's worth -> 1 worker
	id, _ := h.sched.Submit("to-cancel", specs("hang:a.wav", "b.wav", "c.wav"))

	// Give the single worker time to pick up the first job.
	time.Sleep(50 * time.Millisecond)

	if !h.sched.Cancel(id) {
		t.Fatal("Cancel should succeed for a running session")
	}
	if h.sched.Cancel(id) {
		t.Error("Cancelling twice should report false")
	}

	session := h.waitTerminal(t, id, 5*time.Second)
	if session.Status != models.SessionStatusCancelled {
		t.Fatalf("Expected cancelled, got %s", session.Status)
	}

	// Jobs that never started stay queued, untouched.
	queued := 0
	for _, job := range session.Jobs[1:] {
		if job.Status == models.JobStatusQueued {
			queued++
		}
	}
	if queued != 2 {
		t.Errorf("Expected 2 jobs left queued, got %d", queued)
	}
}

func TestDeniedAdmissionKeepsJobsQueued(t *testing.T) {
	// Memory above high water: the governor denies every admission.
	h := newHarness(t, nil, stubSampler{percent: 95.0, available: 1 << 20})
	id, _ := h.sched.Submit("starved", specs("a.wav"))

	time.Sleep(100 * time.Millisecond)

	session, err := h.sched.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if session.Jobs[0].Status != models.JobStatusQueued {
		t.Errorf("Denied job must stay queued, got %s", session.Jobs[0].Status)
	}
	if session.Status != models.SessionStatusProcessing {
		t.Errorf("Session should remain processing, got %s", session.Status)
	}
}

func TestWatchdogTimesOutStuckJob(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RetryPolicy.MaxRetries = 0
		c.JobTimeout = 50 * time.Millisecond
		c.WatchdogInterval = 10 * time.Millisecond
	})
	id, _ := h.sched.Submit("stuck", specs("hang:a.wav"))

	session := h.waitTerminal(t, id, 5*time.Second)
	job := session.Jobs[0]
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Expected failed, got %s", job.Status)
	}
	if job.ErrorKind != "timeout" {
		t.Errorf("Expected timeout kind, got %s", job.ErrorKind)
	}
}

func TestPurge(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.sched.Submit("short-lived", specs("a.wav"))
	h.waitTerminal(t, id, 5*time.Second)

	if !h.sched.Purge(id) {
		t.Fatal("Purge should succeed for a terminal session")
	}
	if _, err := h.sched.Status(id); !errors.Is(err, ErrSessionNotFound) {
		t.Error("Purged session should be gone")
	}
	if h.sched.Purge(id) {
		t.Error("Purging twice should report false")
	}
}

func TestPurgeRefusesActiveSession(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxWorkers = 1
	})
	id, _ := h.sched.Submit("busy", specs("hang:a.wav"))
	time.Sleep(20 * time.Millisecond)

	if h.sched.Purge(id) {
		t.Error("Purge must refuse a session that is not terminal")
	}
	h.sched.Cancel(id)
	h.waitTerminal(t, id, 5*time.Second)
}

func TestSessionsOrderedBySubmission(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.sched.Submit("first", specs("a.wav"))
	time.Sleep(2 * time.Millisecond)
	second, _ := h.sched.Submit("second", specs("b.wav"))

	sessions := h.sched.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != first || sessions[1].ID != second {
		t.Error("Sessions should be ordered oldest first")
	}
}

func TestStatusReturnsCopy(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.sched.Submit("copy-check", specs("a.wav"))

	session, _ := h.sched.Status(id)
	session.Jobs[0].Status = models.JobStatusFailed
	session.Status = models.SessionStatusFailed

	again, _ := h.sched.Status(id)
	if again.Status == models.SessionStatusFailed && again.Jobs[0].Status == models.JobStatusFailed {
		// The scheduler could have legitimately failed the job, but a
		// copy-check source always succeeds; mutation leaked.
		t.Error("Status must return a deep copy, not shared state")
	}
}
