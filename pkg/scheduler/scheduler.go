package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbatch/voxbatch/pkg/governor"
	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/metrics"
	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/processor"
	"github.com/voxbatch/voxbatch/pkg/progress"
)

// ErrSessionNotFound is returned for status/cancel of unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoJobs is returned when a session is submitted without jobs.
var ErrNoJobs = errors.New("session has no jobs")

// Config holds scheduler configuration
type Config struct {
	MaxWorkers       int                // hard ceiling for the worker pool
	RetryPolicy      models.RetryPolicy // retry behavior for failed attempts
	JobBytes         uint64             // estimated memory cost used for admission
	PollInterval     time.Duration      // idle worker sleep between queue checks
	RequeueDelay     time.Duration      // delay before re-offering a non-admitted job
	RetuneInterval   time.Duration      // how often the pool size is re-tuned
	WatchdogInterval time.Duration      // how often stuck jobs are checked
	JobTimeout       time.Duration      // max time without progress before a job is forced failed
	StopTimeout      time.Duration      // graceful shutdown budget
}

// DefaultConfig returns sensible scheduler defaults
func DefaultConfig() Config {
	return Config{
		MaxWorkers:       4,
		RetryPolicy:      models.DefaultRetryPolicy(),
		JobBytes:         1 << 30,
		PollInterval:     100 * time.Millisecond,
		RequeueDelay:     2 * time.Second,
		RetuneInterval:   10 * time.Second,
		WatchdogInterval: 15 * time.Second,
		JobTimeout:       30 * time.Minute,
		StopTimeout:      10 * time.Second,
	}
}

// inflightJob tracks one running attempt so the watchdog can cancel it.
type inflightJob struct {
	cancel   context.CancelFunc
	timedOut bool
}

// Scheduler owns the batch sessions, the shared FIFO work queue, and an
// adaptive pool of workers bounded by the resource governor. It is
// constructed explicitly and passed by reference; there is no package
// level instance.
type Scheduler struct {
	config    Config
	governor  *governor.Governor
	processor *processor.Processor
	tracker   *progress.Tracker
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[string]*models.BatchSession
	queue    []*models.BatchJob // FIFO: (session submission, job index) order
	inflight map[string]*inflightJob

	started      bool
	targetWorker int
	aliveWorkers int

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a batch scheduler
func New(config Config, gov *governor.Governor, proc *processor.Processor,
	tracker *progress.Tracker, m *metrics.Metrics, logger *logging.Logger) *Scheduler {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RequeueDelay <= 0 {
		config.RequeueDelay = DefaultConfig().RequeueDelay
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultConfig().JobTimeout
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:    config,
		governor:  gov,
		processor: proc,
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
		sessions:  make(map[string]*models.BatchSession),
		inflight:  make(map[string]*inflightJob),
		baseCtx:   ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool and the retune/watchdog loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.targetWorker = s.initialWorkerTarget()
	for i := 0; i < s.targetWorker; i++ {
		s.spawnWorkerLocked()
	}
	// Sessions submitted before Start stayed pending; release them now.
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusPending {
			s.setSessionStatusLocked(sess, models.SessionStatusProcessing)
			if sess.StartedAt == nil {
				t := now
				sess.StartedAt = &t
			}
		}
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.retuneLoop()
	go s.watchdogLoop()

	s.logger.Info("scheduler started", map[string]interface{}{
		"workers": s.targetWorker, "max_workers": s.config.MaxWorkers,
	})
}

// Stop drains the pool. In-flight jobs get the stop timeout to finish,
// then their contexts are cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.targetWorker = 0
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("stop timeout, cancelling in-flight jobs")
		s.cancel()
		<-done
	}
}

// Submit registers a new batch session and enqueues all of its jobs in
// submission order. Session status becomes processing immediately when
// the scheduler is running, otherwise it stays pending until Start.
func (s *Scheduler) Submit(name string, specs []models.JobSpec) (string, error) {
	if len(specs) == 0 {
		return "", ErrNoJobs
	}

	now := time.Now()
	session := &models.BatchSession{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    models.SessionStatusPending,
		CreatedAt: now,
	}
	for i, spec := range specs {
		job := &models.BatchJob{
			ID:        fmt.Sprintf("%s-%d", session.ID[:8], i),
			SessionID: session.ID,
			SourceRef: spec.SourceRef,
			Profile:   spec.Profile,
			Analyze:   spec.Analyze,
			Status:    models.JobStatusQueued,
			CreatedAt: now,
		}
		session.Jobs = append(session.Jobs, job)
	}

	// Progress records must exist before a worker can dequeue the jobs,
	// or early updates would hit an uninitialized tracker.
	for _, job := range session.Jobs {
		s.tracker.Start(session.ID, job.ID)
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	if s.started {
		s.setSessionStatusLocked(session, models.SessionStatusProcessing)
		t := now
		session.StartedAt = &t
	}
	s.queue = append(s.queue, session.Jobs...)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SessionSubmitted()
	s.metrics.SetQueueDepth(depth)
	s.logger.Info("session submitted", map[string]interface{}{
		"session_id": session.ID, "name": name, "jobs": len(specs),
	})
	return session.ID, nil
}

// Cancel marks a session cancelled. In-flight jobs run to completion;
// jobs still queued are skipped and never leave the queued state.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.IsTerminal() {
		return false
	}

	s.setSessionStatusLocked(session, models.SessionStatusCancelled)
	s.finalizeCancelledLocked(session)

	s.logger.Info("session cancelled", map[string]interface{}{"session_id": sessionID})
	return true
}

// Status returns a read-only deep copy of the session with current
// progress folded into each job.
func (s *Scheduler) Status(sessionID string) (*models.BatchSession, error) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	clone := session.Clone()
	s.mu.Unlock()

	s.applyProgress(clone)
	return clone, nil
}

// Sessions returns read-only copies of every known session, oldest first.
func (s *Scheduler) Sessions() []*models.BatchSession {
	s.mu.Lock()
	out := make([]*models.BatchSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	for _, session := range out {
		s.applyProgress(session)
	}
	return out
}

// applyProgress copies tracker percentages and stages onto a cloned
// session. The tracker is the source of truth for progress; job structs
// only carry lifecycle state.
func (s *Scheduler) applyProgress(session *models.BatchSession) {
	snap := s.tracker.Snapshot(session.ID)
	byJob := make(map[string]progress.JobProgress, len(snap.Jobs))
	for _, jp := range snap.Jobs {
		byJob[jp.JobID] = jp
	}
	for _, job := range session.Jobs {
		jp, ok := byJob[job.ID]
		if !ok {
			continue
		}
		job.Progress = jp.Percentage
		job.Stage = jp.Stage
	}
}

// Purge removes a terminal session and its progress records.
func (s *Scheduler) Purge(sessionID string) bool {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok || !session.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.tracker.Purge(sessionID)
	return true
}

// worker is one pool goroutine. It exits when the pool target shrinks
// below the number of alive workers or the scheduler stops.
func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.workerExit()
			return
		default:
		}
		if s.shouldShrink() {
			return
		}

		job := s.dequeue()
		if job == nil {
			time.Sleep(s.config.PollInterval)
			continue
		}

		// Admission does not block: a denied job goes back to the
		// queue after a short delay instead of busy-spinning.
		if !s.governor.Admit(s.config.JobBytes) {
			s.requeueAfter(job, s.config.RequeueDelay)
			time.Sleep(s.config.PollInterval)
			continue
		}

		s.runJob(job)
	}
}

// dequeue pops the next eligible job, skipping jobs that belong to
// cancelled or missing sessions. Skipped jobs keep status queued.
func (s *Scheduler) dequeue() *models.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		job := s.queue[0]
		s.queue = s.queue[1:]

		session, ok := s.sessions[job.SessionID]
		if !ok {
			continue
		}
		if session.Status == models.SessionStatusCancelled {
			s.finalizeCancelledLocked(session)
			continue
		}
		if session.Status == models.SessionStatusPending {
			s.setSessionStatusLocked(session, models.SessionStatusProcessing)
			now := time.Now()
			session.StartedAt = &now
		}
		s.metrics.SetQueueDepth(len(s.queue))
		return job
	}
	return nil
}

// requeueAfter puts a job back on the queue after a delay. The job
// keeps its queued status for the whole wait.
func (s *Scheduler) requeueAfter(job *models.BatchJob, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if session, ok := s.sessions[job.SessionID]; ok && session.Status != models.SessionStatusCancelled {
			s.queue = append(s.queue, job)
			s.metrics.SetQueueDepth(len(s.queue))
		}
	})
}

// runJob executes one attempt and routes the outcome through the
// completion or retry path.
func (s *Scheduler) runJob(job *models.BatchJob) {
	key := job.SessionID + "/" + job.ID

	s.mu.Lock()
	session, ok := s.sessions[job.SessionID]
	if !ok || session.Status == models.SessionStatusCancelled {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.setJobStatusLocked(job, models.JobStatusProcessing)
	if job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	inf := &inflightJob{cancel: cancel}
	s.inflight[key] = inf
	s.mu.Unlock()

	started := time.Now()
	resultRef, err := s.executeAttempt(ctx, job)
	cancel()
	s.metrics.ObserveJobDuration(time.Since(started).Seconds())

	s.mu.Lock()
	timedOut := inf.timedOut
	delete(s.inflight, key)
	s.mu.Unlock()

	if err == nil {
		s.completeJob(job, resultRef)
		return
	}
	if timedOut {
		err = models.NewTimeoutError(fmt.Sprintf("no progress for %v", s.config.JobTimeout))
	}
	s.failAttempt(job, err)
}

// executeAttempt runs the processor with panic isolation. A panicking
// worker marks the job failed with a worker crash error and the
// scheduler keeps serving other jobs.
func (s *Scheduler) executeAttempt(ctx context.Context, job *models.BatchJob) (resultRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panic recovered", map[string]interface{}{
				"job_id": job.ID, "panic": fmt.Sprint(r),
			})
			err = models.NewWorkerCrashError(fmt.Sprint(r))
		}
	}()
	return s.processor.Run(ctx, job)
}

// completeJob marks a job completed and recomputes the session aggregate.
func (s *Scheduler) completeJob(job *models.BatchJob, resultRef string) {
	s.mu.Lock()
	now := time.Now()
	s.setJobStatusLocked(job, models.JobStatusCompleted)
	job.ResultRef = resultRef
	job.CompletedAt = &now
	job.Error = ""
	job.ErrorKind = ""
	session := s.sessions[job.SessionID]
	if session != nil {
		s.recomputeAggregateLocked(session)
	}
	s.mu.Unlock()

	s.logger.Info("job completed", map[string]interface{}{
		"job_id": job.ID, "session_id": job.SessionID, "result_ref": resultRef,
	})
}

// failAttempt increments the retry count and either re-enqueues the job
// with exponential backoff or fails it terminally.
func (s *Scheduler) failAttempt(job *models.BatchJob, attemptErr error) {
	s.mu.Lock()
	session := s.sessions[job.SessionID]

	if session != nil && session.Status != models.SessionStatusCancelled &&
		s.config.RetryPolicy.ShouldRetry(job, attemptErr) {
		job.RetryCount++
		s.setJobStatusLocked(job, models.JobStatusQueued)
		backoff := s.config.RetryPolicy.CalculateBackoff(job.RetryCount - 1)
		s.mu.Unlock()

		s.metrics.JobRetried()
		s.tracker.Start(job.SessionID, job.ID)
		s.logger.Warn("job attempt failed, retrying", map[string]interface{}{
			"job_id": job.ID, "attempt": job.RetryCount, "backoff": backoff.String(),
			"error": attemptErr.Error(),
		})
		s.requeueAfter(job, backoff)
		return
	}

	now := time.Now()
	s.setJobStatusLocked(job, models.JobStatusFailed)
	job.Error = attemptErr.Error()
	job.ErrorKind = string(models.KindOf(attemptErr))
	job.CompletedAt = &now
	if session != nil {
		s.recomputeAggregateLocked(session)
	}
	s.mu.Unlock()

	s.tracker.Fail(job.SessionID, job.ID, attemptErr.Error())
	s.logger.Error("job failed", map[string]interface{}{
		"job_id": job.ID, "session_id": job.SessionID,
		"retries": job.RetryCount, "error": attemptErr.Error(),
	})
}

// recomputeAggregateLocked updates the session status after a job
// reached a terminal state. Caller holds s.mu, so readers never observe
// a half-updated aggregate.
func (s *Scheduler) recomputeAggregateLocked(session *models.BatchSession) {
	if session.Status == models.SessionStatusCancelled {
		s.finalizeCancelledLocked(session)
		return
	}

	for _, job := range session.Jobs {
		if !job.IsTerminal() {
			return
		}
	}

	s.setSessionStatusLocked(session, models.AggregateSessionStatus(session))
	now := time.Now()
	session.CompletedAt = &now

	s.logger.Info("session finished", map[string]interface{}{
		"session_id": session.ID, "status": string(session.Status),
	})
}

// finalizeCancelledLocked stamps the completion time of a cancelled
// session once no job of it is still running.
// setJobStatusLocked applies a job status change after checking it
// against the transition table. An illegal transition means the
// scheduler's own state is corrupted; it is logged loudly and the
// change still applied so the session can drain.
func (s *Scheduler) setJobStatusLocked(job *models.BatchJob, to models.JobStatus) {
	if err := models.ValidateJobTransition(job.Status, to); err != nil {
		s.logger.Error("job state corrupted", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}
	job.Status = to
}

func (s *Scheduler) setSessionStatusLocked(session *models.BatchSession, to models.SessionStatus) {
	if err := models.ValidateSessionTransition(session.Status, to); err != nil {
		s.logger.Error("session state corrupted", map[string]interface{}{
			"session_id": session.ID, "error": err.Error(),
		})
	}
	session.Status = to
}

func (s *Scheduler) finalizeCancelledLocked(session *models.BatchSession) {
	if session.CompletedAt != nil {
		return
	}
	for _, job := range session.Jobs {
		if job.Status == models.JobStatusProcessing {
			return
		}
	}
	now := time.Now()
	session.CompletedAt = &now
}

// retuneLoop periodically resizes the worker pool to the governor's
// recommendation and refreshes gauges.
func (s *Scheduler) retuneLoop() {
	defer s.wg.Done()

	interval := s.config.RetuneInterval
	if interval <= 0 {
		interval = DefaultConfig().RetuneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.retune()
		case <-s.stopCh:
			return
		}
	}
}

// retune adjusts the target worker count. Excess workers drain after
// their current job; missing workers are spawned immediately.
func (s *Scheduler) retune() {
	target := s.governor.RecommendedConcurrency()
	if target > s.config.MaxWorkers {
		target = s.config.MaxWorkers
	}
	if target < 1 {
		target = 1
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	prev := s.targetWorker
	s.targetWorker = target
	for s.aliveWorkers < target {
		s.spawnWorkerLocked()
	}
	depth := len(s.queue)
	s.mu.Unlock()

	if prev != target {
		s.logger.Info("worker pool retuned", map[string]interface{}{
			"from": prev, "to": target,
		})
	}

	s.metrics.SetWorkerCount(target)
	s.metrics.SetQueueDepth(depth)
	if snap, err := s.governor.Sample(); err == nil {
		s.metrics.SetMemoryPercent(snap.MemoryPercent)
	}
	s.publishJobGauges()
}

// watchdogLoop forces jobs with no recent progress out of processing so
// no job is ever stuck in that state indefinitely.
func (s *Scheduler) watchdogLoop() {
	defer s.wg.Done()

	interval := s.config.WatchdogInterval
	if interval <= 0 {
		interval = DefaultConfig().WatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkStuckJobs()
		case <-s.stopCh:
			return
		}
	}
}

// checkStuckJobs cancels in-flight attempts whose last progress update
// is older than the job timeout. The cancelled attempt surfaces through
// the normal failure path as a timeout.
func (s *Scheduler) checkStuckJobs() {
	cutoff := time.Now().Add(-s.config.JobTimeout)

	s.mu.Lock()
	stuck := []*inflightJob{}
	for key, inf := range s.inflight {
		if inf.timedOut {
			continue
		}
		sessionID, jobID := splitKey(key)
		last, ok := s.tracker.LastActivity(sessionID, jobID)
		if ok && last.After(cutoff) {
			continue
		}
		if !ok {
			continue
		}
		inf.timedOut = true
		stuck = append(stuck, inf)
		s.logger.Warn("job stuck, forcing timeout", map[string]interface{}{
			"job": key, "last_activity": last.Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	for _, inf := range stuck {
		inf.cancel()
	}
}

// publishJobGauges refreshes the jobs-by-status gauges.
func (s *Scheduler) publishJobGauges() {
	s.mu.Lock()
	counts := map[string]int{}
	for _, session := range s.sessions {
		for _, job := range session.Jobs {
			counts[string(job.Status)]++
		}
	}
	s.mu.Unlock()

	for _, status := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed,
	} {
		s.metrics.SetJobs(string(status), counts[string(status)])
	}
}

func (s *Scheduler) initialWorkerTarget() int {
	target := s.governor.RecommendedConcurrency()
	if target > s.config.MaxWorkers {
		target = s.config.MaxWorkers
	}
	if target < 1 {
		target = 1
	}
	return target
}

// spawnWorkerLocked starts one worker. Caller holds s.mu.
func (s *Scheduler) spawnWorkerLocked() {
	s.aliveWorkers++
	s.wg.Add(1)
	go s.worker()
}

// shouldShrink lets one surplus worker exit when the target shrank.
func (s *Scheduler) shouldShrink() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aliveWorkers > s.targetWorker {
		s.aliveWorkers--
		return true
	}
	return false
}

func (s *Scheduler) workerExit() {
	s.mu.Lock()
	s.aliveWorkers--
	s.mu.Unlock()
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
