package progress

import (
	"sync"
	"time"

	"github.com/voxbatch/voxbatch/pkg/models"
)

// EventType classifies progress events delivered to subscribers
type EventType string

const (
	EventTypeStarted   EventType = "started"
	EventTypeProgress  EventType = "progress"
	EventTypeCompleted EventType = "completed"
	EventTypeFailed    EventType = "failed"
)

// Event is one progress update for a job, sequenced per tracker
type Event struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id"`
	Type       EventType `json:"type"`
	Percentage int       `json:"percentage"`
	Stage      string    `json:"stage,omitempty"`
	ResultRef  string    `json:"result_ref,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// JobProgress is the per-job view inside a session snapshot
type JobProgress struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	Percentage int              `json:"percentage"`
	Stage      string           `json:"stage,omitempty"`
	ResultRef  string           `json:"result_ref,omitempty"`
	Error      string           `json:"error,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SessionSnapshot aggregates per-job progress for one session. It is
// computed freshly from current job records on every call.
type SessionSnapshot struct {
	SessionID      string         `json:"session_id"`
	Jobs           []JobProgress  `json:"jobs"`
	AveragePercent float64        `json:"average_percent"`
	CountsByStatus map[string]int `json:"counts_by_status"`
}

type record struct {
	jobID      string
	order      int
	status     models.JobStatus
	percentage int
	stage      string
	resultRef  string
	errMsg     string
	updatedAt  time.Time
}

type subscriber struct {
	sessionID string
	ch        chan Event

	// mu serializes sends against close so a cancel landing mid-publish
	// can never make a send hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// deliver sends best-effort: when the buffer is full the oldest buffered
// event is dropped to make room. Delivery to a cancelled subscriber is a
// no-op.
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.ch)
}

// Tracker maintains per-job progress state and fans out updates to
// registered sinks. Sink delivery is best-effort: a slow subscriber
// drops its oldest buffered event, and never blocks the worker.
type Tracker struct {
	mu       sync.RWMutex
	nextSeq  int64
	sessions map[string]map[string]*record
	order    map[string]int // insertion counter per session for stable snapshots
	subs     map[*subscriber]struct{}
	bufSize  int
}

// NewTracker creates a tracker with the given subscriber buffer size
func NewTracker(bufSize int) *Tracker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Tracker{
		sessions: make(map[string]map[string]*record),
		order:    make(map[string]int),
		subs:     make(map[*subscriber]struct{}),
		bufSize:  bufSize,
	}
}

// Start initializes (or resets) a progress record at 0%, stage "queued".
func (t *Tracker) Start(sessionID, jobID string) {
	t.mu.Lock()
	jobs, ok := t.sessions[sessionID]
	if !ok {
		jobs = make(map[string]*record)
		t.sessions[sessionID] = jobs
	}
	rec, ok := jobs[jobID]
	if !ok {
		rec = &record{jobID: jobID, order: t.order[sessionID]}
		t.order[sessionID]++
		jobs[jobID] = rec
	}
	rec.status = models.JobStatusQueued
	rec.percentage = 0
	rec.stage = "queued"
	rec.resultRef = ""
	rec.errMsg = ""
	rec.updatedAt = time.Now()
	ev := t.eventLocked(sessionID, rec, EventTypeStarted)
	t.mu.Unlock()

	t.publish(ev)
}

// Update records a progress update. Updates are monotonic: a percentage
// lower than the last recorded value is clamped up to it. Updates to a
// terminal job are no-ops.
func (t *Tracker) Update(sessionID, jobID string, percentage int, stage string) {
	t.mu.Lock()
	rec := t.lookupLocked(sessionID, jobID)
	if rec == nil || isTerminal(rec.status) {
		t.mu.Unlock()
		return
	}
	if percentage > 100 {
		percentage = 100
	}
	if percentage < rec.percentage {
		percentage = rec.percentage
	}
	rec.status = models.JobStatusProcessing
	rec.percentage = percentage
	rec.stage = stage
	rec.updatedAt = time.Now()
	ev := t.eventLocked(sessionID, rec, EventTypeProgress)
	t.mu.Unlock()

	t.publish(ev)
}

// Complete transitions the job to completed at 100%. Further updates
// for the job are ignored.
func (t *Tracker) Complete(sessionID, jobID, resultRef string) {
	t.mu.Lock()
	rec := t.lookupLocked(sessionID, jobID)
	if rec == nil || isTerminal(rec.status) {
		t.mu.Unlock()
		return
	}
	rec.status = models.JobStatusCompleted
	rec.percentage = 100
	rec.stage = "done"
	rec.resultRef = resultRef
	rec.updatedAt = time.Now()
	ev := t.eventLocked(sessionID, rec, EventTypeCompleted)
	t.mu.Unlock()

	t.publish(ev)
}

// Fail transitions the job to failed. Further updates are ignored.
func (t *Tracker) Fail(sessionID, jobID string, errMsg string) {
	t.mu.Lock()
	rec := t.lookupLocked(sessionID, jobID)
	if rec == nil || isTerminal(rec.status) {
		t.mu.Unlock()
		return
	}
	rec.status = models.JobStatusFailed
	rec.stage = "failed"
	rec.errMsg = errMsg
	rec.updatedAt = time.Now()
	ev := t.eventLocked(sessionID, rec, EventTypeFailed)
	t.mu.Unlock()

	t.publish(ev)
}

// LastActivity returns the time of the job's last recorded update.
func (t *Tracker) LastActivity(sessionID, jobID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec := t.lookupLocked(sessionID, jobID)
	if rec == nil {
		return time.Time{}, false
	}
	return rec.updatedAt, true
}

// Snapshot returns per-job progress plus session aggregates, computed
// freshly from current records.
func (t *Tracker) Snapshot(sessionID string) SessionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := SessionSnapshot{
		SessionID:      sessionID,
		CountsByStatus: make(map[string]int),
	}

	jobs, ok := t.sessions[sessionID]
	if !ok {
		return snap
	}

	ordered := make([]*record, len(jobs))
	for _, rec := range jobs {
		ordered[rec.order] = rec
	}

	total := 0
	for _, rec := range ordered {
		if rec == nil {
			continue
		}
		snap.Jobs = append(snap.Jobs, JobProgress{
			JobID:      rec.jobID,
			Status:     rec.status,
			Percentage: rec.percentage,
			Stage:      rec.stage,
			ResultRef:  rec.resultRef,
			Error:      rec.errMsg,
			UpdatedAt:  rec.updatedAt,
		})
		total += rec.percentage
		snap.CountsByStatus[string(rec.status)]++
	}
	if len(snap.Jobs) > 0 {
		snap.AveragePercent = float64(total) / float64(len(snap.Jobs))
	}
	return snap
}

// Purge removes all records for a session once it has been archived.
func (t *Tracker) Purge(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
	delete(t.order, sessionID)
}

// Subscribe registers a sink for one session's events. The returned
// cancel function unregisters the sink and closes the channel.
func (t *Tracker) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, t.bufSize),
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, cancel
}

// publish fans an event out to matching subscribers.
func (t *Tracker) publish(ev Event) {
	t.mu.RLock()
	targets := make([]*subscriber, 0, len(t.subs))
	for sub := range t.subs {
		if sub.sessionID == "" || sub.sessionID == ev.SessionID {
			targets = append(targets, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

func (t *Tracker) lookupLocked(sessionID, jobID string) *record {
	jobs, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	return jobs[jobID]
}

func (t *Tracker) eventLocked(sessionID string, rec *record, typ EventType) Event {
	t.nextSeq++
	return Event{
		Seq:        t.nextSeq,
		Timestamp:  rec.updatedAt,
		SessionID:  sessionID,
		JobID:      rec.jobID,
		Type:       typ,
		Percentage: rec.percentage,
		Stage:      rec.stage,
		ResultRef:  rec.resultRef,
		Error:      rec.errMsg,
	}
}

func isTerminal(s models.JobStatus) bool {
	return s == models.JobStatusCompleted || s == models.JobStatusFailed
}
