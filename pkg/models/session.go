package models

import (
	"time"
)

// SessionStatus represents the status of a batch session
type SessionStatus string

const (
	SessionStatusPending             SessionStatus = "pending"
	SessionStatusProcessing          SessionStatus = "processing"
	SessionStatusCompleted           SessionStatus = "completed"
	SessionStatusCompletedWithErrors SessionStatus = "completed_with_errors"
	SessionStatusFailed              SessionStatus = "failed"
	SessionStatusCancelled           SessionStatus = "cancelled"
)

// JobStatus represents the status of a single transcription job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ModelProfile identifies a transcription model configuration.
// Jobs with the same profile can share a loaded model instance.
type ModelProfile struct {
	Size     string `json:"size"`     // e.g., "base", "small", "large-v3"
	Language string `json:"language"` // e.g., "en", "auto"
	Device   string `json:"device"`   // e.g., "cpu", "cuda"
}

// String returns a stable key for the profile, usable as a map key label.
func (p ModelProfile) String() string {
	size := p.Size
	if size == "" {
		size = "base"
	}
	lang := p.Language
	if lang == "" {
		lang = "auto"
	}
	device := p.Device
	if device == "" {
		device = "cpu"
	}
	return size + "/" + lang + "/" + device
}

// BatchJob represents one unit of work: transcribing a single media source
type BatchJob struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	SourceRef   string       `json:"source_ref"`
	Profile     ModelProfile `json:"profile"`
	Analyze     bool         `json:"analyze"`
	Status      JobStatus    `json:"status"`
	Progress    int          `json:"progress"` // 0-100%
	Stage       string       `json:"stage,omitempty"`
	ResultRef   string       `json:"result_ref,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	RetryCount  int          `json:"retry_count"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (j *BatchJob) Clone() *BatchJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// IsTerminal reports whether the job reached a terminal state.
func (j *BatchJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// BatchSession is a named group of jobs submitted together
type BatchSession struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Jobs        []*BatchJob   `json:"jobs"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the session, including all jobs.
func (s *BatchSession) Clone() *BatchSession {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	c.Jobs = make([]*BatchJob, len(s.Jobs))
	for i, j := range s.Jobs {
		c.Jobs[i] = j.Clone()
	}
	return &c
}

// IsTerminal reports whether the session reached a terminal state.
func (s *BatchSession) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusCompletedWithErrors,
		SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// JobSpec describes one job in a session creation request
type JobSpec struct {
	SourceRef string       `json:"source_ref"`
	Profile   ModelProfile `json:"profile"`
	Analyze   bool         `json:"analyze"`
}
