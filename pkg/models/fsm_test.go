package models

import (
	"testing"
)

func TestValidateJobTransition(t *testing.T) {
	valid := []struct {
		from, to JobStatus
	}{
		{JobStatusQueued, JobStatusProcessing},
		{JobStatusProcessing, JobStatusCompleted},
		{JobStatusProcessing, JobStatusFailed},
		{JobStatusProcessing, JobStatusQueued}, // retry requeue
		{JobStatusFailed, JobStatusQueued},    // manual retry
	}
	for _, tc := range valid {
		if err := ValidateJobTransition(tc.from, tc.to); err != nil {
			t.Errorf("Transition %s -> %s should be valid: %v", tc.from, tc.to, err)
		}
	}

	invalid := []struct {
		from, to JobStatus
	}{
		{JobStatusQueued, JobStatusCompleted},
		{JobStatusCompleted, JobStatusProcessing},
		{JobStatusCompleted, JobStatusQueued},
		{JobStatusFailed, JobStatusProcessing},
	}
	for _, tc := range invalid {
		if err := ValidateJobTransition(tc.from, tc.to); err == nil {
			t.Errorf("Transition %s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestValidateSessionTransition(t *testing.T) {
	if err := ValidateSessionTransition(SessionStatusPending, SessionStatusProcessing); err != nil {
		t.Errorf("pending -> processing should be valid: %v", err)
	}
	if err := ValidateSessionTransition(SessionStatusCompleted, SessionStatusProcessing); err == nil {
		t.Error("completed -> processing should be rejected")
	}
	if err := ValidateSessionTransition(SessionStatusCancelled, SessionStatusCompleted); err == nil {
		t.Error("cancelled is terminal, no transitions out")
	}
}

func sessionWithJobs(statuses ...JobStatus) *BatchSession {
	s := &BatchSession{ID: "s1", Status: SessionStatusProcessing}
	for i, st := range statuses {
		s.Jobs = append(s.Jobs, &BatchJob{
			ID:        "j" + string(rune('0'+i)),
			SessionID: s.ID,
			Status:    st,
		})
	}
	return s
}

func TestAggregateSessionStatus(t *testing.T) {
	tests := []struct {
		name     string
		session  *BatchSession
		expected SessionStatus
	}{
		{
			name:     "all completed",
			session:  sessionWithJobs(JobStatusCompleted, JobStatusCompleted),
			expected: SessionStatusCompleted,
		},
		{
			name:     "all failed",
			session:  sessionWithJobs(JobStatusFailed, JobStatusFailed),
			expected: SessionStatusFailed,
		},
		{
			name:     "mixed outcomes",
			session:  sessionWithJobs(JobStatusCompleted, JobStatusFailed),
			expected: SessionStatusCompletedWithErrors,
		},
		{
			name:     "single completed",
			session:  sessionWithJobs(JobStatusCompleted),
			expected: SessionStatusCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := AggregateSessionStatus(tc.session)
			if got != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestAggregateSessionStatusCancelledSticks(t *testing.T) {
	s := sessionWithJobs(JobStatusCompleted, JobStatusCompleted)
	s.Status = SessionStatusCancelled
	if got := AggregateSessionStatus(s); got != SessionStatusCancelled {
		t.Errorf("Cancelled session must stay cancelled, got %s", got)
	}
}

func TestBatchSessionClone(t *testing.T) {
	s := sessionWithJobs(JobStatusQueued, JobStatusProcessing)
	c := s.Clone()

	c.Jobs[0].Status = JobStatusCompleted
	if s.Jobs[0].Status != JobStatusQueued {
		t.Error("Mutating the clone must not affect the original")
	}

	c.Status = SessionStatusFailed
	if s.Status != SessionStatusProcessing {
		t.Error("Clone must not share session fields with the original")
	}
}

func TestModelProfileString(t *testing.T) {
	p := ModelProfile{Size: "small", Language: "en", Device: "cuda"}
	if got := p.String(); got != "small/en/cuda" {
		t.Errorf("Expected small/en/cuda, got %s", got)
	}

	// Empty fields fall back to defaults so equivalent profiles share a key.
	empty := ModelProfile{}
	if got := empty.String(); got != "base/auto/cpu" {
		t.Errorf("Expected base/auto/cpu for zero profile, got %s", got)
	}
	explicit := ModelProfile{Size: "base", Language: "auto", Device: "cpu"}
	if empty.String() != explicit.String() {
		t.Error("Zero profile and explicit defaults should produce the same key")
	}
}
