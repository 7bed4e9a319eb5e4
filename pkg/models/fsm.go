package models

import (
	"fmt"
)

// validJobTransitions maps from-status to allowed to-statuses.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // worker picked up the job
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // finished successfully
		JobStatusFailed:    true, // attempt failed terminally
		JobStatusQueued:    true, // retry with backoff
	},
	JobStatusFailed: {
		JobStatusQueued: true, // manual resubmission of a failed job
	},
	JobStatusCompleted: {},
}

// validSessionTransitions maps session from-status to allowed to-statuses.
var validSessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionStatusPending: {
		SessionStatusProcessing: true,
		SessionStatusCancelled:  true,
	},
	SessionStatusProcessing: {
		SessionStatusCompleted:           true,
		SessionStatusCompletedWithErrors: true,
		SessionStatusFailed:              true,
		SessionStatusCancelled:           true,
	},
	SessionStatusCompleted:           {},
	SessionStatusCompletedWithErrors: {},
	SessionStatusFailed:              {},
	SessionStatusCancelled:           {},
}

// ValidateJobTransition checks whether a job status change is legal.
func ValidateJobTransition(from, to JobStatus) error {
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition from %s to %s", from, to)
	}
	return nil
}

// ValidateSessionTransition checks whether a session status change is legal.
func ValidateSessionTransition(from, to SessionStatus) error {
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown session status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition from %s to %s", from, to)
	}
	return nil
}

// AggregateSessionStatus derives the terminal session status from its
// jobs. It must only be called once every non-skipped job is terminal.
// Cancelled sessions keep their status regardless of job outcomes.
func AggregateSessionStatus(s *BatchSession) SessionStatus {
	if s.Status == SessionStatusCancelled {
		return SessionStatusCancelled
	}

	completed := 0
	failed := 0
	for _, j := range s.Jobs {
		switch j.Status {
		case JobStatusCompleted:
			completed++
		case JobStatusFailed:
			failed++
		}
	}

	switch {
	case failed == 0:
		return SessionStatusCompleted
	case completed == 0:
		return SessionStatusFailed
	default:
		return SessionStatusCompletedWithErrors
	}
}
