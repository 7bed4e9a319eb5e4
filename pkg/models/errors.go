package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job failures for retry decisions and reporting
type ErrorKind string

const (
	ErrKindInvalidSource     ErrorKind = "invalid_source"
	ErrKindSourceNotFound    ErrorKind = "source_not_found"
	ErrKindModelLoad         ErrorKind = "model_load"
	ErrKindTranscription     ErrorKind = "transcription"
	ErrKindWorkerCrash       ErrorKind = "worker_crash"
	ErrKindResourceExhausted ErrorKind = "resource_exhausted"
	ErrKindPersistence       ErrorKind = "persistence"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindUnknown           ErrorKind = "unknown"
)

// JobError is a classified job failure. Kind drives retry behavior;
// Err carries the underlying cause for logs.
type JobError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewInvalidSourceError marks a job source as unresolvable. Never retried.
func NewInvalidSourceError(sourceRef string, err error) *JobError {
	return &JobError{Kind: ErrKindInvalidSource, Msg: "source is not resolvable: " + sourceRef, Err: err}
}

// NewSourceNotFoundError reports a missing input media file. Never retried.
func NewSourceNotFoundError(sourceRef string) *JobError {
	return &JobError{Kind: ErrKindSourceNotFound, Msg: "source not found: " + sourceRef}
}

// NewModelLoadError reports a failed or timed-out model load.
func NewModelLoadError(profile string, err error) *JobError {
	return &JobError{Kind: ErrKindModelLoad, Msg: "failed to load model " + profile, Err: err}
}

// NewTranscriptionError reports a failure from the transcriber collaborator.
func NewTranscriptionError(msg string, err error) *JobError {
	return &JobError{Kind: ErrKindTranscription, Msg: msg, Err: err}
}

// NewWorkerCrashError reports a worker panic detected by the scheduler.
func NewWorkerCrashError(detail string) *JobError {
	return &JobError{Kind: ErrKindWorkerCrash, Msg: "worker crashed: " + detail}
}

// NewResourceExhaustedError reports denied admission. Causes a requeue,
// never a job failure.
func NewResourceExhaustedError(msg string) *JobError {
	return &JobError{Kind: ErrKindResourceExhausted, Msg: msg}
}

// NewPersistenceError reports a storage failure after transcription.
func NewPersistenceError(msg string, err error) *JobError {
	return &JobError{Kind: ErrKindPersistence, Msg: msg, Err: err}
}

// NewTimeoutError reports a job forced to failed by the watchdog.
func NewTimeoutError(msg string) *JobError {
	return &JobError{Kind: ErrKindTimeout, Msg: msg}
}

// KindOf extracts the error kind, defaulting to unknown.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ErrKindUnknown
}

// IsRetryable reports whether a failed attempt with this error may be
// retried. Invalid/missing sources fail immediately; resource
// exhaustion is handled by requeueing and never counts as a failure.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindModelLoad, ErrKindTranscription, ErrKindWorkerCrash,
		ErrKindPersistence, ErrKindTimeout, ErrKindUnknown:
		return true
	default:
		return false
	}
}
