package chunkupload

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when the upload was cancelled by the caller.
	ErrCancelled = errors.New("upload cancelled")

	// ErrRetriesExhausted is returned when a chunk failed more often than the retry policy allows.
	ErrRetriesExhausted = errors.New("chunk retries exhausted")

	// ErrSessionNotResumable is returned when the remote collaborator reported an existing
	// session which can no longer be continued.
	ErrSessionNotResumable = errors.New("session can not be resumed")

	// ErrIncomplete is returned when a session would be committed with missing chunks.
	ErrIncomplete = errors.New("not all chunks are acknowledged")

	// ErrDestinationInUse is returned when a different file is already being uploaded
	// under the same name to the same destination.
	ErrDestinationInUse = errors.New("another upload to the same destination is running")

	// ErrInvariant marks a programming defect, like exceeding the concurrency limit.
	ErrInvariant = errors.New("upload invariant violated")
)

// SessionError is a session-fatal error. It preserves the underlying cause.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (session %s): %s", e.Op, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// PermanentError marks a chunk failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the retry policy treats it as fatal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or an error it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
