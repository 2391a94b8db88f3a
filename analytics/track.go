// Package analytics reports upload session outcomes.
package analytics

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey = "CHUNKUPLOAD_RUN_ID"
	RunID       = "run_id"
)

// Events
const (
	SessionCompleted = "chunk_upload_session_completed"
	SessionFailed    = "chunk_upload_session_failed"
	SessionCancelled = "chunk_upload_session_cancelled"
)

// Tracker sends one event per finished upload session.
type Tracker struct {
	tracker analytics.Tracker
}

// NewTracker creates a tracker whose events all carry the run ID. The run ID is taken from
// CHUNKUPLOAD_RUN_ID or generated, so events of one invocation can be correlated.
func NewTracker(repository env.Repository, trackerFactory TrackerFactory) *Tracker {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Tracker{tracker: trackerFactory(analytics.Properties{RunID: runID})}
}

func NewDefaultTracker(repository env.Repository, logger log.Logger) *Tracker {
	return NewTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

// TrackSession enqueues the outcome event of a terminal session. Non-terminal sessions are ignored.
func (t *Tracker) TrackSession(session chunkupload.Session, duration time.Duration) {
	var event string
	switch session.Status {
	case chunkupload.StatusCompleted:
		event = SessionCompleted
	case chunkupload.StatusCancelled:
		event = SessionCancelled
	case chunkupload.StatusError:
		event = SessionFailed
	default:
		return
	}

	properties := analytics.Properties{
		"session_id":      session.SessionID,
		"file_size":       session.FileSize,
		"chunk_size":      session.ChunkSize,
		"total_chunks":    session.TotalChunks,
		"uploaded_chunks": len(session.UploadedChunks),
		"resumed":         session.Resumed,
		"duration_ms":     duration.Milliseconds(),
	}
	if session.Err != nil {
		properties["error_kind"] = errorKind(session.Err)
	}

	t.tracker.Enqueue(event, properties)
}

// Wait blocks until the enqueued events are sent.
func (t *Tracker) Wait() {
	t.tracker.Wait()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, chunkupload.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, chunkupload.ErrSessionNotResumable):
		return "not_resumable"
	case errors.Is(err, chunkupload.ErrInvariant):
		return "invariant"
	case errors.Is(err, chunkupload.ErrIncomplete):
		return "incomplete"
	case chunkupload.IsPermanent(err):
		return "permanent"
	}
	return "other"
}
