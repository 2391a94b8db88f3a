package chunkupload

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handle controls and observes one running upload.
type Handle struct {
	id       string
	mu       sync.Mutex
	state    *sessionState
	progress *ProgressAggregator

	cancel    context.CancelFunc
	scheduler *Scheduler

	events chan Event
	done   chan struct{}

	artifact *Artifact
	err      error
}

func newHandle(id string, state *sessionState, progress *ProgressAggregator, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:       id,
		state:    state,
		progress: progress,
		cancel:   cancel,
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
	}
}

// ID identifies the handle locally.
func (h *Handle) ID() string {
	return h.id
}

// Events returns the notification channel of the session. Progress events are dropped
// when the consumer falls behind. The terminal event is always delivered last and
// the channel is closed after it.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the session reached a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Status
}

// Session returns a snapshot of the session.
func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.snapshot()
}

// Progress returns the current progress.
func (h *Handle) Progress() Progress {
	return h.progress.Snapshot()
}

// Cancel requests cancellation. The session moves to StatusCancelled once
// the outstanding requests unwound.
func (h *Handle) Cancel() {
	h.cancel()
}

// Pause stops dispatching new chunks. In-flight chunks still finish.
func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state.Status {
	case StatusPaused:
		return nil
	case StatusUploading:
	default:
		return fmt.Errorf("can not pause upload in %s state", h.state.Status)
	}

	if err := h.state.transition(StatusPaused); err != nil {
		return err
	}
	h.scheduler.Pause()
	h.emitLocked(nil)
	return nil
}

// Resume continues a paused upload.
func (h *Handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state.Status {
	case StatusUploading:
		return nil
	case StatusPaused:
	default:
		return fmt.Errorf("can not resume upload in %s state", h.state.Status)
	}

	if err := h.state.transition(StatusUploading); err != nil {
		return err
	}
	h.scheduler.Resume()
	h.emitLocked(nil)
	return nil
}

// Wait blocks until the session is terminal or ctx is done. It returns the artifact of a
// completed session, ErrCancelled for a cancelled one, or the session-fatal error.
func (h *Handle) Wait(ctx context.Context) (*Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifact, h.err
}

func (h *Handle) transition(next Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.state.transition(next); err != nil {
		return err
	}
	h.emitLocked(nil)
	return nil
}

func (h *Handle) setScheduler(s *Scheduler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduler = s
}

func (h *Handle) setSession(id string, resumed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.SessionID = id
	h.state.Resumed = resumed
}

func (h *Handle) sessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.SessionID
}

func (h *Handle) markUploaded(c Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.uploaded[c.Index] {
		return nil
	}
	if err := h.state.markUploaded(c.Index); err != nil {
		return err
	}
	h.progress.Add(c.Length)
	h.emitLocked(nil)
	return nil
}

func (h *Handle) missing() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.missing()
}

func (h *Handle) finish(status Status, artifact *Artifact, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Status != status {
		if terr := h.state.transition(status); terr != nil {
			status, artifact, err = StatusError, nil, terr
			h.state.Status = StatusError
		}
	}
	if status == StatusError {
		h.state.Err = err
	}
	h.artifact = artifact
	h.err = err

	h.emitTerminalLocked(h.state.Err)
	close(h.events)
	close(h.done)
}

func (h *Handle) eventLocked(err error) Event {
	return Event{
		Time:      time.Now(),
		SessionID: h.state.SessionID,
		FileName:  h.state.FileName,
		Status:    h.state.Status,
		Progress:  h.progress.Snapshot(),
		Err:       err,
	}
}

func (h *Handle) emitLocked(err error) {
	select {
	case h.events <- h.eventLocked(err):
	default:
	}
}

// emitTerminalLocked makes room for the terminal event by dropping the oldest
// buffered one, so it is always the last event delivered.
func (h *Handle) emitTerminalLocked(err error) {
	e := h.eventLocked(err)
	for {
		select {
		case h.events <- e:
			return
		default:
		}
		select {
		case <-h.events:
		default:
		}
	}
}
