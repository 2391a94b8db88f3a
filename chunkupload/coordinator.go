package chunkupload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Coordinator runs the upload state machine of individual files:
// init -> resume check -> schedule chunks -> complete.
type Coordinator struct {
	client SessionClient
	config Config
	logger log.Logger
	nextID atomic.Int64
}

// NewCoordinator creates a Coordinator uploading through the given client.
func NewCoordinator(client SessionClient, config Config, logger log.Logger) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("session client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Coordinator{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Start begins uploading src to destination in the background. The returned handle
// controls and observes the upload; cancelling ctx cancels the upload too.
func (c *Coordinator) Start(ctx context.Context, src Source, destination string) (*Handle, error) {
	if src == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if src.Size() < 0 {
		return nil, fmt.Errorf("invalid file size: %d", src.Size())
	}

	state := newSessionState(src, c.config.ChunkSize, destination)
	progress := NewProgressAggregator(state.FileSize, state.TotalChunks, c.config.ProgressWindow)

	sessionCtx, cancel := context.WithCancel(ctx)
	id := fmt.Sprintf("upload-%d", c.nextID.Add(1))
	h := newHandle(id, state, progress, cancel)
	h.emitLocked(nil)

	go func() {
		defer cancel()
		c.run(sessionCtx, h, src)
	}()

	return h, nil
}

// Upload runs the upload of src synchronously.
func (c *Coordinator) Upload(ctx context.Context, src Source, destination string) (*Artifact, error) {
	h, err := c.Start(ctx, src, destination)
	if err != nil {
		return nil, err
	}
	return h.Wait(context.Background())
}

// Progress queries the remote chunk accounting of a session, which works without
// a running upload, e.g. after a restart.
func (c *Coordinator) Progress(ctx context.Context, sessionID string) (RemoteProgress, error) {
	p, err := c.client.Progress(ctx, sessionID)
	if err != nil {
		return RemoteProgress{}, fmt.Errorf("query session progress: %w", err)
	}
	return p, nil
}

func (c *Coordinator) run(ctx context.Context, h *Handle, src Source) {
	start := time.Now()
	artifact, err := c.upload(ctx, h, src)

	switch {
	case err == nil:
		c.logger.Donef("%s uploaded in %s (%s)", h.state.FileName, time.Since(start).Round(time.Second),
			units.HumanSizeWithPrecision(float64(h.state.FileSize), 3))
		h.finish(StatusCompleted, artifact, nil)
	case errors.Is(err, ErrCancelled):
		c.logger.Warnf("Upload of %s cancelled", h.state.FileName)
		c.cancelRemote(h.sessionID())
		h.finish(StatusCancelled, nil, ErrCancelled)
	default:
		c.logger.Errorf("Upload of %s failed: %s", h.state.FileName, err)
		h.finish(StatusError, nil, err)
	}
}

func (c *Coordinator) upload(ctx context.Context, h *Handle, src Source) (*Artifact, error) {
	state := h.state

	c.logger.Infof("Initializing upload session for %s (%s, %d chunks)", state.FileName,
		units.HumanSizeWithPrecision(float64(state.FileSize), 3), state.TotalChunks)

	resp, err := c.client.Init(ctx, InitRequest{
		FileName:    state.FileName,
		FileSize:    state.FileSize,
		FileType:    src.ContentType(),
		TotalChunks: state.TotalChunks,
		ChunkSize:   state.ChunkSize,
		Destination: state.Destination,
	})
	if err != nil {
		return nil, c.fatal(ctx, "", "init session", err)
	}
	if resp.SessionID == "" {
		return nil, &SessionError{Op: "init session", Err: errors.New("no session ID in response")}
	}
	h.setSession(resp.SessionID, resp.Resumed)
	c.logger.Debugf("Session ID: %s (resumed: %v)", resp.SessionID, resp.Resumed)

	plan, err := c.plan(ctx, h, resp)
	if err != nil {
		return nil, err
	}

	scheduler := NewScheduler(c.config, func(ctx context.Context, chunk Chunk) error {
		return c.client.UploadChunk(ctx, resp.SessionID, chunk.Index, chunkReader(src, chunk), chunk.Length)
	}, c.logger)
	var markErr error
	scheduler.OnSuccess(func(chunk Chunk) {
		if err := h.markUploaded(chunk); err != nil && markErr == nil {
			markErr = err
		}
	})
	h.setScheduler(scheduler)

	if err := h.transition(StatusUploading); err != nil {
		return nil, c.fatal(ctx, resp.SessionID, "start upload", err)
	}
	h.progress.Start()

	c.logger.Infof("Uploading %d of %d chunks of %s", len(plan), state.TotalChunks, state.FileName)
	if err := scheduler.Run(ctx, plan); err != nil {
		return nil, c.fatal(ctx, resp.SessionID, "upload chunks", err)
	}
	if markErr != nil {
		return nil, c.fatal(ctx, resp.SessionID, "upload chunks", markErr)
	}

	if err := h.transition(StatusCompleting); err != nil {
		return nil, c.fatal(ctx, resp.SessionID, "complete session", err)
	}
	if missing := h.missing(); len(missing) > 0 {
		return nil, &SessionError{
			SessionID: resp.SessionID,
			Op:        "complete session",
			Err:       fmt.Errorf("%w: %w: missing chunks %v", ErrInvariant, ErrIncomplete, missing),
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	// Once sent, complete may commit the artifact on the remote side, so a late cancel is ignored.
	timeout := c.config.CompleteTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().CompleteTimeout
	}
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	artifact, err := c.client.Complete(completeCtx, resp.SessionID)
	if err != nil {
		return nil, &SessionError{SessionID: resp.SessionID, Op: "complete session", Err: err}
	}

	return &artifact, nil
}

// plan returns the chunks still to be uploaded and accounts the already acknowledged ones.
func (c *Coordinator) plan(ctx context.Context, h *Handle, resp InitResponse) ([]Chunk, error) {
	state := h.state
	if !resp.Resumed {
		return Split(state.FileSize, state.ChunkSize), nil
	}

	if err := h.transition(StatusResuming); err != nil {
		return nil, c.fatal(ctx, resp.SessionID, "resume session", err)
	}

	status, err := c.client.Resume(ctx, resp.SessionID)
	if err != nil {
		return nil, c.fatal(ctx, resp.SessionID, "resume session", err)
	}
	if !status.CanResume {
		return nil, &SessionError{SessionID: resp.SessionID, Op: "resume session", Err: ErrSessionNotResumable}
	}

	plan, err := Plan(state.FileSize, state.ChunkSize, resp.MissingChunks)
	if err != nil {
		return nil, &SessionError{SessionID: resp.SessionID, Op: "resume session", Err: fmt.Errorf("%w: %w", ErrInvariant, err)}
	}

	missing := make(map[int]bool, len(plan))
	for _, chunk := range plan {
		missing[chunk.Index] = true
	}

	var acknowledged int
	var acknowledgedBytes int64
	for _, chunk := range Split(state.FileSize, state.ChunkSize) {
		if missing[chunk.Index] {
			continue
		}
		h.mu.Lock()
		err := state.markUploaded(chunk.Index)
		h.mu.Unlock()
		if err != nil {
			return nil, &SessionError{SessionID: resp.SessionID, Op: "resume session", Err: err}
		}
		acknowledged++
		acknowledgedBytes += chunk.Length
	}
	h.progress.Seed(acknowledged, acknowledgedBytes)

	c.logger.Infof("Resuming session %s: %d of %d chunks already uploaded", resp.SessionID, acknowledged, state.TotalChunks)
	return plan, nil
}

// fatal classifies err as cancellation or a session-fatal error.
func (c *Coordinator) fatal(ctx context.Context, sessionID, op string, err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrCancelled, op, err)
	}
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}

func (c *Coordinator) cancelRemote(sessionID string) {
	if sessionID == "" {
		return
	}

	timeout := c.config.CancelTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().CancelTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.client.Cancel(ctx, sessionID); err != nil {
		c.logger.Warnf("Failed to cancel session %s: %s", sessionID, err)
		return
	}
	c.logger.Debugf("Session %s cancelled", sessionID)
}
