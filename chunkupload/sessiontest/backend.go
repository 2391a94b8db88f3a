// Package sessiontest provides an in-memory remote collaborator for testing uploads.
package sessiontest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/google/uuid"
)

// ErrSimulatedFailure is returned by injected chunk failures.
var ErrSimulatedFailure = errors.New("simulated network failure")

// ErrUnknownSession ...
var ErrUnknownSession = errors.New("unknown session")

type session struct {
	id        string
	key       string
	req       chunkupload.InitRequest
	chunks    map[int][]byte
	artifact  *chunkupload.Artifact
	cancelled bool
}

// Backend is an in-memory SessionClient with fault injection and call accounting.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session
	active   map[string]string

	latency      func(index int) time.Duration
	failures     map[int]int
	initErr      error
	completeErr  error
	notResumable bool
	onUpload     func(index int)

	attempts      map[int]int
	stored        map[int]int
	uploadOrder   []int
	inFlight      int
	maxInFlight   int
	initCalls     int
	completeCalls int
	cancelCalls   int
}

var _ chunkupload.SessionClient = (*Backend)(nil)

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		sessions: map[string]*session{},
		active:   map[string]string{},
		failures: map[int]int{},
		attempts: map[int]int{},
		stored:   map[int]int{},
	}
}

// FailChunk makes the next `times` uploads of the chunk at index fail with ErrSimulatedFailure.
func (b *Backend) FailChunk(index, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[index] = times
}

// SetLatency sets the duration every upload of a chunk takes.
func (b *Backend) SetLatency(fn func(index int) time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = fn
}

// SetInitError makes Init fail.
func (b *Backend) SetInitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initErr = err
}

// SetCompleteError makes Complete fail.
func (b *Backend) SetCompleteError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeErr = err
}

// SetResumable controls the answer of Resume for existing sessions.
func (b *Backend) SetResumable(resumable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notResumable = !resumable
}

// OnUpload registers a hook called at the start of every chunk upload.
func (b *Backend) OnUpload(fn func(index int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpload = fn
}

// Preload registers an incomplete session with the given chunks already stored,
// as if a previous process uploaded them.
func (b *Backend) Preload(req chunkupload.InitRequest, data []byte, acknowledged []int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.newSession(req)
	for _, index := range acknowledged {
		c, err := chunkupload.ChunkAt(index, req.FileSize, req.ChunkSize)
		if err != nil {
			panic(err)
		}
		s.chunks[index] = append([]byte(nil), data[c.Offset:c.End()]...)
	}
	return s.id
}

func sessionKey(req chunkupload.InitRequest) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", req.Destination, req.FileName, req.FileSize, req.ChunkSize, req.TotalChunks)
}

func (b *Backend) newSession(req chunkupload.InitRequest) *session {
	s := &session{
		id:     uuid.NewString(),
		key:    sessionKey(req),
		req:    req,
		chunks: map[int][]byte{},
	}
	b.sessions[s.id] = s
	b.active[s.key] = s.id
	return s
}

// Init ...
func (b *Backend) Init(ctx context.Context, req chunkupload.InitRequest) (chunkupload.InitResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initCalls++
	if err := ctx.Err(); err != nil {
		return chunkupload.InitResponse{}, err
	}
	if b.initErr != nil {
		return chunkupload.InitResponse{}, b.initErr
	}

	if id, ok := b.active[sessionKey(req)]; ok {
		s := b.sessions[id]
		return chunkupload.InitResponse{SessionID: s.id, Resumed: true, MissingChunks: s.missing()}, nil
	}

	s := b.newSession(req)
	return chunkupload.InitResponse{SessionID: s.id}, nil
}

// UploadChunk ...
func (b *Backend) UploadChunk(ctx context.Context, sessionID string, index int, body io.Reader, size int64) error {
	b.mu.Lock()
	b.attempts[index]++
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	latency := time.Duration(0)
	if b.latency != nil {
		latency = b.latency(index)
	}
	onUpload := b.onUpload
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if onUpload != nil {
		onUpload(index)
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read chunk body: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if b.failures[index] > 0 {
		b.failures[index]--
		return ErrSimulatedFailure
	}

	s, ok := b.sessions[sessionID]
	if !ok || s.cancelled {
		return chunkupload.Permanent(fmt.Errorf("%w: %s", ErrUnknownSession, sessionID))
	}
	c, err := chunkupload.ChunkAt(index, s.req.FileSize, s.req.ChunkSize)
	if err != nil {
		return chunkupload.Permanent(err)
	}
	if int64(len(data)) != size || size != c.Length {
		return chunkupload.Permanent(fmt.Errorf("chunk %d size mismatch: got %d bytes, expected %d", index, len(data), c.Length))
	}

	if _, exists := s.chunks[index]; !exists {
		s.chunks[index] = data
	}
	b.stored[index]++
	b.uploadOrder = append(b.uploadOrder, index)

	return nil
}

// Complete ...
func (b *Backend) Complete(ctx context.Context, sessionID string) (chunkupload.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completeCalls++
	if b.completeErr != nil {
		return chunkupload.Artifact{}, b.completeErr
	}

	s, ok := b.sessions[sessionID]
	if !ok || s.cancelled {
		return chunkupload.Artifact{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.artifact != nil {
		return *s.artifact, nil
	}
	if missing := s.missing(); len(missing) > 0 {
		return chunkupload.Artifact{}, fmt.Errorf("%w: missing chunks %v", chunkupload.ErrIncomplete, missing)
	}

	s.artifact = &chunkupload.Artifact{
		ID:       uuid.NewString(),
		Location: path.Join(s.req.Destination, s.req.FileName),
		Size:     s.req.FileSize,
	}
	delete(b.active, s.key)

	return *s.artifact, nil
}

// Resume ...
func (b *Backend) Resume(ctx context.Context, sessionID string) (chunkupload.ResumeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return chunkupload.ResumeStatus{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return chunkupload.ResumeStatus{CanResume: !b.notResumable && !s.cancelled && s.artifact == nil}, nil
}

// Progress ...
func (b *Backend) Progress(ctx context.Context, sessionID string) (chunkupload.RemoteProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return chunkupload.RemoteProgress{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return chunkupload.RemoteProgress{UploadedChunks: len(s.chunks), TotalChunks: s.req.TotalChunks}, nil
}

// Cancel ...
func (b *Backend) Cancel(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelCalls++
	s, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.cancelled = true
	if b.active[s.key] == s.id {
		delete(b.active, s.key)
	}
	return nil
}

// Attempts returns how many uploads of the chunk were started.
func (b *Backend) Attempts(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[index]
}

// Stored returns how many uploads of the chunk succeeded.
func (b *Backend) Stored(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stored[index]
}

// UploadOrder returns the indices of successful uploads in the order they were stored.
func (b *Backend) UploadOrder() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.uploadOrder...)
}

// MaxInFlight returns the highest number of concurrent chunk uploads observed.
func (b *Backend) MaxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

// InitCalls ...
func (b *Backend) InitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls
}

// CompleteCalls ...
func (b *Backend) CompleteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeCalls
}

// CancelCalls ...
func (b *Backend) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}

// Data returns the assembled content of a session.
func (b *Backend) Data(sessionID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	var buf bytes.Buffer
	for i := 0; i < s.req.TotalChunks; i++ {
		buf.Write(s.chunks[i])
	}
	return buf.Bytes()
}

func (s *session) missing() []int {
	var missing []int
	for i := 0; i < s.req.TotalChunks; i++ {
		if _, ok := s.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}
