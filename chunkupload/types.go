// Package chunkupload provides a resumable, concurrency-bounded chunked upload engine.
// A file is split into fixed-size chunks, the chunks are uploaded to a remote session
// with a bounded number of parallel requests and per-chunk retries, and the session is
// committed into a single artifact only after every chunk was acknowledged.
package chunkupload

import (
	"context"
	"io"
)

// SessionClient is the boundary to the remote collaborator that stores chunks and
// assembles the final artifact.
type SessionClient interface {
	// Init opens a new session, or reports an existing incomplete session for an
	// equivalent upload together with the chunk indices it has not acknowledged yet.
	// Calling it multiple times for the same logical file must not corrupt a prior session.
	Init(ctx context.Context, req InitRequest) (InitResponse, error)

	// UploadChunk stores the chunk at the given index. Re-uploading an acknowledged
	// index must succeed without further side effects.
	UploadChunk(ctx context.Context, sessionID string, index int, body io.Reader, size int64) error

	// Complete assembles the artifact. It fails if any chunk is missing.
	// A repeated call returns the same artifact.
	Complete(ctx context.Context, sessionID string) (Artifact, error)

	// Resume reports whether the session is still valid for continuation.
	Resume(ctx context.Context, sessionID string) (ResumeStatus, error)

	// Progress is a read-only status query, independent of any running coordinator.
	Progress(ctx context.Context, sessionID string) (RemoteProgress, error)

	// Cancel releases the server side resources of an abandoned session.
	Cancel(ctx context.Context, sessionID string) error
}

// InitRequest describes the file a session is opened for.
type InitRequest struct {
	FileName    string
	FileSize    int64
	FileType    string
	TotalChunks int
	ChunkSize   int64
	Destination string
}

// InitResponse is the answer of SessionClient.Init.
type InitResponse struct {
	SessionID string
	Resumed   bool
	// MissingChunks is only meaningful if Resumed is true.
	MissingChunks []int
}

// Artifact references the committed object.
type Artifact struct {
	ID       string
	Location string
	Size     int64
}

// ResumeStatus tells whether an existing session can be continued. If CanResume is false
// the upload fails with ErrSessionNotResumable and has to be started over.
type ResumeStatus struct {
	CanResume bool
}

// RemoteProgress is the chunk accounting of the remote collaborator.
type RemoteProgress struct {
	UploadedChunks int
	TotalChunks    int
}

// Source is a file that can be uploaded in chunks.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	ContentType() string
}
