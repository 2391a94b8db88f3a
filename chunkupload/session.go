package chunkupload

import "fmt"

// Status is the state of an upload session.
type Status string

// Session states. Completed, Error and Cancelled are terminal.
const (
	StatusInitializing Status = "initializing"
	StatusResuming     Status = "resuming"
	StatusUploading    Status = "uploading"
	StatusPaused       Status = "paused"
	StatusCompleting   Status = "completing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusInitializing: {StatusResuming, StatusUploading, StatusError, StatusCancelled},
	StatusResuming:     {StatusUploading, StatusError, StatusCancelled},
	StatusUploading:    {StatusPaused, StatusCompleting, StatusError, StatusCancelled},
	StatusPaused:       {StatusUploading, StatusCompleting, StatusError, StatusCancelled},
	StatusCompleting:   {StatusCompleted, StatusError, StatusCancelled},
}

// IsTerminal reports whether the coordinator takes no further action in this state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is a snapshot of one file transfer attempt.
type Session struct {
	SessionID   string
	FileName    string
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
	Destination string
	Status      Status
	Resumed     bool
	// UploadedChunks holds the acknowledged chunk indices in ascending order.
	UploadedChunks []int
	// Err is the fatal error, set only in StatusError.
	Err error
}

// sessionState is the owned, mutable state of one session.
type sessionState struct {
	Session
	uploaded map[int]bool
}

func newSessionState(src Source, chunkSize int64, destination string) *sessionState {
	return &sessionState{
		Session: Session{
			FileName:    src.Name(),
			FileSize:    src.Size(),
			ChunkSize:   chunkSize,
			TotalChunks: TotalChunks(src.Size(), chunkSize),
			Destination: destination,
			Status:      StatusInitializing,
		},
		uploaded: map[int]bool{},
	}
}

func (s *sessionState) transition(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: transition %s -> %s", ErrInvariant, s.Status, next)
	}
	s.Status = next
	return nil
}

func (s *sessionState) markUploaded(index int) error {
	if index < 0 || index >= s.TotalChunks {
		return fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrInvariant, index, s.TotalChunks)
	}
	s.uploaded[index] = true
	return nil
}

func (s *sessionState) missing() []int {
	var missing []int
	for i := 0; i < s.TotalChunks; i++ {
		if !s.uploaded[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *sessionState) snapshot() Session {
	snapshot := s.Session
	snapshot.UploadedChunks = make([]int, 0, len(s.uploaded))
	for i := 0; i < s.TotalChunks; i++ {
		if s.uploaded[i] {
			snapshot.UploadedChunks = append(snapshot.UploadedChunks, i)
		}
	}
	return snapshot
}
