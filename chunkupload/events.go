package chunkupload

import (
	"fmt"
	"time"
)

// Event is a status or progress notification of a session.
type Event struct {
	Time      time.Time
	SessionID string
	FileName  string
	Status    Status
	Progress  Progress
	// Err is set for the StatusError event.
	Err error
}

func (e Event) String() string {
	s := fmt.Sprintf("%s: %s %d%% (%d/%d chunks) speed=%s eta=%s",
		e.FileName, e.Status, e.Progress.Percent, e.Progress.UploadedChunks, e.Progress.TotalChunks,
		e.Progress.SpeedString(), e.Progress.ETAString())
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

const eventBufferSize = 64
