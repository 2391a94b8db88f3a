package chunkupload

import (
	"math"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// ProgressSample is a (timestamp, bytes uploaded) pair.
type ProgressSample struct {
	Time  time.Time
	Bytes int64
}

// Progress is a snapshot of the transfer state of a session.
type Progress struct {
	Percent        int
	UploadedChunks int
	TotalChunks    int
	UploadedBytes  int64
	TotalBytes     int64
	// Speed is in bytes per second. Only meaningful if SpeedKnown is true.
	Speed      float64
	SpeedKnown bool
	// ETA is only meaningful if ETAKnown is true.
	ETA      time.Duration
	ETAKnown bool
}

// SpeedString renders the speed, or "--" if it is undefined.
func (p Progress) SpeedString() string {
	if !p.SpeedKnown {
		return "--"
	}
	return units.HumanSizeWithPrecision(p.Speed, 3) + "/s"
}

// ETAString renders the ETA, or "--" if it is undefined.
func (p Progress) ETAString() string {
	if !p.ETAKnown {
		return "--"
	}
	return p.ETA.Round(time.Second).String()
}

// ProgressAggregator derives percent complete, speed and ETA from acknowledged chunks.
// Safe for concurrent use.
type ProgressAggregator struct {
	mu          sync.Mutex
	window      int
	samples     []ProgressSample
	totalChunks int
	totalBytes  int64
	chunks      int
	bytes       int64
	percent     int
	now         func() time.Time
}

// NewProgressAggregator creates an aggregator for a session with the given totals.
// window is the number of samples kept for the speed calculation.
func NewProgressAggregator(totalBytes int64, totalChunks, window int) *ProgressAggregator {
	if window < 2 {
		window = 2
	}
	a := &ProgressAggregator{
		window:      window,
		samples:     make([]ProgressSample, 0, window),
		totalChunks: totalChunks,
		totalBytes:  totalBytes,
		now:         time.Now,
	}
	a.updatePercent()
	return a
}

// Seed accounts chunks acknowledged before this process started uploading (resume).
// The seeded bytes do not count towards the speed.
func (a *ProgressAggregator) Seed(chunks int, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks += chunks
	a.bytes += bytes
	a.updatePercent()
	a.samples = a.samples[:0]
	a.samples = append(a.samples, ProgressSample{Time: a.now(), Bytes: a.bytes})
}

// Start records the baseline sample for the speed calculation.
func (a *ProgressAggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addSample()
}

// Add accounts one acknowledged chunk of the given length.
func (a *ProgressAggregator) Add(length int64) Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks++
	a.bytes += length
	a.updatePercent()
	a.addSample()

	return a.snapshot()
}

// Snapshot returns the current progress.
func (a *ProgressAggregator) Snapshot() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *ProgressAggregator) addSample() {
	if len(a.samples) == a.window {
		copy(a.samples, a.samples[1:])
		a.samples = a.samples[:a.window-1]
	}
	a.samples = append(a.samples, ProgressSample{Time: a.now(), Bytes: a.bytes})
}

func (a *ProgressAggregator) updatePercent() {
	p := 100
	if a.totalChunks > 0 {
		p = int(math.Round(100 * float64(a.chunks) / float64(a.totalChunks)))
	}
	if p > 100 {
		p = 100
	}
	// Percent never regresses.
	if p > a.percent {
		a.percent = p
	}
}

func (a *ProgressAggregator) snapshot() Progress {
	p := Progress{
		Percent:        a.percent,
		UploadedChunks: a.chunks,
		TotalChunks:    a.totalChunks,
		UploadedBytes:  a.bytes,
		TotalBytes:     a.totalBytes,
	}

	if len(a.samples) < 2 {
		return p
	}

	oldest, newest := a.samples[0], a.samples[len(a.samples)-1]
	elapsed := newest.Time.Sub(oldest.Time).Seconds()
	if elapsed <= 0 {
		return p
	}

	speed := float64(newest.Bytes-oldest.Bytes) / elapsed
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return p
	}
	p.Speed = speed
	p.SpeedKnown = true

	if speed <= 0 {
		return p
	}

	remaining := a.totalBytes - a.bytes
	if remaining < 0 {
		remaining = 0
	}
	eta := float64(remaining) / speed
	if math.IsNaN(eta) || math.IsInf(eta, 0) || eta > float64(math.MaxInt64)/float64(time.Second) {
		return p
	}
	p.ETA = time.Duration(eta * float64(time.Second))
	p.ETAKnown = true

	return p
}
