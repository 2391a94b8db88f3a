package chunkupload

import (
	"testing"
	"time"
)

func TestStats(t *testing.T) {
	stats := NewStats()

	if stats.FinishedCount() != 0 {
		t.Errorf("Expected 0 finished, got %d", stats.FinishedCount())
	}

	if stats.Average() != 0 {
		t.Errorf("Expected 0 average, got %v", stats.Average())
	}

	stats.RecordSuccess(100 * time.Millisecond)
	stats.RecordSuccess(200 * time.Millisecond)
	stats.RecordSuccess(300 * time.Millisecond)
	stats.RecordFailure()

	if stats.FinishedCount() != 3 {
		t.Errorf("Expected 3 finished, got %d", stats.FinishedCount())
	}

	if stats.FailedCount() != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.FailedCount())
	}

	expectedAvg := 200 * time.Millisecond
	if stats.Average() != expectedAvg {
		t.Errorf("Expected %v average, got %v", expectedAvg, stats.Average())
	}
}
