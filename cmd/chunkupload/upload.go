package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

type uploader struct {
	manager        *chunkupload.Manager
	destination    string
	sessionRetries uint
	retryWait      time.Duration
	tracker        *analytics.Tracker
	logger         log.Logger
	// open is replaceable in tests.
	open func(path string) (chunkupload.Source, func() error, error)
}

func openFile(path string) (chunkupload.Source, func() error, error) {
	src, err := chunkupload.OpenFileSource(path)
	if err != nil {
		return nil, nil, err
	}
	return src, src.Close, nil
}

// uploadAll uploads every file concurrently and returns the number of failed uploads.
// Files sharing a name would be uploaded to the same object, only the first of them is uploaded.
func (u uploader) uploadAll(ctx context.Context, paths []string) int {
	var failed int32
	var wg sync.WaitGroup
	seen := map[string]string{}
	for _, path := range paths {
		name := filepath.Base(path)
		if first, ok := seen[name]; ok {
			u.logger.Errorf("Skipping %s: %s is uploaded to the same location", path, first)
			atomic.AddInt32(&failed, 1)
			continue
		}
		seen[name] = path

		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if _, err := u.uploadWithRetry(ctx, path); err != nil {
				atomic.AddInt32(&failed, 1)
			}
		}(path)
	}
	wg.Wait()

	u.manager.Clear()
	return int(failed)
}

// uploadWithRetry restarts failed sessions. A restarted session resumes from the chunks
// the remote side already acknowledged.
func (u uploader) uploadWithRetry(ctx context.Context, path string) (*chunkupload.Artifact, error) {
	open := u.open
	if open == nil {
		open = openFile
	}

	src, closeSrc, err := open(path)
	if err != nil {
		u.logger.Errorf("Failed to open %s: %s", path, err)
		return nil, err
	}
	defer func() {
		if err := closeSrc(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	var artifact *chunkupload.Artifact
	err = retry.Times(u.sessionRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			u.logger.Warnf("%d. attempt to upload %s", attempt+1, src.Name())
		}

		a, err := u.uploadOnce(ctx, src)
		if err != nil {
			// Cancellation, conflicting uploads and invariant violations are not retried.
			abort := errors.Is(err, chunkupload.ErrCancelled) || errors.Is(err, chunkupload.ErrInvariant) ||
				errors.Is(err, chunkupload.ErrDestinationInUse) || ctx.Err() != nil
			return err, abort
		}

		artifact = a
		return nil, false
	})
	if err != nil {
		u.logger.Errorf("Upload of %s failed: %s", src.Name(), err)
		return nil, err
	}

	u.logger.Donef("%s -> %s (%s)", src.Name(), artifact.Location, units.HumanSizeWithPrecision(float64(artifact.Size), 3))
	return artifact, nil
}

func (u uploader) uploadOnce(ctx context.Context, src chunkupload.Source) (*chunkupload.Artifact, error) {
	start := time.Now()
	h, err := u.manager.Start(ctx, src, u.destination)
	if err != nil {
		return nil, fmt.Errorf("start upload: %w", err)
	}

	lastPercent := -1
	for e := range h.Events() {
		if e.Status == chunkupload.StatusUploading && e.Progress.Percent == lastPercent {
			continue
		}
		lastPercent = e.Progress.Percent
		u.logger.Printf("%s", e)
	}

	artifact, err := h.Wait(context.Background())
	if u.tracker != nil {
		u.tracker.TrackSession(h.Session(), time.Since(start))
	}
	return artifact, err
}
