package main

import (
	"context"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-chunkupload/chunkupload/sessiontest"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploader(t *testing.T, backend *sessiontest.Backend, sessionRetries uint) uploader {
	t.Helper()

	config := chunkupload.DefaultConfig()
	config.ChunkSize = 4
	config.Concurrency = 1
	config.MaxRetries = 0
	config.PollInterval = 5 * time.Millisecond
	config.HungThreshold = 0

	logger := log.NewLogger()
	coordinator, err := chunkupload.NewCoordinator(backend, config, logger)
	require.NoError(t, err)

	return uploader{
		manager:        chunkupload.NewManager(coordinator),
		destination:    "builds",
		sessionRetries: sessionRetries,
		logger:         logger,
		open: func(path string) (chunkupload.Source, func() error, error) {
			return chunkupload.NewBytesSource(path, []byte("0123456789ab")), func() error { return nil }, nil
		},
	}
}

func TestUploader_RetriedSessionResumes(t *testing.T) {
	backend := sessiontest.New()
	backend.FailChunk(1, 1)
	u := newTestUploader(t, backend, 1)

	artifact, err := u.uploadWithRetry(context.Background(), "app.ipa")

	require.NoError(t, err)
	assert.Equal(t, "builds/app.ipa", artifact.Location)
	assert.Equal(t, 2, backend.InitCalls())
	assert.Equal(t, 1, backend.Attempts(0), "acknowledged chunks are not uploaded again")
	assert.Equal(t, 2, backend.Attempts(1))
}

func TestUploader_GivesUpAfterSessionRetries(t *testing.T) {
	backend := sessiontest.New()
	backend.FailChunk(1, 100)
	u := newTestUploader(t, backend, 2)

	_, err := u.uploadWithRetry(context.Background(), "app.ipa")

	require.ErrorIs(t, err, chunkupload.ErrRetriesExhausted)
	assert.Equal(t, 3, backend.InitCalls())
	assert.Equal(t, 0, backend.CompleteCalls())
}

func TestUploader_CancelledIsNotRetried(t *testing.T) {
	backend := sessiontest.New()
	u := newTestUploader(t, backend, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.uploadWithRetry(ctx, "app.ipa")

	require.ErrorIs(t, err, chunkupload.ErrCancelled)
	assert.LessOrEqual(t, backend.InitCalls(), 1)
}

func TestUploader_UploadAll(t *testing.T) {
	backend := sessiontest.New()
	u := newTestUploader(t, backend, 0)

	failed := u.uploadAll(context.Background(), []string{"a.ipa", "b.ipa", "c.ipa"})

	assert.Equal(t, 0, failed)
	assert.Equal(t, 3, backend.CompleteCalls())
	assert.Empty(t, u.manager.List())
}

func TestUploader_UploadAllSkipsCollidingNames(t *testing.T) {
	backend := sessiontest.New()
	u := newTestUploader(t, backend, 0)

	failed := u.uploadAll(context.Background(), []string{"ios/app.ipa", "tvos/app.ipa", "other.ipa"})

	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, backend.InitCalls())
	assert.Equal(t, 2, backend.CompleteCalls())
}
