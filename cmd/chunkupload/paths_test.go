package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-chunkupload/uploadconf"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPathEvaluator() pathEvaluator {
	logger := log.NewLogger()
	provider := uploadconf.NewFileProvider(filedownloader.NewDownloader(logger), pathutil.NewPathProvider(), pathutil.NewPathModifier())
	return newPathEvaluator(provider, pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger)
}

func TestPathEvaluator(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.ipa", "b.ipa", "sub/c.ipa", "sub/notes.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	}

	paths, err := newTestPathEvaluator().evaluate(context.Background(), []string{
		filepath.Join(dir, "**/*.ipa"),
		filepath.Join(dir, "a.ipa"),
		filepath.Join(dir, "sub"),
		filepath.Join(dir, "missing.ipa"),
		filepath.Join(dir, "*.apk"),
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.ipa"),
		filepath.Join(dir, "b.ipa"),
		filepath.Join(dir, "sub", "c.ipa"),
	}, paths)
}
