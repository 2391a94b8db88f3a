package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-chunkupload/uploadconf"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathEvaluator struct {
	provider     uploadconf.FileProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

func newPathEvaluator(provider uploadconf.FileProvider, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) pathEvaluator {
	return pathEvaluator{
		provider:     provider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// evaluate expands glob patterns, downloads remote files and returns the
// deduplicated absolute paths of the regular files to upload.
func (e pathEvaluator) evaluate(ctx context.Context, args []string) ([]string, error) {
	var expandedPaths []string
	for _, arg := range args {
		if uploadconf.IsRemote(arg) {
			localPath, err := e.provider.LocalPath(ctx, arg)
			if err != nil {
				return nil, fmt.Errorf("download %s: %w", arg, err)
			}
			expandedPaths = append(expandedPaths, localPath)
			continue
		}

		if !strings.Contains(arg, "*") {
			expandedPaths = append(expandedPaths, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(arg)
		absBase, err := e.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", arg)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := e.provider.LocalPath(ctx, path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("File doesn't exist: %s", path)
			continue
		}
		if info, err := os.Stat(absPath); err == nil && info.IsDir() {
			e.logger.Debugf("Skipping directory: %s", absPath)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
