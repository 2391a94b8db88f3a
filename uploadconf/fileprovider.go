package uploadconf

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	fileScheme = "file://"
)

// FileProvider resolves an upload argument to a local file path. Arguments are
// local paths (~ is expanded), file:// URLs, or http(s) URLs which are downloaded
// to a temporary directory first.
type FileProvider interface {
	LocalPath(ctx context.Context, path string) (string, error)
}

type fileProvider struct {
	downloader   filedownloader.Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader filedownloader.Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// IsRemote reports whether path has to be downloaded before it can be uploaded.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// LocalPath returns the absolute local path of the file.
func (f *fileProvider) LocalPath(ctx context.Context, path string) (string, error) {
	if IsRemote(path) {
		return f.downloadFileToLocalPath(ctx, path)
	}

	return f.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
}

// downloadFileToLocalPath downloads a remote file to a temporary directory
// and returns the local path to the downloaded file.
func (f *fileProvider) downloadFileToLocalPath(ctx context.Context, urlPath string) (string, error) {
	fileName, err := fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	tmpDir, err := f.pathProvider.CreateTempDir("chunkupload")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}

func fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsedURL.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("URL has no file name")
	}
	return name, nil
}
