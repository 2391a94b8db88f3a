package chunkupload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// FileSource reads chunks from a file on disk.
// Safe for parallel chunk reads, every read is positional.
type FileSource struct {
	file        *os.File
	path        string
	name        string
	size        int64
	contentType string
}

// OpenFileSource opens the file at path for chunked upload.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	contentType := defaultContentType
	if mtype, err := mimetype.DetectFile(path); err == nil {
		contentType = mtype.String()
	}

	return &FileSource{
		file:        file,
		path:        path,
		name:        filepath.Base(path),
		size:        info.Size(),
		contentType: contentType,
	}, nil
}

// Name ...
func (s *FileSource) Name() string { return s.name }

// Path is the path the file was opened with.
func (s *FileSource) Path() string { return s.path }

// Size ...
func (s *FileSource) Size() int64 { return s.size }

// ContentType is the detected MIME type of the file.
func (s *FileSource) ContentType() string { return s.contentType }

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource provides chunks from an in-memory buffer.
type BytesSource struct {
	*bytes.Reader
	name        string
	contentType string
}

// NewBytesSource creates a Source from data.
func NewBytesSource(name string, data []byte) *BytesSource {
	contentType := mimetype.Detect(data).String()
	return &BytesSource{
		Reader:      bytes.NewReader(data),
		name:        name,
		contentType: contentType,
	}
}

// Name ...
func (s *BytesSource) Name() string { return s.name }

// ContentType ...
func (s *BytesSource) ContentType() string { return s.contentType }

// chunkReader returns a fresh reader for one upload attempt of the chunk.
func chunkReader(src io.ReaderAt, c Chunk) io.Reader {
	return io.NewSectionReader(src, c.Offset, c.Length)
}
