// Package loader provides upload sources for local documents.
// Clean Architecture: Adapter implementing ports.FileSource.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxFileSize is the largest file the backend accepts.
const MaxFileSize = 10 * 1024 * 1024

var (
	// ErrUnsupported is returned for extensions the backend does not process.
	ErrUnsupported = errors.New("unsupported file type")

	// ErrTooLarge is returned for files over MaxFileSize.
	ErrTooLarge = errors.New("file too large (max 10MB)")
)

var supported = map[string]bool{
	".pdf":      true,
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// Supported reports whether path has an extension the backend processes.
func Supported(path string) bool {
	return supported[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions returns all supported extensions, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(supported))
	for ext := range supported {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// LocalFile is a file on disk, read when the upload starts.
type LocalFile struct {
	path string
	size int64
}

// FromPath validates path and returns it as an upload source.
func FromPath(path string) (*LocalFile, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrTooLarge)
	}

	return &LocalFile{path: path, size: info.Size()}, nil
}

// Name returns the base name sent as the multipart filename.
func (f *LocalFile) Name() string { return filepath.Base(f.path) }

// Size returns the size at validation time.
func (f *LocalFile) Size() int64 { return f.size }

// Path returns the full path.
func (f *LocalFile) Path() string { return f.path }

// Open opens the file for reading.
func (f *LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// MemoryFile is an in-memory upload source.
type MemoryFile struct {
	name string
	data []byte
}

// FromBytes wraps data as an upload source named name.
func FromBytes(name string, data []byte) *MemoryFile {
	return &MemoryFile{name: name, data: data}
}

func (f *MemoryFile) Name() string { return f.name }

func (f *MemoryFile) Size() int64 { return int64(len(f.data)) }

func (f *MemoryFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}
