package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a file selected for sending. Reads are sequential.
type Source interface {
	io.ReadCloser
	Name() string
	Size() uint64
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	file *os.File
	name string
	size uint64
}

// OpenFile opens path for sending.
func OpenFile(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("source path must be a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	return &FileSource{
		file: file,
		name: filepath.Base(path),
		size: uint64(info.Size()),
	}, nil
}

func (f *FileSource) Read(p []byte) (int, error) { return f.file.Read(p) }
func (f *FileSource) Close() error               { return f.file.Close() }
func (f *FileSource) Name() string               { return f.name }
func (f *FileSource) Size() uint64               { return f.size }

// ReaderSource adapts an arbitrary reader with a declared name and size.
type ReaderSource struct {
	r    io.Reader
	name string
	size uint64
}

// NewReaderSource returns a Source that reads size bytes from r.
// Close closes r when it implements io.Closer.
func NewReaderSource(name string, size uint64, r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, name: name, size: size}
}

func (s *ReaderSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *ReaderSource) Name() string               { return s.name }
func (s *ReaderSource) Size() uint64               { return s.size }

func (s *ReaderSource) Close() error {
	if closer, ok := s.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
