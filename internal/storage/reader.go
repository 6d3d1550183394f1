package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Reader reads package bytes across a layout's files. Files open lazily and
// stay open until Close.
type Reader struct {
	layout *Layout

	mu    sync.Mutex
	files map[string]*os.File
}

func (l *Layout) Open() *Reader {
	return &Reader{layout: l, files: make(map[string]*os.File)}
}

func (r *Reader) file(path string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.files[path]; ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return nil, err
	}
	r.files[path] = f
	return f, nil
}

// ReadAt implements io.ReaderAt over package offsets.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.layout.Size() {
		return 0, io.EOF
	}

	want := int64(len(p))
	short := false
	if off+want > r.layout.Size() {
		want = r.layout.Size() - off
		short = true
	}

	spans, err := r.layout.Spans(off, want)
	if err != nil {
		return 0, err
	}

	var n int
	for _, s := range spans {
		f, err := r.file(s.Path)
		if err != nil {
			return n, err
		}
		buf := p[s.PackageOffset-off : s.PackageOffset-off+s.Length]
		read, err := f.ReadAt(buf, s.FileOffset)
		n += read
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, fmt.Errorf("%w: %s", ErrFileTooShort, s.Path)
			}
			return n, err
		}
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// Section returns a sequential reader over [off, off+length).
func (r *Reader) Section(off, length int64) *io.SectionReader {
	return io.NewSectionReader(r, off, length)
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, path)
	}
	return firstErr
}
