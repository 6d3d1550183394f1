package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// FileWriter keeps one handle per path so concurrent segment writes share descriptors.
type FileWriter struct {
	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// WriteAt finds the handle and performs a thread-safe write
func (fw *FileWriter) WriteAt(path string, data []byte, offset int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.file.WriteAt(data, offset)
	return err
}

// WriteSpans writes data that starts at package offset off across the layout's files.
func (fw *FileWriter) WriteSpans(l *Layout, off int64, data []byte) error {
	spans, err := l.Spans(off, int64(len(data)))
	if err != nil {
		return err
	}
	for _, s := range spans {
		chunk := data[s.PackageOffset-off : s.PackageOffset-off+s.Length]
		if err := fw.WriteAt(s.Path, chunk, s.FileOffset); err != nil {
			return fmt.Errorf("write %s: %w", s.Path, err)
		}
	}
	return nil
}

// PreAllocate grows path to at least size bytes.
func (fw *FileWriter) PreAllocate(path string, size int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}

	// On Linux/Unix, Truncate creates a sparse file.
	return h.file.Truncate(size)
}

// PreAllocateLayout creates every file of a layout at its final size.
func (fw *FileWriter) PreAllocateLayout(l *Layout) error {
	for _, r := range l.Ranges() {
		if err := fw.PreAllocate(r.Path, r.Offset+r.Length); err != nil {
			return fmt.Errorf("pre-allocate %s: %w", r.Path, err)
		}
	}
	return nil
}

func (fw *FileWriter) getOrCreateFile(path string) (*fileHandle, error) {
	fw.mu.RLock()
	h, ok := fw.handles[path]
	fw.mu.RUnlock()
	if ok {
		return h, nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	h, ok = fw.handles[path]
	if ok {
		return h, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}

	h = &fileHandle{file: f}
	fw.handles[path] = h
	return h, nil
}

func (fw *FileWriter) CloseAll() {
	fw.mu.RLock()
	paths := make([]string, 0, len(fw.handles))
	for path := range fw.handles {
		paths = append(paths, path)
	}
	fw.mu.RUnlock()

	for _, path := range paths {
		_ = fw.CloseFile(path)
	}
}

// CloseFile syncs and releases the handle for path, if one is open.
func (fw *FileWriter) CloseFile(path string) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	if !ok {
		fw.mu.Unlock()
		return nil
	}
	delete(fw.handles, path)
	fw.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.file.Sync()
	return h.file.Close()
}

// CloseLayout releases the handles of every file in a layout.
func (fw *FileWriter) CloseLayout(l *Layout) error {
	var firstErr error
	for _, r := range l.Ranges() {
		if err := fw.CloseFile(r.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
