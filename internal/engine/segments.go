package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/hashstream"
)

// SegmentData is one segment read from local storage.
type SegmentData struct {
	Index int
	Data  []byte
}

// ReadSegments returns the requested segments that are present locally, in
// request order, skipping duplicates, out of range and absent indices.
func (m *Manager) ReadSegments(ctx context.Context, hash string, indices []int) ([]SegmentData, error) {
	e, release, err := m.acquire(hash)
	if err != nil {
		return nil, err
	}
	defer release()

	seq := e.Sequence
	wanted := make([]int, 0, len(indices))
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if seen[i] || seq.CheckIndex(i) != nil || !e.Status.HasSegment(i) {
			continue
		}
		seen[i] = true
		wanted = append(wanted, i)
	}
	if len(wanted) == 0 {
		return nil, domain.ErrNoMatchingSegments
	}

	reader := e.layout.Open()
	defer reader.Close()

	out := make([]SegmentData, 0, len(wanted))
	for _, i := range wanted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		off, _ := seq.OffsetOf(i)
		size, _ := seq.SizeOf(i)
		buf := make([]byte, size)
		if _, err := reader.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read segment %d of %s: %w", i, hash, err)
		}
		out = append(out, SegmentData{Index: i, Data: buf})
	}
	return out, nil
}

// WriteSegment stores one segment fetched from a peer. The data is checked
// against the package identity before anything reaches the disk; only a
// verified segment is written and marked complete. A segment already present
// is left untouched.
func (m *Manager) WriteSegment(ctx context.Context, hash string, index int, data []byte) error {
	e, release, err := m.acquire(hash)
	if err != nil {
		return err
	}
	defer release()

	seq := e.Sequence
	size, err := seq.SizeOf(index)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("%w: segment %d is %d bytes, got %d", ErrBadSegment, index, size, len(data))
	}
	if e.Status.HasSegment(index) {
		return nil
	}
	if _, err := hashstream.VerifySegments(io.Discard, data, index, seq, e.Identity, m.newHash); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.Status.HasSegment(index) {
		return nil
	}
	off, _ := seq.OffsetOf(index)
	if err := m.writer.WriteSpans(e.layout, off, data); err != nil {
		return fmt.Errorf("write segment %d of %s: %w", index, hash, err)
	}

	added, err := e.Status.MarkSegmentComplete(index)
	if err != nil || !added {
		return err
	}

	m.persistStatus(ctx, e)
	if e.Status.IsDownloaded() {
		m.log.Info("Package %s (%s) is complete", e.Name, hash)
		if err := m.writer.CloseLayout(e.layout); err != nil {
			m.log.Warn("Closing files of %s: %v", hash, err)
		}
	}
	m.changed()
	return nil
}

// Validate re-reads a whole package and checks every segment. It runs on
// the validation queue so at most validation.concurrency passes hit the disk
// at once. Bad segments are cleared from the status to be fetched again;
// good segments the status did not know about are adopted.
func (m *Manager) Validate(ctx context.Context, hash string) (*hashstream.ValidationResult, error) {
	if _, ok := m.lookup(hash); !ok {
		return nil, domain.ErrPackageNotFound
	}

	type outcome struct {
		result *hashstream.ValidationResult
		err    error
	}
	done := make(chan outcome, 1)
	jobID := ksuid.New().String()

	m.validations.Enqueue(ctx, hash, func(ctx context.Context, hash string) error {
		res, err := m.validate(ctx, jobID, hash)
		done <- outcome{res, err}
		return err
	})

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) validate(ctx context.Context, jobID, hash string) (*hashstream.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, release, err := m.acquire(hash)
	if err != nil {
		return nil, err
	}
	defer release()

	m.log.Debug("[validate %s] starting %s", jobID, hash)
	res, err := hashstream.ValidatePackage(ctx, e.layout, e.Sequence, e.Identity, m.newHash)
	if err != nil {
		return nil, err
	}

	bad := res.BadSegments()
	changed := false
	if len(bad) > 0 {
		before := e.Status.BytesDownloaded()
		if err := e.Status.ResetSegments(bad); err != nil {
			return nil, err
		}
		changed = e.Status.BytesDownloaded() != before
		m.log.Warn("[validate %s] %s: %d bad segments", jobID, hash, len(bad))
	}

	badSet := make(map[int]bool, len(bad))
	for _, i := range bad {
		badSet[i] = true
	}
	for i := 0; i < e.Sequence.SegmentCount(); i++ {
		if badSet[i] {
			continue
		}
		added, err := e.Status.MarkSegmentComplete(i)
		if err != nil {
			return nil, err
		}
		changed = changed || added
	}

	if changed {
		m.persistStatus(ctx, e)
		m.changed()
		if !e.Status.IsDownloaded() {
			m.signalJob()
		}
	}

	m.log.Info("[validate %s] %s valid=%t checked=%d", jobID, hash, res.Valid, res.CheckedSegments)
	return res, nil
}

type DeleteOptions struct {
	// RemoveData also deletes the package's files from disk.
	RemoveData bool
}

// Delete marks the package for deletion, waits until every shared token is
// released, then drops its record and optionally its files. Once marked the
// removal always runs to the end; a caller whose ctx ends only stops waiting.
// Concurrent calls for the same package share one removal.
func (m *Manager) Delete(ctx context.Context, hash string, opts DeleteOptions) error {
	e, ok := m.lookup(hash)
	if !ok {
		return domain.ErrPackageNotFound
	}

	e.deleteOnce.Do(func() {
		e.deleted = make(chan struct{})
		drained := e.Lock.MarkForDeletion()
		bg := context.WithoutCancel(ctx)
		go func() {
			defer close(e.deleted)
			<-drained
			e.deleteErr = m.finishDelete(bg, hash, e, opts)
		}()
	})

	select {
	case <-e.deleted:
		return e.deleteErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) finishDelete(ctx context.Context, hash string, e *entry, opts DeleteOptions) error {
	m.mu.Lock()
	if m.packages[hash] != e {
		m.mu.Unlock()
		return domain.ErrPackageNotFound
	}
	delete(m.packages, hash)
	m.mu.Unlock()

	if err := m.writer.CloseLayout(e.layout); err != nil {
		m.log.Warn("Closing files of %s: %v", hash, err)
	}

	if err := m.store.DeletePackage(ctx, e.ID); err != nil {
		return fmt.Errorf("failed to delete record of %s: %w", hash, err)
	}

	if opts.RemoveData {
		for _, r := range e.layout.Ranges() {
			if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
				m.log.Warn("Removing %s: %v", r.Path, err)
			}
		}
	}

	m.log.Info("Deleted package %s (%s)", e.Name, hash)
	m.changed()
	return nil
}
