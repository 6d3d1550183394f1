package hashstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/datallboy/pkgswarm/internal/domain"
)

// Computer collects segment hashes in order (compute mode).
type Computer struct {
	mu     sync.Mutex
	next   int
	hashes []domain.Hash
}

func NewComputer() *Computer { return &Computer{} }

func (c *Computer) HandleSegment(index int, sum domain.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index != c.next {
		return fmt.Errorf("hashstream: segment %d arrived, expected %d", index, c.next)
	}
	c.hashes = append(c.hashes, sum)
	c.next++
	return nil
}

// Hashes returns a copy of the segment hashes collected so far.
func (c *Computer) Hashes() []domain.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Hash, len(c.hashes))
	copy(out, c.hashes)
	return out
}

// Identity finalizes the package identity once every segment of seq was hashed.
func (c *Computer) Identity(seq domain.SequenceInfo, newHash domain.HashFunc) (domain.PackageIdentity, error) {
	hashes := c.Hashes()
	if len(hashes) != seq.SegmentCount() {
		return domain.PackageIdentity{}, fmt.Errorf("hashstream: %d of %d segments hashed", len(hashes), seq.SegmentCount())
	}
	return domain.NewPackageIdentity(newHash, hashes), nil
}

// Validator compares each finished segment against the recorded identity
// (validate mode). Mismatches are accumulated; with FailFast the first one
// also aborts the stream.
type Validator struct {
	expected []domain.Hash
	failFast bool

	mu         sync.Mutex
	mismatches []*domain.HashMismatchError
	verified   []int
}

func NewValidator(identity domain.PackageIdentity) *Validator {
	return &Validator{expected: identity.SegmentHashes}
}

// FailFast makes the first mismatch stop the stream.
func (v *Validator) FailFast() *Validator {
	v.failFast = true
	return v
}

func (v *Validator) HandleSegment(index int, sum domain.Hash) error {
	if index < 0 || index >= len(v.expected) {
		return &domain.SegmentRangeError{Index: index, Count: len(v.expected)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.expected[index].Equal(sum) {
		mismatch := &domain.HashMismatchError{Index: index, Expected: v.expected[index], Actual: sum}
		v.mismatches = append(v.mismatches, mismatch)
		if v.failFast {
			return mismatch
		}
		return nil
	}
	v.verified = append(v.verified, index)
	return nil
}

// Verified lists segments whose hash matched, in stream order.
func (v *Validator) Verified() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.verified...)
}

// Mismatches lists the indices of segments whose hash did not match.
func (v *Validator) Mismatches() []int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]int, len(v.mismatches))
	for i, m := range v.mismatches {
		out[i] = m.Index
	}
	return out
}

// Err joins every mismatch seen, or nil.
func (v *Validator) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	errs := make([]error, len(v.mismatches))
	for i, m := range v.mismatches {
		errs[i] = m
	}
	return errors.Join(errs...)
}

// ComputeIdentity hashes a whole package stream from segment 0.
func ComputeIdentity(ctx context.Context, r io.Reader, seq domain.SequenceInfo, newHash domain.HashFunc) (domain.PackageIdentity, error) {
	if seq.SegmentCount() == 0 {
		return domain.NewPackageIdentity(newHash, nil), nil
	}

	computer := NewComputer()
	seg, err := NewSegmenter(seq, newHash, computer, 0)
	if err != nil {
		return domain.PackageIdentity{}, err
	}

	if _, err := io.Copy(io.Discard, NewReader(ctxReader{ctx: ctx, r: r}, seg)); err != nil {
		return domain.PackageIdentity{}, fmt.Errorf("hashstream: compute: %w", err)
	}
	return computer.Identity(seq, newHash)
}

// VerifySegments writes data, which starts at segment start, through w while
// checking each segment against identity. It fails on the first mismatch.
func VerifySegments(w io.Writer, data []byte, start int, seq domain.SequenceInfo, identity domain.PackageIdentity, newHash domain.HashFunc) ([]int, error) {
	validator := NewValidator(identity).FailFast()
	seg, err := NewSegmenter(seq, newHash, validator, start)
	if err != nil {
		return nil, err
	}

	sw := NewWriter(w, seg)
	if _, err := sw.Write(data); err != nil {
		return validator.Verified(), err
	}
	if err := sw.Close(); err != nil {
		return validator.Verified(), err
	}
	return validator.Verified(), nil
}
