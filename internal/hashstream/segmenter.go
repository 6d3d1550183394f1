// Package hashstream hashes bytes segment by segment while they flow through
// a read or write path. A Segmenter knows where segment boundaries fall; a
// SegmentHandler decides what a finished segment hash means (collect it, or
// compare it to the recorded identity). Recording a segment as present is left
// to the caller.
package hashstream

import (
	"errors"
	"fmt"
	"hash"

	"github.com/datallboy/pkgswarm/internal/domain"
)

var (
	ErrPastLastSegment   = errors.New("data beyond the last segment")
	ErrIncompleteSegment = errors.New("stream ended inside a segment")
)

// SegmentHandler is called once per segment, in stream order, as each boundary is crossed.
type SegmentHandler interface {
	HandleSegment(index int, sum domain.Hash) error
}

type Segmenter struct {
	seq     domain.SequenceInfo
	newHash domain.HashFunc
	handler SegmentHandler

	index     int
	remaining int64
	consumed  int64 // bytes of the current segment already hashed
	h         hash.Hash
}

// NewSegmenter starts hashing at the first byte of segment start.
func NewSegmenter(seq domain.SequenceInfo, newHash domain.HashFunc, handler SegmentHandler, start int) (*Segmenter, error) {
	s := &Segmenter{seq: seq, newHash: newHash, handler: handler}
	if err := s.SkipTo(start); err != nil {
		return nil, err
	}
	return s, nil
}

// SkipTo abandons any partial segment and resumes at the first byte of index.
// index may equal SegmentCount, meaning no further data is expected.
func (s *Segmenter) SkipTo(index int) error {
	if index != s.seq.SegmentCount() {
		if err := s.seq.CheckIndex(index); err != nil {
			return err
		}
	}
	s.index = index
	s.consumed = 0
	s.h = s.newHash()
	s.remaining = 0
	if index < s.seq.SegmentCount() {
		s.remaining, _ = s.seq.SizeOf(index)
	}
	return nil
}

// Index is the segment the next byte belongs to.
func (s *Segmenter) Index() int { return s.index }

// Process hashes p, finalizing every segment whose last byte it contains.
func (s *Segmenter) Process(p []byte) error {
	for len(p) > 0 {
		if s.index >= s.seq.SegmentCount() {
			return fmt.Errorf("%w: %d extra bytes", ErrPastLastSegment, len(p))
		}

		n := int64(len(p))
		if n > s.remaining {
			n = s.remaining
		}
		s.h.Write(p[:n])
		s.remaining -= n
		s.consumed += n
		p = p[n:]

		if s.remaining == 0 {
			sum := domain.Hash(s.h.Sum(nil))
			done := s.index
			if err := s.SkipTo(done + 1); err != nil {
				return err
			}
			if err := s.handler.HandleSegment(done, sum); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish reports an error if the stream stopped partway through a segment.
func (s *Segmenter) Finish() error {
	if s.consumed > 0 {
		return fmt.Errorf("%w: segment %d has %d of %d bytes",
			ErrIncompleteSegment, s.index, s.consumed, s.consumed+s.remaining)
	}
	return nil
}
