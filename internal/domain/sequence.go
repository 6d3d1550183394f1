package domain

import (
	"errors"
	"fmt"
)

// SequenceInfo maps a package's byte length onto fixed-size segments.
// Every segment is SegmentLength bytes except the last, which holds the remainder.
type SequenceInfo struct {
	SegmentLength int64 `json:"segment_length"`
	DataLength    int64 `json:"data_length"`
}

// NewSequenceInfo validates the pair before returning it.
func NewSequenceInfo(segmentLength, dataLength int64) (SequenceInfo, error) {
	if segmentLength <= 0 {
		return SequenceInfo{}, errors.New("segment length must be positive")
	}
	if dataLength < 0 {
		return SequenceInfo{}, errors.New("data length must not be negative")
	}
	return SequenceInfo{SegmentLength: segmentLength, DataLength: dataLength}, nil
}

// SegmentCount is ceil(DataLength / SegmentLength).
func (s SequenceInfo) SegmentCount() int {
	if s.SegmentLength <= 0 || s.DataLength <= 0 {
		return 0
	}
	return int((s.DataLength + s.SegmentLength - 1) / s.SegmentLength)
}

// BitmapLength is the number of bytes needed for one presence bit per segment.
func (s SequenceInfo) BitmapLength() int {
	return (s.SegmentCount() + 7) / 8
}

// CheckIndex returns a *SegmentRangeError when index is not a valid segment.
func (s SequenceInfo) CheckIndex(index int) error {
	count := s.SegmentCount()
	if index < 0 || index >= count {
		return &SegmentRangeError{Index: index, Count: count}
	}
	return nil
}

// SizeOf returns the byte length of one segment.
func (s SequenceInfo) SizeOf(index int) (int64, error) {
	if err := s.CheckIndex(index); err != nil {
		return 0, err
	}
	if index == s.SegmentCount()-1 {
		return s.DataLength - int64(index)*s.SegmentLength, nil
	}
	return s.SegmentLength, nil
}

// OffsetOf returns the package byte offset where a segment starts.
func (s SequenceInfo) OffsetOf(index int) (int64, error) {
	if err := s.CheckIndex(index); err != nil {
		return 0, err
	}
	return int64(index) * s.SegmentLength, nil
}

// TotalSizeOf sums the sizes of the given segments, e.g. to size one buffer
// for a multi-segment transfer. Duplicates are counted each time they appear.
func (s SequenceInfo) TotalSizeOf(indices []int) (int64, error) {
	var total int64
	for _, idx := range indices {
		size, err := s.SizeOf(idx)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func (s SequenceInfo) String() string {
	return fmt.Sprintf("%d bytes in %d segments of %d", s.DataLength, s.SegmentCount(), s.SegmentLength)
}
