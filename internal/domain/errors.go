package domain

import (
	"errors"
	"fmt"
)

// ErrSegmentOutOfRange indicates a segment index outside [0, segmentCount)
var ErrSegmentOutOfRange = errors.New("segment index out of range")

// ErrInvalidStatusClaim indicates a peer status claim broke one of the bitmap/byte-count rules
var ErrInvalidStatusClaim = errors.New("invalid status claim")

// ErrHashMismatch indicates a segment or package hash did not match the recorded identity
var ErrHashMismatch = errors.New("hash mismatch")

// ErrIdentityMismatch indicates an identity does not describe the sequence it was paired with
var ErrIdentityMismatch = errors.New("identity does not match sequence")

// SegmentRangeError reports which index was rejected.
type SegmentRangeError struct {
	Index int
	Count int
}

func (e *SegmentRangeError) Error() string {
	return fmt.Sprintf("segment %d out of range [0, %d)", e.Index, e.Count)
}

func (e *SegmentRangeError) Unwrap() error { return ErrSegmentOutOfRange }

// StatusClaimError is returned when a peer reports a status we refuse to record.
type StatusClaimError struct {
	Rule   string
	Detail string
}

func (e *StatusClaimError) Error() string {
	return fmt.Sprintf("invalid status claim (%s): %s", e.Rule, e.Detail)
}

func (e *StatusClaimError) Unwrap() error { return ErrInvalidStatusClaim }

// HashMismatchError identifies the segment that failed verification.
type HashMismatchError struct {
	Index    int
	Expected Hash
	Actual   Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("segment %d hash mismatch: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }
