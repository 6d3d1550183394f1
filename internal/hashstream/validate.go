package hashstream

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/storage"
)

// ValidationResult reports a whole-package validation.
//
// Missing files, short files, unreadable ranges and hash mismatches are
// collected here rather than returned as errors, so one pass lists every
// bad segment.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	PackageHash     string   `json:"package_hash"`
	SegmentCount    int      `json:"segment_count"`
	CheckedSegments int      `json:"checked_segments"`
	CorruptSegments []int    `json:"corrupt_segments,omitempty"`
	MissingSegments []int    `json:"missing_segments,omitempty"`
	Errors          []string `json:"errors"`
}

// BadSegments is the sorted union of corrupt and missing segments.
func (r *ValidationResult) BadSegments() []int {
	out := append(append([]int(nil), r.CorruptSegments...), r.MissingSegments...)
	sort.Ints(out)
	return out
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidatePackage re-reads a package from disk and checks it against its identity.
//
// The returned error is reserved for a cancelled ctx; every expected failure
// mode lands in the result.
func ValidatePackage(ctx context.Context, layout *storage.Layout, seq domain.SequenceInfo, identity domain.PackageIdentity, newHash domain.HashFunc) (*ValidationResult, error) {
	result := &ValidationResult{
		Valid:        true,
		PackageHash:  identity.PackageHash.String(),
		SegmentCount: seq.SegmentCount(),
		Errors:       make([]string, 0),
	}

	if err := identity.CheckSequence(seq); err != nil {
		result.fail("%v", err)
		return result, nil
	}
	if !identity.Verify(newHash) {
		result.fail("package hash does not match its segment hashes")
	}
	if layout.Size() != seq.DataLength {
		result.fail("layout covers %d bytes, package has %d", layout.Size(), seq.DataLength)
		return result, nil
	}

	missing := make(map[int]bool)
	for _, p := range layout.Check() {
		result.fail("%v", p)
		for _, idx := range segmentsIn(seq, p.PackageOffset, p.Range.Length) {
			missing[idx] = true
		}
	}

	reader := layout.Open()
	defer reader.Close()

	validator := NewValidator(identity)
	count := seq.SegmentCount()

	for start := 0; start < count; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if missing[start] {
			start++
			continue
		}

		end := start
		for end < count && !missing[end] {
			end++
		}

		next, err := validateRun(ctx, reader, seq, newHash, validator, start, end)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result.fail("segment %d unreadable: %v", next, err)
			missing[next] = true
			next++
		}
		start = next
	}

	for _, idx := range validator.Mismatches() {
		result.CorruptSegments = append(result.CorruptSegments, idx)
		result.fail("segment %d hash mismatch", idx)
	}
	result.CheckedSegments = len(validator.Verified()) + len(result.CorruptSegments)

	for idx := range missing {
		result.MissingSegments = append(result.MissingSegments, idx)
	}
	sort.Ints(result.MissingSegments)
	sort.Ints(result.CorruptSegments)

	return result, nil
}

// validateRun streams segments [start, end) through one pipeline. On a read
// failure it returns the segment being read when the failure happened.
func validateRun(ctx context.Context, reader *storage.Reader, seq domain.SequenceInfo, newHash domain.HashFunc, validator *Validator, start, end int) (int, error) {
	from, _ := seq.OffsetOf(start)
	var to int64
	if end == seq.SegmentCount() {
		to = seq.DataLength
	} else {
		to, _ = seq.OffsetOf(end)
	}

	seg, err := NewSegmenter(seq, newHash, validator, start)
	if err != nil {
		return start, err
	}

	stream := NewReader(ctxReader{ctx: ctx, r: reader.Section(from, to-from)}, seg)
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return min(seg.Index(), end-1), err
	}
	return end, nil
}

// segmentsIn lists the segments overlapping [off, off+length).
func segmentsIn(seq domain.SequenceInfo, off, length int64) []int {
	if length <= 0 || seq.SegmentLength <= 0 {
		return nil
	}
	first := int(off / seq.SegmentLength)
	last := int((off + length - 1) / seq.SegmentLength)
	if last >= seq.SegmentCount() {
		last = seq.SegmentCount() - 1
	}

	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}
