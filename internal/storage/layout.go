package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/datallboy/pkgswarm/internal/domain"
)

var (
	ErrFileMissing   = errors.New("file missing")
	ErrFileTooShort  = errors.New("file shorter than expected")
	ErrOutsideLayout = errors.New("byte range outside layout")
)

// Layout places a package's bytes onto an ordered list of file ranges.
type Layout struct {
	ranges []domain.FileRange
	starts []int64 // package offset where each range begins
	size   int64
}

func NewLayout(ranges []domain.FileRange) (*Layout, error) {
	l := &Layout{
		ranges: make([]domain.FileRange, len(ranges)),
		starts: make([]int64, len(ranges)),
	}
	for i, r := range ranges {
		if r.Path == "" {
			return nil, fmt.Errorf("range %d has no path", i)
		}
		if r.Offset < 0 || r.Length < 0 {
			return nil, fmt.Errorf("range %d (%s) has negative offset or length", i, r.Path)
		}
		l.ranges[i] = r
		l.starts[i] = l.size
		l.size += r.Length
	}
	return l, nil
}

// Size is the total package length covered by the layout.
func (l *Layout) Size() int64 { return l.size }

func (l *Layout) Ranges() []domain.FileRange {
	out := make([]domain.FileRange, len(l.ranges))
	copy(out, l.ranges)
	return out
}

// Span is the part of a package byte range that lives in one file.
type Span struct {
	Path          string
	FileOffset    int64
	PackageOffset int64
	Length        int64
}

// Spans maps [off, off+length) onto the files holding it.
func (l *Layout) Spans(off, length int64) ([]Span, error) {
	if off < 0 || length < 0 || off+length > l.size {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutsideLayout, off, off+length, l.size)
	}

	var spans []Span
	end := off + length
	for i, r := range l.ranges {
		start := l.starts[i]
		stop := start + r.Length
		if stop <= off || r.Length == 0 {
			continue
		}
		if start >= end {
			break
		}
		from := max(off, start)
		to := min(end, stop)
		spans = append(spans, Span{
			Path:          r.Path,
			FileOffset:    r.Offset + (from - start),
			PackageOffset: from,
			Length:        to - from,
		})
	}
	return spans, nil
}

// RangeProblem describes one file range that cannot be read in full.
type RangeProblem struct {
	Range         domain.FileRange
	PackageOffset int64
	Err           error
}

func (p RangeProblem) Error() string {
	return fmt.Sprintf("%s: %v", p.Range.Path, p.Err)
}

// Check stats every file and reports missing or short ones without stopping at the first.
func (l *Layout) Check() []RangeProblem {
	var problems []RangeProblem
	for i, r := range l.ranges {
		info, err := os.Stat(r.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			problems = append(problems, RangeProblem{Range: r, PackageOffset: l.starts[i], Err: ErrFileMissing})
		case err != nil:
			problems = append(problems, RangeProblem{Range: r, PackageOffset: l.starts[i], Err: err})
		case info.Size() < r.Offset+r.Length:
			problems = append(problems, RangeProblem{
				Range:         r,
				PackageOffset: l.starts[i],
				Err:           fmt.Errorf("%w: size %d, expected at least %d", ErrFileTooShort, info.Size(), r.Offset+r.Length),
			})
		}
	}
	return problems
}
