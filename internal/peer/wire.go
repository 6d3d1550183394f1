package peer

import (
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
)

// SegmentsHeader lists, in order, the segment indices a segment response body holds.
const SegmentsHeader = "X-Pkgswarm-Segments"

// FaultResponse is the body of a refused segment request.
type FaultResponse struct {
	Fault string `json:"fault"`
}

// ErrorResponse is the body of any other failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PackageInfo is the public summary of a local package.
type PackageInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Hash            string    `json:"hash"`
	SegmentLength   int64     `json:"segment_length"`
	DataLength      int64     `json:"data_length"`
	SegmentCount    int       `json:"segment_count"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	Downloaded      bool      `json:"downloaded"`
	Downloading     bool      `json:"downloading"`
	Missing         int       `json:"missing_segments"`
	Lock            string    `json:"lock"`
	CreatedAt       time.Time `json:"created_at"`
}

// InfoOf summarizes a live package.
func InfoOf(p *domain.Package) PackageInfo {
	return PackageInfo{
		ID:              p.ID,
		Name:            p.Name,
		Hash:            p.Hash(),
		SegmentLength:   p.Sequence.SegmentLength,
		DataLength:      p.Sequence.DataLength,
		SegmentCount:    p.Sequence.SegmentCount(),
		BytesDownloaded: p.Status.BytesDownloaded(),
		Downloaded:      p.Status.IsDownloaded(),
		Downloading:     p.Status.IsDownloading(),
		Missing:         len(p.Status.MissingSegments()),
		Lock:            p.Lock.State().String(),
		CreatedAt:       p.CreatedAt,
	}
}

func FormatIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func ParseIndices(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
