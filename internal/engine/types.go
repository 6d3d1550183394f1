package engine

import (
	"context"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/peer"
)

// SegmentFetcher asks one peer for segments of a package.
type SegmentFetcher interface {
	FetchSegments(ctx context.Context, peerURL, hash string, seq domain.SequenceInfo, indices []int) ([]peer.Segment, error)
}

// DownloadJob is one batch of segments requested from one peer.
type DownloadJob struct {
	Hash       string
	NodeID     string
	PeerURL    string
	Indices    []int
	RetryCount int
}

type DownloadResult struct {
	Job DownloadJob
	// Left holds the indices of the job that are still not stored.
	Left  []int
	Error error
}
