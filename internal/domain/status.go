package domain

import (
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
)

// StatusClaim is the wire shape of one peer's possession state for one package.
// A fully downloaded package is described by BytesDownloaded == DataLength and no bitmap.
type StatusClaim struct {
	IsFound         bool   `json:"is_found"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	SegmentsBitmap  []byte `json:"segments_bitmap,omitempty"`
}

// IsDownloaded reports whether the claim describes a complete copy.
func (c StatusClaim) IsDownloaded(seq SequenceInfo) bool {
	return c.IsFound && c.BytesDownloaded == seq.DataLength
}

// HasSegment answers for a claim that already passed ValidateStatusClaim.
func (c StatusClaim) HasSegment(seq SequenceInfo, index int) bool {
	if seq.CheckIndex(index) != nil || !c.IsFound {
		return false
	}
	if c.IsDownloaded(seq) {
		return true
	}
	if len(c.SegmentsBitmap) != seq.BitmapLength() {
		return false
	}
	return bitmap.Bitmap(c.SegmentsBitmap).Get(index)
}

// ValidateStatusClaim applies the rules every externally supplied claim must satisfy.
// The claim is untrusted input: failures are *StatusClaimError, never panics.
func ValidateStatusClaim(seq SequenceInfo, claim StatusClaim) error {
	hasBitmap := len(claim.SegmentsBitmap) > 0

	if !claim.IsFound {
		if hasBitmap || claim.BytesDownloaded != 0 {
			return &StatusClaimError{Rule: "not-found", Detail: "claim for a missing package carries progress"}
		}
		return nil
	}

	if claim.BytesDownloaded < 0 || claim.BytesDownloaded > seq.DataLength {
		return &StatusClaimError{
			Rule:   "byte-count",
			Detail: fmt.Sprintf("%d bytes outside [0, %d]", claim.BytesDownloaded, seq.DataLength),
		}
	}

	if !hasBitmap {
		return nil
	}

	if claim.BytesDownloaded == seq.DataLength {
		return &StatusClaimError{Rule: "full-with-bitmap", Detail: "fully downloaded claim carries a partial bitmap"}
	}

	if len(claim.SegmentsBitmap) != seq.BitmapLength() {
		return &StatusClaimError{
			Rule:   "bitmap-length",
			Detail: fmt.Sprintf("%d bitmap bytes, expected %d", len(claim.SegmentsBitmap), seq.BitmapLength()),
		}
	}

	bm := bitmap.Bitmap(claim.SegmentsBitmap)
	for i := seq.SegmentCount(); i < len(bm)*8; i++ {
		if bm.Get(i) {
			return &StatusClaimError{
				Rule:   "padding",
				Detail: fmt.Sprintf("bit %d set but package has %d segments", i, seq.SegmentCount()),
			}
		}
	}
	return nil
}

// StatusSnapshot is a point-in-time copy suitable for persistence.
type StatusSnapshot struct {
	Bitmap          []byte `json:"bitmap,omitempty"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	Downloaded      bool   `json:"downloaded"`
	Downloading     bool   `json:"downloading"`
}

// DownloadStatus tracks which segments of one local package are present.
// Callers hold the package's Entity Lock shared token while mutating it.
type DownloadStatus struct {
	mu          sync.RWMutex
	seq         SequenceInfo
	segments    bitmap.Bitmap // nil once every segment is present
	present     int
	bytes       int64
	downloading bool
}

// NewReadyToDownload returns an empty status: no segments, not downloading.
func NewReadyToDownload(seq SequenceInfo) *DownloadStatus {
	if seq.SegmentCount() == 0 {
		return NewDownloaded(seq)
	}
	return &DownloadStatus{
		seq:      seq,
		segments: bitmap.Bitmap(make([]byte, seq.BitmapLength())),
	}
}

// NewDownloaded returns a status for a package that is complete locally.
func NewDownloaded(seq SequenceInfo) *DownloadStatus {
	return &DownloadStatus{
		seq:     seq,
		present: seq.SegmentCount(),
		bytes:   seq.DataLength,
	}
}

// RestoreDownloadStatus rebuilds a status from a persisted snapshot.
// The byte counter is recomputed from the bitmap rather than trusted.
func RestoreDownloadStatus(seq SequenceInfo, snap StatusSnapshot) (*DownloadStatus, error) {
	if snap.Downloaded {
		return NewDownloaded(seq), nil
	}

	claim := StatusClaim{IsFound: true, SegmentsBitmap: snap.Bitmap}
	if len(snap.Bitmap) == 0 {
		return NewReadyToDownload(seq), nil
	}
	if err := ValidateStatusClaim(seq, claim); err != nil {
		return nil, fmt.Errorf("restore status: %w", err)
	}

	s := NewReadyToDownload(seq)
	copy(s.segments, snap.Bitmap)
	for i := 0; i < seq.SegmentCount(); i++ {
		if s.segments.Get(i) {
			size, _ := seq.SizeOf(i)
			s.present++
			s.bytes += size
		}
	}
	if s.present == seq.SegmentCount() {
		s.segments = nil
	}
	return s, nil
}

// ValidateStatusUpdateFromPeer checks a claim against this package's sequence.
func (s *DownloadStatus) ValidateStatusUpdateFromPeer(claim StatusClaim) error {
	return ValidateStatusClaim(s.seq, claim)
}

// Sequence returns the sequence this status describes.
func (s *DownloadStatus) Sequence() SequenceInfo { return s.seq }

// MarkSegmentComplete records a verified segment. Re-marking is a no-op;
// the bool reports whether the bit was newly set.
func (s *DownloadStatus) MarkSegmentComplete(index int) (bool, error) {
	size, err := s.seq.SizeOf(index)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.segments == nil || s.segments.Get(index) {
		return false, nil
	}

	s.segments.Set(index, true)
	s.present++
	s.bytes += size

	if s.present == s.seq.SegmentCount() {
		// Complete: the bitmap is no longer carried anywhere.
		s.segments = nil
		s.downloading = false
	}
	return true, nil
}

// ResetSegments clears segments found corrupt or missing so they are fetched again.
func (s *DownloadStatus) ResetSegments(indices []int) error {
	for _, idx := range indices {
		if err := s.seq.CheckIndex(idx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range indices {
		if s.segments == nil {
			s.segments = bitmap.Bitmap(make([]byte, s.seq.BitmapLength()))
			for i := 0; i < s.seq.SegmentCount(); i++ {
				s.segments.Set(i, true)
			}
		}
		if !s.segments.Get(idx) {
			continue
		}
		size, _ := s.seq.SizeOf(idx)
		s.segments.Set(idx, false)
		s.present--
		s.bytes -= size
	}
	return nil
}

// HasSegment reports whether a segment is present locally.
func (s *DownloadStatus) HasSegment(index int) bool {
	if s.seq.CheckIndex(index) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments == nil || s.segments.Get(index)
}

// MissingSegments lists absent segment indices in ascending order.
func (s *DownloadStatus) MissingSegments() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.segments == nil {
		return nil
	}
	missing := make([]int, 0, s.seq.SegmentCount()-s.present)
	for i := 0; i < s.seq.SegmentCount(); i++ {
		if !s.segments.Get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *DownloadStatus) IsDownloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments == nil
}

func (s *DownloadStatus) BytesDownloaded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

func (s *DownloadStatus) IsDownloading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.downloading
}

// SetDownloading flags an active download. A complete package never downloads.
func (s *DownloadStatus) SetDownloading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloading = v && s.segments != nil
}

// Claim renders the outgoing wire claim. Complete packages never carry a bitmap.
func (s *DownloadStatus) Claim() StatusClaim {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim := StatusClaim{IsFound: true, BytesDownloaded: s.bytes}
	if s.segments != nil {
		claim.SegmentsBitmap = append([]byte(nil), s.segments...)
	}
	return claim
}

// Snapshot copies the status for persistence.
func (s *DownloadStatus) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatusSnapshot{
		BytesDownloaded: s.bytes,
		Downloaded:      s.segments == nil,
		Downloading:     s.downloading,
	}
	if s.segments != nil {
		snap.Bitmap = append([]byte(nil), s.segments...)
	}
	return snap
}
