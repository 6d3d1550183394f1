package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStatusClaimEighteenSegments(t *testing.T) {
	const segLen = 16
	seq := SequenceInfo{SegmentLength: segLen, DataLength: 18 * segLen}
	require.Equal(t, 3, seq.BitmapLength())

	tests := []struct {
		name  string
		claim StatusClaim
		rule  string
	}{
		{"empty bitmap", StatusClaim{IsFound: true, SegmentsBitmap: []byte{0x00, 0x00, 0x00}}, ""},
		{"last two segments", StatusClaim{IsFound: true, BytesDownloaded: 2 * segLen, SegmentsBitmap: []byte{0x00, 0x00, 0b00000011}}, ""},
		{"padding bit 18", StatusClaim{IsFound: true, BytesDownloaded: 2 * segLen, SegmentsBitmap: []byte{0x00, 0x00, 0b00000111}}, "padding"},
		{"too many bytes", StatusClaim{IsFound: true, BytesDownloaded: 18*segLen + 1}, "byte-count"},
		{"negative bytes", StatusClaim{IsFound: true, BytesDownloaded: -1}, "byte-count"},
		{"full with bitmap", StatusClaim{IsFound: true, BytesDownloaded: 18 * segLen, SegmentsBitmap: []byte{0xFF, 0xFF, 0x03}}, "full-with-bitmap"},
		{"full without bitmap", StatusClaim{IsFound: true, BytesDownloaded: 18 * segLen}, ""},
		{"short bitmap", StatusClaim{IsFound: true, SegmentsBitmap: []byte{0x01}}, "bitmap-length"},
		{"not found", StatusClaim{}, ""},
		{"not found with progress", StatusClaim{BytesDownloaded: 1}, "not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusClaim(seq, tt.claim)
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			var claimErr *StatusClaimError
			require.ErrorAs(t, err, &claimErr)
			assert.Equal(t, tt.rule, claimErr.Rule)
			assert.ErrorIs(t, err, ErrInvalidStatusClaim)
		})
	}
}

func TestMarkSegmentCompleteIdempotent(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}
	once := NewReadyToDownload(seq)
	twice := NewReadyToDownload(seq)

	added, err := once.MarkSegmentComplete(2)
	require.NoError(t, err)
	assert.True(t, added)

	for i := 0; i < 2; i++ {
		_, err := twice.MarkSegmentComplete(2)
		require.NoError(t, err)
	}

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
	assert.Equal(t, int64(2), twice.BytesDownloaded())
	assert.Equal(t, []int{0, 1}, twice.MissingSegments())
}

func TestMarkSegmentCompleteOutOfRange(t *testing.T) {
	s := NewReadyToDownload(SequenceInfo{SegmentLength: 4, DataLength: 10})
	_, err := s.MarkSegmentComplete(3)
	assert.ErrorIs(t, err, ErrSegmentOutOfRange)
}

func TestTransitionToDownloaded(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}
	s := NewReadyToDownload(seq)
	s.SetDownloading(true)
	require.True(t, s.IsDownloading())

	for i := 0; i < seq.SegmentCount(); i++ {
		_, err := s.MarkSegmentComplete(i)
		require.NoError(t, err)
	}

	assert.True(t, s.IsDownloaded())
	assert.False(t, s.IsDownloading())
	assert.Equal(t, seq.DataLength, s.BytesDownloaded())

	claim := s.Claim()
	assert.Nil(t, claim.SegmentsBitmap)
	assert.True(t, claim.IsDownloaded(seq))
	assert.NoError(t, s.ValidateStatusUpdateFromPeer(claim))

	s.SetDownloading(true)
	assert.False(t, s.IsDownloading())
}

func TestOutgoingPartialClaimIsValid(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 1, DataLength: 18}
	s := NewReadyToDownload(seq)
	for _, i := range []int{0, 9, 17} {
		_, err := s.MarkSegmentComplete(i)
		require.NoError(t, err)
	}

	claim := s.Claim()
	assert.Equal(t, []byte{0x01, 0x02, 0x02}, claim.SegmentsBitmap)
	assert.Equal(t, int64(3), claim.BytesDownloaded)
	require.NoError(t, ValidateStatusClaim(seq, claim))
	assert.True(t, claim.HasSegment(seq, 9))
	assert.False(t, claim.HasSegment(seq, 10))
}

func TestResetSegments(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}
	s := NewDownloaded(seq)

	require.NoError(t, s.ResetSegments([]int{0, 2}))
	assert.False(t, s.IsDownloaded())
	assert.Equal(t, []int{0, 2}, s.MissingSegments())
	assert.Equal(t, int64(4), s.BytesDownloaded())

	require.NoError(t, s.ResetSegments([]int{0}))
	assert.Equal(t, int64(4), s.BytesDownloaded())

	assert.ErrorIs(t, s.ResetSegments([]int{5}), ErrSegmentOutOfRange)
}

func TestRestoreDownloadStatus(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}
	s := NewReadyToDownload(seq)
	_, err := s.MarkSegmentComplete(2)
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.BytesDownloaded = 999

	restored, err := RestoreDownloadStatus(seq, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.BytesDownloaded())
	assert.True(t, restored.HasSegment(2))

	done, err := RestoreDownloadStatus(seq, StatusSnapshot{Downloaded: true})
	require.NoError(t, err)
	assert.True(t, done.IsDownloaded())

	_, err = RestoreDownloadStatus(seq, StatusSnapshot{Bitmap: []byte{0xFF}})
	assert.ErrorIs(t, err, ErrInvalidStatusClaim)
}

func TestEmptyPackageIsDownloaded(t *testing.T) {
	s := NewReadyToDownload(SequenceInfo{SegmentLength: 4})
	assert.True(t, s.IsDownloaded())
	assert.Empty(t, s.MissingSegments())
}
