package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceCountAndSizes(t *testing.T) {
	for segLen := int64(1); segLen <= 9; segLen++ {
		for dataLen := int64(0); dataLen <= 40; dataLen++ {
			seq, err := NewSequenceInfo(segLen, dataLen)
			require.NoError(t, err)

			want := int((dataLen + segLen - 1) / segLen)
			require.Equal(t, want, seq.SegmentCount(), "seg=%d data=%d", segLen, dataLen)

			var sum int64
			for i := 0; i < seq.SegmentCount(); i++ {
				size, err := seq.SizeOf(i)
				require.NoError(t, err)
				require.Positive(t, size)
				off, err := seq.OffsetOf(i)
				require.NoError(t, err)
				require.Equal(t, sum, off)
				sum += size
			}
			require.Equal(t, dataLen, sum, "seg=%d data=%d", segLen, dataLen)
		}
	}
}

func TestSequenceRejectsBadInput(t *testing.T) {
	_, err := NewSequenceInfo(0, 10)
	assert.Error(t, err)
	_, err = NewSequenceInfo(4, -1)
	assert.Error(t, err)
}

func TestSequenceOutOfRange(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}

	for _, idx := range []int{-1, 3, 100} {
		_, err := seq.SizeOf(idx)
		assert.ErrorIs(t, err, ErrSegmentOutOfRange)

		var rangeErr *SegmentRangeError
		require.ErrorAs(t, err, &rangeErr)
		assert.Equal(t, idx, rangeErr.Index)
		assert.Equal(t, 3, rangeErr.Count)
	}
}

func TestSequenceTotalSizeOf(t *testing.T) {
	seq := SequenceInfo{SegmentLength: 4, DataLength: 10}

	total, err := seq.TotalSizeOf([]int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	_, err = seq.TotalSizeOf([]int{1, 3})
	assert.ErrorIs(t, err, ErrSegmentOutOfRange)
}

func TestBitmapLength(t *testing.T) {
	assert.Equal(t, 0, SequenceInfo{SegmentLength: 1, DataLength: 0}.BitmapLength())
	assert.Equal(t, 1, SequenceInfo{SegmentLength: 1, DataLength: 8}.BitmapLength())
	assert.Equal(t, 2, SequenceInfo{SegmentLength: 1, DataLength: 9}.BitmapLength())
	assert.Equal(t, 3, SequenceInfo{SegmentLength: 1, DataLength: 18}.BitmapLength())
}
