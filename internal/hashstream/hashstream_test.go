package hashstream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/storage"
)

const content = "0123456789abcdef" // 16 bytes, four segments of 4

type fixture struct {
	dir      string
	layout   *storage.Layout
	seq      domain.SequenceInfo
	identity domain.PackageIdentity
}

// newFixture splits content over a.bin (10 bytes) and b.bin (6 bytes).
func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(a, []byte(content[:10]), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(content[10:]), 0o644))

	layout, err := storage.NewLayout([]domain.FileRange{
		{Path: a, Length: 10},
		{Path: b, Length: 6},
	})
	require.NoError(t, err)

	seq, err := domain.NewSequenceInfo(4, 16)
	require.NoError(t, err)

	r := layout.Open()
	defer r.Close()
	identity, err := ComputeIdentity(context.Background(), r.Section(0, layout.Size()), seq, domain.SHA256)
	require.NoError(t, err)

	return fixture{dir: dir, layout: layout, seq: seq, identity: identity}
}

func segmentHash(t *testing.T, s string) domain.Hash {
	t.Helper()
	h, err := domain.CalculateHash(domain.SHA256, strings.NewReader(s))
	require.NoError(t, err)
	return h
}

func corrupt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt([]byte{'X'}, off)
	require.NoError(t, err)
}

func TestComputeIdentityMatchesSegmentHashes(t *testing.T) {
	fx := newFixture(t)

	want := []domain.Hash{
		segmentHash(t, "0123"),
		segmentHash(t, "4567"),
		segmentHash(t, "89ab"),
		segmentHash(t, "cdef"),
	}
	assert.Equal(t, want, fx.identity.SegmentHashes)
	assert.True(t, fx.identity.Verify(domain.SHA256))
}

func TestComputeIdentityShortStream(t *testing.T) {
	seq, err := domain.NewSequenceInfo(4, 16)
	require.NoError(t, err)

	_, err = ComputeIdentity(context.Background(), strings.NewReader(content[:14]), seq, domain.SHA256)
	assert.ErrorIs(t, err, ErrIncompleteSegment)

	_, err = ComputeIdentity(context.Background(), strings.NewReader(content+"!"), seq, domain.SHA256)
	assert.ErrorIs(t, err, ErrPastLastSegment)
}

func TestComputeIdentityHonoursContext(t *testing.T) {
	seq, err := domain.NewSequenceInfo(4, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ComputeIdentity(ctx, strings.NewReader(content), seq, domain.SHA256)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidatePackageClean(t *testing.T) {
	fx := newFixture(t)

	res, err := ValidatePackage(context.Background(), fx.layout, fx.seq, fx.identity, domain.SHA256)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 4, res.CheckedSegments)
	assert.Empty(t, res.BadSegments())
	assert.Empty(t, res.Errors)
}

func TestValidatePackageReportsEveryCorruptSegment(t *testing.T) {
	fx := newFixture(t)
	corrupt(t, filepath.Join(fx.dir, "a.bin"), 1)
	corrupt(t, filepath.Join(fx.dir, "b.bin"), 3)

	res, err := ValidatePackage(context.Background(), fx.layout, fx.seq, fx.identity, domain.SHA256)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []int{0, 3}, res.CorruptSegments)
	assert.Empty(t, res.MissingSegments)
	assert.Equal(t, 4, res.CheckedSegments)
	assert.Len(t, res.Errors, 2)
}

func TestValidatePackageMissingFile(t *testing.T) {
	fx := newFixture(t)
	corrupt(t, filepath.Join(fx.dir, "a.bin"), 1)
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "b.bin")))

	res, err := ValidatePackage(context.Background(), fx.layout, fx.seq, fx.identity, domain.SHA256)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []int{0}, res.CorruptSegments)
	assert.Equal(t, []int{2, 3}, res.MissingSegments)
	assert.Equal(t, []int{0, 2, 3}, res.BadSegments())
	assert.Equal(t, 2, res.CheckedSegments)
}

func TestValidatePackageShortFile(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.Truncate(filepath.Join(fx.dir, "a.bin"), 6))

	res, err := ValidatePackage(context.Background(), fx.layout, fx.seq, fx.identity, domain.SHA256)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []int{0, 1, 2}, res.MissingSegments)
	assert.Empty(t, res.CorruptSegments)
	assert.Equal(t, 1, res.CheckedSegments)
}

func TestValidatePackageBadIdentity(t *testing.T) {
	fx := newFixture(t)
	broken := fx.identity
	broken.SegmentHashes = broken.SegmentHashes[:3]

	res, err := ValidatePackage(context.Background(), fx.layout, fx.seq, broken, domain.SHA256)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Zero(t, res.CheckedSegments)
}

func TestVerifySegmentsWritesAndChecks(t *testing.T) {
	fx := newFixture(t)

	var out bytes.Buffer
	verified, err := VerifySegments(&out, []byte("4567"+"89ab"), 1, fx.seq, fx.identity, domain.SHA256)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, verified)
	assert.Equal(t, "456789ab", out.String())
}

func TestVerifySegmentsStopsAtMismatch(t *testing.T) {
	fx := newFixture(t)

	var out bytes.Buffer
	verified, err := VerifySegments(&out, []byte("0123"+"XXXX"+"89ab"), 0, fx.seq, fx.identity, domain.SHA256)

	var mismatch *domain.HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Index)
	assert.Equal(t, []int{0}, verified)
}

func TestVerifySegmentsPartialSegment(t *testing.T) {
	fx := newFixture(t)

	_, err := VerifySegments(&bytes.Buffer{}, []byte("cd"), 3, fx.seq, fx.identity, domain.SHA256)
	assert.ErrorIs(t, err, ErrIncompleteSegment)
}
