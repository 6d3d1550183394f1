package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/pkgswarm/internal/domain"
)

func testLayout(t *testing.T) (*Layout, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLayout([]domain.FileRange{
		{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 5},
		{Path: filepath.Join(dir, "empty.bin"), Offset: 0, Length: 0},
		{Path: filepath.Join(dir, "sub", "b.bin"), Offset: 0, Length: 7},
	})
	require.NoError(t, err)
	return l, dir
}

func TestSpans(t *testing.T) {
	l, dir := testLayout(t)
	assert.Equal(t, int64(12), l.Size())

	spans, err := l.Spans(3, 6)
	require.NoError(t, err)
	assert.Equal(t, []Span{
		{Path: filepath.Join(dir, "a.bin"), FileOffset: 3, PackageOffset: 3, Length: 2},
		{Path: filepath.Join(dir, "sub", "b.bin"), FileOffset: 0, PackageOffset: 5, Length: 4},
	}, spans)

	spans, err = l.Spans(6, 6)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, int64(1), spans[0].FileOffset)

	_, err = l.Spans(10, 3)
	assert.ErrorIs(t, err, ErrOutsideLayout)
	_, err = l.Spans(-1, 1)
	assert.ErrorIs(t, err, ErrOutsideLayout)
}

func TestNewLayoutRejectsBadRanges(t *testing.T) {
	_, err := NewLayout([]domain.FileRange{{Path: "", Length: 1}})
	assert.Error(t, err)
	_, err = NewLayout([]domain.FileRange{{Path: "x", Length: -1}})
	assert.Error(t, err)
}

func TestWriteThenReadAcrossFiles(t *testing.T) {
	l, dir := testLayout(t)
	fw := NewFileWriter()
	require.NoError(t, fw.PreAllocateLayout(l))

	require.NoError(t, fw.WriteSpans(l, 2, []byte("cdefg")))
	require.NoError(t, fw.WriteSpans(l, 7, []byte("hi")))
	require.NoError(t, fw.WriteSpans(l, 0, []byte("ab")))
	require.NoError(t, fw.WriteSpans(l, 9, []byte("jkl")))
	require.NoError(t, fw.CloseLayout(l))

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(a))

	r := l.Open()
	defer r.Close()

	all, err := io.ReadAll(r.Section(0, l.Size()))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijkl", string(all))

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(buf[:n]))

	n, err = r.ReadAt(buf, 10)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "kl", string(buf[:n]))
}

func TestCheckReportsEveryProblem(t *testing.T) {
	l, dir := testLayout(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("abc"), 0o644))

	problems := l.Check()
	require.Len(t, problems, 3)
	assert.ErrorIs(t, problems[0].Err, ErrFileTooShort)
	assert.Equal(t, int64(0), problems[0].PackageOffset)
	assert.ErrorIs(t, problems[1].Err, ErrFileMissing)
	assert.ErrorIs(t, problems[2].Err, ErrFileMissing)
	assert.Equal(t, int64(5), problems[2].PackageOffset)
}

func TestReaderMissingFile(t *testing.T) {
	l, _ := testLayout(t)
	r := l.Open()
	defer r.Close()

	_, err := r.ReadAt(make([]byte, 2), 0)
	assert.ErrorIs(t, err, ErrFileMissing)
}
