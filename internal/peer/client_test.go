package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/pkgswarm/internal/domain"
)

func TestIndicesRoundTrip(t *testing.T) {
	assert.Equal(t, "3,0,17", FormatIndices([]int{3, 0, 17}))

	got, err := ParseIndices("3, 0,17")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0, 17}, got)

	got, err = ParseIndices("  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseIndices("1,x")
	assert.Error(t, err)
}

func TestFetchSegmentsSplitsBody(t *testing.T) {
	seq := domain.SequenceInfo{SegmentLength: 3, DataLength: 7}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/packages/abc/segments", r.URL.Path)
		assert.Equal(t, []string{"2", "0", "1"}, r.URL.Query()["i"])
		w.Header().Set(SegmentsHeader, "2,0")
		_, _ = w.Write([]byte("g" + "abc"))
	}))
	defer srv.Close()

	segs, err := NewClient(time.Second).FetchSegments(context.Background(), srv.URL, "abc", seq, []int{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Index: 2, Data: []byte("g")}, {Index: 0, Data: []byte("abc")}}, segs)
}

func TestFetchSegmentsShortBody(t *testing.T) {
	seq := domain.SequenceInfo{SegmentLength: 3, DataLength: 7}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(SegmentsHeader, "0,1")
		_, _ = w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	_, err := NewClient(time.Second).FetchSegments(context.Background(), srv.URL, "abc", seq, []int{0, 1})
	assert.ErrorContains(t, err, "short segment 1")
}

func TestFetchSegmentsOutOfRangeHeader(t *testing.T) {
	seq := domain.SequenceInfo{SegmentLength: 3, DataLength: 7}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(SegmentsHeader, "5")
	}))
	defer srv.Close()

	_, err := NewClient(time.Second).FetchSegments(context.Background(), srv.URL, "abc", seq, []int{0})
	assert.ErrorIs(t, err, domain.ErrSegmentOutOfRange)
}

func TestFailuresMapToFaults(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusServiceUnavailable, `{"fault":"choked"}`, domain.ErrChoked},
		{http.StatusNotFound, `{"fault":"package_not_found"}`, domain.ErrPackageNotFound},
		{http.StatusConflict, `{"fault":"no_matching_segments"}`, domain.ErrNoMatchingSegments},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))

		_, err := NewClient(time.Second).FetchSegments(context.Background(), srv.URL, "abc", domain.SequenceInfo{SegmentLength: 1, DataLength: 1}, []int{0})
		assert.ErrorIs(t, err, tc.want)
		srv.Close()
	}
}

func TestPlainErrorsKeepMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"disk on fire"}`))
	}))
	defer srv.Close()

	_, err := NewClient(time.Second).ListPackages(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Empty(t, domain.FaultOf(err))
}
