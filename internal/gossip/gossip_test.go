package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/infra/logger"
)

type fakeIndex map[string]*domain.DownloadStatus

func (f fakeIndex) Status(hash string) (*domain.DownloadStatus, bool) {
	s, ok := f[hash]
	return s, ok
}

// 18 segments of 1 byte: bitmap is 3 bytes, top 6 bits of the last are padding.
var seq18 = domain.SequenceInfo{SegmentLength: 1, DataLength: 18}

func TestRegistryReceiveValidatesLocalPackages(t *testing.T) {
	local := domain.NewReadyToDownload(seq18)
	reg := NewRegistry("self", fakeIndex{"aa": local})

	err := reg.Receive(Announcement{
		NodeID: "peer-1",
		URL:    "http://peer-1",
		Packages: []PackageClaim{
			{PackageHash: "aa", StatusClaim: domain.StatusClaim{IsFound: true, BytesDownloaded: 2, SegmentsBitmap: []byte{0x03, 0x00}}},
			{PackageHash: "bb", StatusClaim: domain.StatusClaim{IsFound: true, BytesDownloaded: 7}},
		},
	})

	var claimErr *ClaimError
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, "aa", claimErr.PackageHash)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusClaim)

	assert.Empty(t, reg.Holders("aa"))
	require.Len(t, reg.Holders("bb"), 1)
	assert.Equal(t, []string{"bb"}, reg.RemoteOnly())
}

func TestRegistryIgnoresSelfAndReplacesView(t *testing.T) {
	reg := NewRegistry("self", fakeIndex{})
	require.NoError(t, reg.Receive(Announcement{NodeID: "self", Packages: []PackageClaim{{PackageHash: "x", StatusClaim: domain.StatusClaim{IsFound: true}}}}))
	assert.Empty(t, reg.Holders("x"))

	require.NoError(t, reg.Receive(Announcement{NodeID: "p", Packages: []PackageClaim{{PackageHash: "x", StatusClaim: domain.StatusClaim{IsFound: true}}}}))
	require.Len(t, reg.Holders("x"), 1)

	require.NoError(t, reg.Receive(Announcement{NodeID: "p"}))
	assert.Empty(t, reg.Holders("x"))

	assert.ErrorIs(t, reg.Receive(Announcement{}), ErrEmptyNodeID)
}

func TestRegistryAvailability(t *testing.T) {
	local := domain.NewReadyToDownload(seq18)
	for _, i := range []int{0, 1, 2} {
		_, err := local.MarkSegmentComplete(i)
		require.NoError(t, err)
	}
	reg := NewRegistry("self", fakeIndex{"aa": local})

	partial := domain.StatusClaim{IsFound: true, BytesDownloaded: 4, SegmentsBitmap: []byte{0x0F, 0x00, 0x00}}
	full := domain.StatusClaim{IsFound: true, BytesDownloaded: 18}
	stale := domain.StatusClaim{IsFound: true, BytesDownloaded: 2, SegmentsBitmap: []byte{0x03, 0x00, 0x00}}

	require.NoError(t, reg.Receive(Announcement{NodeID: "a", URL: "http://a", Packages: []PackageClaim{{PackageHash: "aa", StatusClaim: partial}}}))
	require.NoError(t, reg.Receive(Announcement{NodeID: "b", URL: "http://b", Packages: []PackageClaim{{PackageHash: "aa", StatusClaim: full}}}))
	require.NoError(t, reg.Receive(Announcement{NodeID: "c", URL: "http://c", Packages: []PackageClaim{{PackageHash: "aa", StatusClaim: stale}}}))

	avail := reg.Availability("aa", local)
	require.Len(t, avail, 2)
	assert.Equal(t, "a", avail[0].NodeID)
	assert.Equal(t, []uint32{3}, avail[0].Segments.ToArray())
	assert.Equal(t, "b", avail[1].NodeID)
	assert.Equal(t, uint64(15), avail[1].Segments.GetCardinality())

	select {
	case <-reg.Updates():
	default:
		t.Fatal("expected an update signal")
	}
}

func TestAvailabilityRevalidatesEarlyClaims(t *testing.T) {
	index := fakeIndex{}
	reg := NewRegistry("self", index)

	// Accepted unchecked while the package is unknown here.
	bad := domain.StatusClaim{IsFound: true, BytesDownloaded: 18, SegmentsBitmap: []byte{0, 0, 0}}
	good := domain.StatusClaim{IsFound: true, BytesDownloaded: 1, SegmentsBitmap: []byte{0x00, 0x00, 0x02}}
	require.NoError(t, reg.Receive(Announcement{NodeID: "p", URL: "http://p", Packages: []PackageClaim{{PackageHash: "aa", StatusClaim: bad}}}))
	require.NoError(t, reg.Receive(Announcement{NodeID: "q", URL: "http://q", Packages: []PackageClaim{{PackageHash: "aa", StatusClaim: good}}}))
	require.Len(t, reg.Holders("aa"), 2)

	local := domain.NewReadyToDownload(seq18)
	index["aa"] = local

	avail := reg.Availability("aa", local)
	require.Len(t, avail, 1)
	assert.Equal(t, "q", avail[0].NodeID)
	assert.Equal(t, []uint32{17}, avail[0].Segments.ToArray())
}

func TestRegistryPrune(t *testing.T) {
	reg := NewRegistry("self", fakeIndex{})
	require.NoError(t, reg.Receive(Announcement{NodeID: "p", Packages: []PackageClaim{{PackageHash: "x", StatusClaim: domain.StatusClaim{IsFound: true}}}}))
	assert.Equal(t, 1, reg.Prune(time.Now().Add(time.Minute)))
	assert.Empty(t, reg.Holders("x"))
}

type staticSource []PackageClaim

func (s staticSource) Claims() []PackageClaim { return s }

type recordingPusher struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingPusher) PushAnnouncement(_ context.Context, peer string, _ Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[peer]++
	return nil
}

func (r *recordingPusher) count(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[peer]
}

func TestBroadcasterCoalescesTriggers(t *testing.T) {
	pusher := &recordingPusher{calls: map[string]int{}}
	b := NewBroadcaster(BroadcastConfig{
		NodeID:          "self",
		URL:             "http://self",
		Peers:           []string{"http://a", "http://b"},
		MinDelay:        50 * time.Millisecond,
		ScheduleDelay:   20 * time.Millisecond,
		PushConcurrency: 2,
	}, staticSource{{PackageHash: "aa"}}, pusher, logger.Nop())

	for i := 0; i < 10; i++ {
		b.Trigger()
	}

	require.Eventually(t, func() bool { return pusher.count("http://b") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, b.Rounds())
	assert.Equal(t, 1, pusher.count("http://a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	b.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.Rounds())
}

type cannedFetcher map[string]Announcement

func (c cannedFetcher) GetAnnouncement(_ context.Context, peer string) (Announcement, error) {
	a, ok := c[peer]
	if !ok {
		return Announcement{}, context.DeadlineExceeded
	}
	return a, nil
}

func TestPollerPollOnce(t *testing.T) {
	reg := NewRegistry("self", fakeIndex{})
	fetcher := cannedFetcher{
		"http://a": {NodeID: "a", URL: "http://a", Packages: []PackageClaim{{PackageHash: "x", StatusClaim: domain.StatusClaim{IsFound: true, BytesDownloaded: 1}}}},
	}
	p := NewPoller([]string{"http://a", "http://down"}, time.Second, fetcher, reg, logger.Nop())

	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Len(t, reg.Holders("x"), 1)
}
