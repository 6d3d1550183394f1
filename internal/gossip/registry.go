package gossip

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/datallboy/pkgswarm/internal/domain"
)

var ErrEmptyNodeID = errors.New("announcement has no node id")

// ClaimError reports a peer claim that failed validation.
type ClaimError struct {
	NodeID      string
	PackageHash string
	Err         error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim from %s for %s rejected: %v", e.NodeID, e.PackageHash, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// LocalIndex resolves package hashes the node knows about locally.
type LocalIndex interface {
	Status(hash string) (*domain.DownloadStatus, bool)
}

// Holder is one peer's validated claim on a package.
type Holder struct {
	NodeID string
	URL    string
	Claim  domain.StatusClaim
}

// PeerSegments lists segments one peer holds that we still lack.
type PeerSegments struct {
	NodeID   string
	URL      string
	Segments *roaring.Bitmap
}

type peerState struct {
	url    string
	seen   time.Time
	claims map[string]domain.StatusClaim
}

type Registry struct {
	self  string
	local LocalIndex

	mu    sync.RWMutex
	peers map[string]*peerState

	updates chan struct{}
}

func NewRegistry(self string, local LocalIndex) *Registry {
	return &Registry{
		self:    self,
		local:   local,
		peers:   make(map[string]*peerState),
		updates: make(chan struct{}, 1),
	}
}

// Updates fires (coalesced) after an announcement changed what peers hold.
func (r *Registry) Updates() <-chan struct{} { return r.updates }

// Receive replaces a peer's view with the claims of its announcement.
// Claims for packages we hold are validated against our sequence first;
// rejected claims are dropped and reported together in the returned error.
func (r *Registry) Receive(a Announcement) error {
	if a.NodeID == "" {
		return ErrEmptyNodeID
	}
	if a.NodeID == r.self {
		return nil
	}

	claims := make(map[string]domain.StatusClaim, len(a.Packages))
	var errs []error
	for _, pc := range a.Packages {
		if status, ok := r.local.Status(pc.PackageHash); ok {
			if err := status.ValidateStatusUpdateFromPeer(pc.StatusClaim); err != nil {
				errs = append(errs, &ClaimError{NodeID: a.NodeID, PackageHash: pc.PackageHash, Err: err})
				continue
			}
		}
		if !pc.IsFound {
			continue
		}
		claims[pc.PackageHash] = pc.StatusClaim
	}

	r.mu.Lock()
	r.peers[a.NodeID] = &peerState{url: a.URL, seen: time.Now(), claims: claims}
	r.mu.Unlock()

	select {
	case r.updates <- struct{}{}:
	default:
	}

	return errors.Join(errs...)
}

// Forget drops everything known about a node.
func (r *Registry) Forget(nodeID string) {
	r.mu.Lock()
	delete(r.peers, nodeID)
	r.mu.Unlock()
}

// Prune forgets nodes not heard from since the cutoff.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.peers {
		if p.seen.Before(cutoff) {
			delete(r.peers, id)
			n++
		}
	}
	return n
}

// Holders returns every peer claiming any part of hash, ordered by node id.
func (r *Registry) Holders(hash string) []Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Holder
	for id, p := range r.peers {
		if c, ok := p.claims[hash]; ok {
			out = append(out, Holder{NodeID: id, URL: p.url, Claim: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RemoteOnly lists package hashes peers hold that are unknown locally.
func (r *Registry) RemoteOnly() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for _, p := range r.peers {
		for hash := range p.claims {
			if _, ok := r.local.Status(hash); !ok {
				set[hash] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Availability intersects each holder's claim with what we are missing.
// Claims stored before the package was known locally were never checked, so
// every claim is validated against the local sequence here; invalid ones and
// peers with nothing useful are left out.
func (r *Registry) Availability(hash string, local *domain.DownloadStatus) []PeerSegments {
	seq := local.Sequence()
	missing := roaring.New()
	for _, i := range local.MissingSegments() {
		missing.Add(uint32(i))
	}
	if missing.IsEmpty() {
		return nil
	}

	var out []PeerSegments
	for _, h := range r.Holders(hash) {
		if err := domain.ValidateStatusClaim(seq, h.Claim); err != nil {
			continue
		}
		held := claimBitmap(seq, h.Claim)
		held.And(missing)
		if held.IsEmpty() {
			continue
		}
		out = append(out, PeerSegments{NodeID: h.NodeID, URL: h.URL, Segments: held})
	}
	return out
}

// claimBitmap expands a claim into the set of segments it covers. A claim
// without a bitmap only counts when it says the package is complete.
func claimBitmap(seq domain.SequenceInfo, c domain.StatusClaim) *roaring.Bitmap {
	bm := roaring.New()
	count := seq.SegmentCount()
	if c.IsDownloaded(seq) {
		bm.AddRange(0, uint64(count))
		return bm
	}
	for i := 0; i < count; i++ {
		if c.HasSegment(seq, i) {
			bm.Add(uint32(i))
		}
	}
	return bm
}
