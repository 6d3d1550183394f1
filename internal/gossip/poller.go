package gossip

import (
	"context"
	"time"

	"github.com/datallboy/pkgswarm/internal/infra/logger"
)

// Fetcher pulls a peer's current announcement.
type Fetcher interface {
	GetAnnouncement(ctx context.Context, peerURL string) (Announcement, error)
}

// Poller pulls announcements from configured peers on an interval. Pushes
// are best effort; polling repairs whatever they missed.
type Poller struct {
	peers    []string
	interval time.Duration
	fetcher  Fetcher
	registry *Registry
	log      *logger.Logger
}

func NewPoller(peers []string, interval time.Duration, fetcher Fetcher, registry *Registry, log *logger.Logger) *Poller {
	return &Poller{
		peers:    peers,
		interval: interval,
		fetcher:  fetcher,
		registry: registry,
		log:      log,
	}
}

// Run polls immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
			if n := p.registry.Prune(time.Now().Add(-4 * p.interval)); n > 0 {
				p.log.Info("forgot %d silent peers", n)
			}
		}
	}
}

// PollOnce asks every peer once and returns how many answered.
func (p *Poller) PollOnce(ctx context.Context) int {
	ok := 0
	for _, peer := range p.peers {
		reqCtx, cancel := context.WithTimeout(ctx, p.interval)
		ann, err := p.fetcher.GetAnnouncement(reqCtx, peer)
		cancel()
		if err != nil {
			p.log.Debug("poll %s failed: %v", peer, err)
			continue
		}
		if err := p.registry.Receive(ann); err != nil {
			p.log.Warn("announcement from %s: %v", peer, err)
		}
		ok++
	}
	return ok
}
