package gossip

import (
	"context"
	"time"

	"github.com/datallboy/pkgswarm/internal/infra/logger"
	"github.com/datallboy/pkgswarm/internal/taskqueue"
	"github.com/datallboy/pkgswarm/internal/throttle"
)

// Source produces the claims this node currently makes.
type Source interface {
	Claims() []PackageClaim
}

// Pusher delivers an announcement to one peer.
type Pusher interface {
	PushAnnouncement(ctx context.Context, peerURL string, a Announcement) error
}

type BroadcastConfig struct {
	NodeID          string
	URL             string
	Peers           []string
	MinDelay        time.Duration
	ScheduleDelay   time.Duration
	PushConcurrency int
}

// Broadcaster pushes this node's announcement to every peer whenever local
// status changes. Bursts of changes collapse into one throttled round, and a
// new round discards pushes of the previous one that have not started yet.
type Broadcaster struct {
	cfg    BroadcastConfig
	source Source
	pusher Pusher
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	timer  *throttle.Timer
	pushes *taskqueue.Queue[string]
}

func NewBroadcaster(cfg BroadcastConfig, source Source, pusher Pusher, log *logger.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		cfg:    cfg,
		source: source,
		pusher: pusher,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	b.pushes = taskqueue.New(cfg.PushConcurrency, taskqueue.WithErrorHandler(func(peer string, err error) {
		b.log.Warn("announce to %s failed: %v", peer, err)
	}))
	b.timer = throttle.New(cfg.MinDelay, cfg.ScheduleDelay, b.broadcast)
	return b
}

// Trigger asks for a broadcast soon. Safe to call from anywhere, never blocks.
func (b *Broadcaster) Trigger() { b.timer.Schedule() }

// Announcement builds the current announcement, also served on pull.
func (b *Broadcaster) Announcement() Announcement {
	return Announcement{
		NodeID:   b.cfg.NodeID,
		URL:      b.cfg.URL,
		SentAt:   time.Now().UTC(),
		Packages: b.source.Claims(),
	}
}

// Rounds reports how many broadcast rounds have run.
func (b *Broadcaster) Rounds() int { return b.timer.Executions() }

func (b *Broadcaster) broadcast(round int) {
	ann := b.Announcement()

	if dropped := b.pushes.ClearQueued(); dropped > 0 {
		b.log.Debug("broadcast round %d superseded %d queued pushes", round, dropped)
	}

	for _, peer := range b.cfg.Peers {
		b.pushes.Enqueue(b.ctx, peer, func(ctx context.Context, peer string) error {
			pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return b.pusher.PushAnnouncement(pushCtx, peer, ann)
		})
	}
	b.log.Debug("broadcast round %d: %d packages to %d peers", round, len(ann.Packages), len(b.cfg.Peers))
}

// Stop halts the timer, drops queued pushes and waits for running ones.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.timer.Stop()
	b.pushes.ClearQueued()
	b.cancel()
	return b.pushes.Drain(ctx)
}
