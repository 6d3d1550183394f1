package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/entitylock"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/infra/logger"
)

var (
	ErrNoSources = errors.New("no peer holds the missing segments")
	ErrStalled   = errors.New("download made no progress")
)

const segmentsPerJob = 8

// Downloader completes imported packages by fetching the segments they miss
// from the peers the registry says hold them.
type Downloader struct {
	log      *logger.Logger
	manager  *Manager
	registry *gossip.Registry
	fetcher  SegmentFetcher

	workers    int
	maxRetries int
	retryBase  time.Duration
	busyDelay  time.Duration

	mu     sync.Mutex
	active map[string]bool
}

func NewDownloader(appCtx *app.Context, manager *Manager, registry *gossip.Registry, fetcher SegmentFetcher) *Downloader {
	return &Downloader{
		log:        appCtx.Logger,
		manager:    manager,
		registry:   registry,
		fetcher:    fetcher,
		workers:    appCtx.Config.Download.Workers,
		maxRetries: appCtx.Config.Download.MaxRetries,
		retryBase:  time.Second,
		busyDelay:  100 * time.Millisecond,
		active:     make(map[string]bool),
	}
}

// Run starts downloads for incomplete packages whenever something may have
// changed: a new import, a peer announcement or the periodic sweep.
func (d *Downloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		for _, pkg := range d.manager.List() {
			if pkg.Status.IsDownloaded() || !d.claim(pkg.Hash()) {
				continue
			}
			wg.Add(1)
			go func(pkg *domain.Package) {
				defer wg.Done()
				defer d.unclaim(pkg.Hash())
				err := d.Download(ctx, pkg.Hash())
				if err != nil && !errors.Is(err, ErrNoSources) && !errors.Is(err, domain.ErrPackageNotFound) && ctx.Err() == nil {
					d.log.Warn("Download of %s paused: %v", pkg.Name, err)
				}
			}(pkg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.manager.NewJobs():
		case <-d.registry.Updates():
		case <-ticker.C:
		}
	}
}

func (d *Downloader) claim(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[hash] {
		return false
	}
	d.active[hash] = true
	return true
}

func (d *Downloader) unclaim(hash string) {
	d.mu.Lock()
	delete(d.active, hash)
	d.mu.Unlock()
}

// Download fetches missing segments of one package in rounds until it is
// complete, no peer has what is missing, or a round stores nothing. It holds
// a shared token on the package throughout and stops with
// ErrPackageNotFound as soon as the package is marked for deletion.
func (d *Downloader) Download(ctx context.Context, hash string) error {
	e, release, err := d.manager.acquire(hash)
	if err != nil {
		return err
	}
	defer release()

	pkg := e.Package
	if pkg.Status.IsDownloaded() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.Lock.Marked():
			cancel()
		case <-ctx.Done():
		}
	}()

	pkg.Status.SetDownloading(true)
	defer func() {
		pkg.Status.SetDownloading(false)
		d.manager.persistStatus(context.WithoutCancel(ctx), e)
	}()

	d.log.Info("Starting download for: %s (%d MB)", pkg.Name, pkg.Sequence.DataLength/1024/1024)
	started := time.Now()

	for !pkg.Status.IsDownloaded() {
		avail := d.registry.Availability(hash, pkg.Status)
		if len(avail) == 0 {
			return ErrNoSources
		}

		stored, err := d.runWorkerPool(ctx, pkg, planJobs(hash, avail, segmentsPerJob))
		if ctxErr := ctx.Err(); ctxErr != nil {
			if e.Lock.State() != entitylock.StateOpen {
				return domain.ErrPackageNotFound
			}
			return ctxErr
		}
		if stored == 0 {
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStalled, err)
			}
			return ErrStalled
		}
	}

	d.log.Info("Finished %s in %s", pkg.Name, time.Since(started).Truncate(time.Millisecond))
	return nil
}

// StartCLIProgress renders a progress bar for one package until ctx ends.
func StartCLIProgress(ctx context.Context, pkg *domain.Package) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	started := time.Now()
	var lastBytes int64

	for {
		select {
		case <-ticker.C:
			current := pkg.Status.BytesDownloaded()
			delta := current - lastBytes
			lastBytes = current

			// Calculate instantaneous speed
			speedMbps := float64(delta) * 8 / (1024 * 1024)

			renderCLIProgress(pkg, started, speedMbps, false)
		case <-ctx.Done():
			renderCLIProgress(pkg, started, 0, true)
			fmt.Println()
			return
		}
	}
}

func renderCLIProgress(pkg *domain.Package, started time.Time, speedMbps float64, final bool) {
	current := pkg.Status.BytesDownloaded()
	total := pkg.Sequence.DataLength
	if total == 0 {
		return
	}

	elapsed := time.Since(started)
	percent := float64(current) / float64(total) * 100

	displaySpeed := speedMbps
	etaStr := "calc..."

	if final {
		seconds := max(elapsed.Seconds(), 0.1)
		displaySpeed = (float64(current) / seconds * 8) / (1024 * 1024)
	} else if avgBytesPerSec := float64(current) / elapsed.Seconds(); avgBytesPerSec > 0 {
		etaSeconds := int(float64(total-current) / avgBytesPerSec)
		etaStr = (time.Duration(etaSeconds) * time.Second).String()
	}

	const barWidth = 20
	completedWidth := int(percent / 100 * barWidth)
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	speedLabel := "Speed"
	timeLabel := "ETA"
	if final {
		speedLabel = "Avg"
		timeLabel = "Time"
		etaStr = elapsed.Truncate(time.Second).String()
	}

	fmt.Printf("\r[%s] %5.1f%% | %s: %6.2f Mbps | %s: %-7s | %d/%d segments      ",
		bar, percent, speedLabel, displaySpeed, timeLabel, etaStr,
		pkg.Sequence.SegmentCount()-len(pkg.Status.MissingSegments()), pkg.Sequence.SegmentCount())
}
