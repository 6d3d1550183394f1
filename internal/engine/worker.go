package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/gossip"
)

var errPartialResponse = errors.New("peer returned fewer segments than requested")

// planJobs spreads the segments we miss across the peers that hold them,
// preferring the least loaded holder for each segment, in batches.
func planJobs(hash string, avail []gossip.PeerSegments, batch int) []DownloadJob {
	load := make(map[string]int, len(avail))
	assigned := make(map[string][]int, len(avail))
	owner := make(map[uint32]string)

	for _, ps := range avail {
		it := ps.Segments.Iterator()
		for it.HasNext() {
			idx := it.Next()
			cur, ok := owner[idx]
			if !ok || load[ps.NodeID] < load[cur] {
				if ok {
					load[cur]--
				}
				owner[idx] = ps.NodeID
				load[ps.NodeID]++
			}
		}
	}

	for idx, node := range owner {
		assigned[node] = append(assigned[node], int(idx))
	}

	var jobs []DownloadJob
	for _, ps := range avail {
		indices := assigned[ps.NodeID]
		slices.Sort(indices)
		for start := 0; start < len(indices); start += batch {
			end := min(start+batch, len(indices))
			jobs = append(jobs, DownloadJob{
				Hash:    hash,
				NodeID:  ps.NodeID,
				PeerURL: ps.URL,
				Indices: append([]int(nil), indices[start:end]...),
			})
		}
	}
	return jobs
}

// runWorkerPool fetches every planned job, retrying failures with backoff.
// It returns the number of segments stored.
func (d *Downloader) runWorkerPool(ctx context.Context, pkg *domain.Package, planned []DownloadJob) (int, error) {
	if len(planned) == 0 {
		return 0, nil
	}

	workerCount := d.workers
	bufferSize := max(workerCount*2, len(planned))

	jobs := make(chan DownloadJob, bufferSize)
	results := make(chan DownloadResult, bufferSize)

	poolCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
	}()

	for w := 1; w <= workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(poolCtx, pkg, jobs, results)
		}()
	}

	for _, job := range planned {
		jobs <- job
	}

	outstanding := len(planned)
	stored := 0
	var finalErr error

	for outstanding > 0 {
		select {
		case <-ctx.Done():
			return stored, ctx.Err()
		case res := <-results:
			stored += len(res.Job.Indices) - len(res.Left)
			if res.Error == nil {
				outstanding--
				continue
			}

			// A choked peer is busy, not broken: retry soon without burning an attempt
			isChoked := errors.Is(res.Error, domain.ErrChoked)
			if len(res.Left) > 0 && (isChoked || res.Job.RetryCount < d.maxRetries) {
				job := res.Job
				job.Indices = res.Left
				delay := d.busyDelay

				if !isChoked {
					job.RetryCount++
					delay = time.Duration(math.Pow(2, float64(job.RetryCount))) * d.retryBase

					d.log.Warn("[Retry] %s from %s: attempt %d/%d - Error: %v",
						job.Hash, job.NodeID, job.RetryCount, d.maxRetries, res.Error)
				}

				time.AfterFunc(delay, func() {
					select {
					case <-poolCtx.Done():
					case jobs <- job:
					}
				})
				continue
			}

			d.log.Error("[FAIL] %s: %d segments from %s failed permanently: %v",
				res.Job.Hash, len(res.Left), res.Job.NodeID, res.Error)
			finalErr = fmt.Errorf("one or more segment batches failed permanently")
			outstanding--
		}
	}

	return stored, finalErr
}

// worker pulls jobs from the channel and executes them until ctx ends
func (d *Downloader) worker(ctx context.Context, pkg *domain.Package, jobs <-chan DownloadJob, results chan<- DownloadResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			left, err := d.processJob(ctx, pkg, job)
			select {
			case results <- DownloadResult{Job: job, Left: left, Error: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processJob fetches one batch and writes every returned segment through the
// verifying write path. It reports the indices still missing afterwards.
func (d *Downloader) processJob(ctx context.Context, pkg *domain.Package, job DownloadJob) ([]int, error) {
	segments, err := d.fetcher.FetchSegments(ctx, job.PeerURL, job.Hash, pkg.Sequence, job.Indices)
	if err != nil {
		return job.Indices, fmt.Errorf("fetch failed: %w", err)
	}

	var errs []error
	for _, seg := range segments {
		if err := d.manager.WriteSegment(ctx, job.Hash, seg.Index, seg.Data); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", seg.Index, err))
		}
	}

	var left []int
	for _, idx := range job.Indices {
		if !pkg.Status.HasSegment(idx) {
			left = append(left, idx)
		}
	}
	if len(left) > 0 && len(errs) == 0 {
		errs = append(errs, errPartialResponse)
	}
	return left, errors.Join(errs...)
}
