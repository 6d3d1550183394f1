package controllers

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/taskqueue"
)

// UploadSlots bounds how many segment responses are served at once. Requests
// beyond the waiting limit are choked instead of queued.
type UploadSlots struct {
	queue     *taskqueue.Queue[struct{}]
	maxQueued int
	limiter   *rate.Limiter
}

// NewUploadSlots allows slots concurrent uploads and maxQueued waiting ones.
// bytesPerSec <= 0 disables the shared upload rate limit.
func NewUploadSlots(slots, maxQueued int, bytesPerSec int64) *UploadSlots {
	u := &UploadSlots{
		queue:     taskqueue.New[struct{}](slots),
		maxQueued: maxQueued,
	}
	if bytesPerSec > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(min(bytesPerSec, 1<<20)))
	}
	return u
}

// Serve runs fn in an upload slot, waiting for one if needed. A request still
// waiting when ctx ends is abandoned; once fn has started, Serve returns only
// after fn does, so fn never outlives the caller's response.
func (u *UploadSlots) Serve(ctx context.Context, fn func(ctx context.Context) error) error {
	const (
		queued int32 = iota
		started
		abandoned
	)
	var state atomic.Int32
	done := make(chan error, 1)

	ok := u.queue.TryEnqueue(ctx, struct{}{}, func(ctx context.Context, _ struct{}) error {
		if !state.CompareAndSwap(queued, started) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			done <- err
			return nil
		}
		err := fn(ctx)
		done <- err
		return err
	}, u.maxQueued)
	if !ok {
		return domain.ErrChoked
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(queued, abandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// Writer wraps w with the shared upload rate limit.
func (u *UploadSlots) Writer(ctx context.Context, w io.Writer) io.Writer {
	if u.limiter == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, limiter: u.limiter}
}

type limitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := min(len(p), l.limiter.Burst(), 32<<10)
		if err := l.limiter.WaitN(l.ctx, chunk); err != nil {
			return written, err
		}
		n, err := l.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
