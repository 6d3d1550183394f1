// Package taskqueue runs units of work in FIFO start order with a hard ceiling
// on how many run at once. Waiting work sits in an unbounded queue.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
)

// Work is one unit of work bound to its argument when it starts.
type Work[T any] func(ctx context.Context, arg T) error

// Item pairs an argument with the function that processes it.
type Item[T any] struct {
	Ctx  context.Context
	Arg  T
	Work Work[T]
}

type Option[T any] func(*Queue[T])

// WithErrorHandler receives the error of every unit that fails.
func WithErrorHandler[T any](fn func(arg T, err error)) Option[T] {
	return func(q *Queue[T]) {
		q.onError = fn
	}
}

type Queue[T any] struct {
	limit   int
	onError func(arg T, err error)

	mu      sync.Mutex
	pending []Item[T]
	running int
	idle    chan struct{} // closed while nothing runs and nothing waits
}

// New creates a queue running at most limit units concurrently (minimum 1).
func New[T any](limit int, opts ...Option[T]) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	idle := make(chan struct{})
	close(idle)

	q := &Queue[T]{
		limit: limit,
		idle:  idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends work to the tail and starts as many head items as the limit allows.
func (q *Queue[T]) Enqueue(ctx context.Context, arg T, work Work[T]) {
	q.mu.Lock()
	q.pending = append(q.pending, Item[T]{Ctx: ctx, Arg: arg, Work: work})
	starts := q.takeStartable()
	q.mu.Unlock()

	q.launch(starts)
}

// TryEnqueue is Enqueue with admission control: when every slot is busy and
// at least maxQueued items already wait, nothing is appended and it reports false.
// The check and the append happen under one lock.
func (q *Queue[T]) TryEnqueue(ctx context.Context, arg T, work Work[T], maxQueued int) bool {
	q.mu.Lock()
	if q.running >= q.limit && len(q.pending) >= maxQueued {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, Item[T]{Ctx: ctx, Arg: arg, Work: work})
	starts := q.takeStartable()
	q.mu.Unlock()

	q.launch(starts)
	return true
}

// takeStartable pops head items up to the limit. Must be called with mu held.
func (q *Queue[T]) takeStartable() []Item[T] {
	var starts []Item[T]
	for q.running < q.limit && len(q.pending) > 0 {
		item := q.pending[0]
		q.pending[0] = Item[T]{}
		q.pending = q.pending[1:]
		q.running++
		starts = append(starts, item)
	}

	if len(starts) > 0 {
		select {
		case <-q.idle:
			q.idle = make(chan struct{})
		default:
		}
	}
	return starts
}

func (q *Queue[T]) launch(items []Item[T]) {
	for _, item := range items {
		go q.run(item)
	}
}

func (q *Queue[T]) run(item Item[T]) {
	err := q.invoke(item)
	if err != nil && q.onError != nil {
		q.onError(item.Arg, err)
	}

	q.mu.Lock()
	q.running--
	starts := q.takeStartable()
	q.markIdleIfDone()
	q.mu.Unlock()

	q.launch(starts)
}

func (q *Queue[T]) invoke(item Item[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskqueue: work panicked: %v", r)
		}
	}()

	ctx := item.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return item.Work(ctx, item.Arg)
}

// markIdleIfDone must be called with mu held.
func (q *Queue[T]) markIdleIfDone() {
	if q.running > 0 || len(q.pending) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// ClearQueued drops every item that has not started. Running items are untouched.
func (q *Queue[T]) ClearQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	q.pending = nil
	q.markIdleIfDone()
	return n
}

// Drain blocks until nothing is running and nothing is queued, or ctx ends.
func (q *Queue[T]) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue[T]) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[T]) Limit() int { return q.limit }
