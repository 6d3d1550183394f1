// Package throttle coalesces bursts of "something changed" signals into
// single, rate-limited, strictly sequential executions.
package throttle

import (
	"sync"
	"time"
)

// Func is invoked on the timer goroutine with a zero-based execution index.
type Func func(index int)

type Timer struct {
	minDelay      time.Duration // floor between one run's end and the next run's start
	scheduleDelay time.Duration // settle window after the first trigger of a burst
	fn            Func

	mu         sync.Mutex
	pending    bool
	running    bool
	rerun      bool
	stopped    bool
	lastEnd    time.Time
	executions int
	timer      *time.Timer
}

func New(minDelay, scheduleDelay time.Duration, fn Func) *Timer {
	return &Timer{
		minDelay:      minDelay,
		scheduleDelay: scheduleDelay,
		fn:            fn,
	}
}

// Schedule requests an execution. It never blocks. Calls made while a run is
// pending are absorbed; a call made while a run executes queues exactly one rerun.
func (t *Timer) Schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.pending {
		return
	}
	if t.running {
		t.rerun = true
		return
	}
	t.arm()
}

// arm must be called with mu held.
func (t *Timer) arm() {
	now := time.Now()
	next := now.Add(t.scheduleDelay)
	if !t.lastEnd.IsZero() {
		if earliest := t.lastEnd.Add(t.minDelay); earliest.After(next) {
			next = earliest
		}
	}

	t.pending = true
	t.timer = time.AfterFunc(next.Sub(now), t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.pending = false
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.running = true
	index := t.executions
	t.executions++
	t.mu.Unlock()

	t.fn(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.lastEnd = time.Now()
	if t.rerun && !t.stopped {
		t.rerun = false
		t.arm()
	}
}

// Stop is terminal: the pending run is cancelled and later Schedule calls do nothing.
// A run already executing finishes.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.rerun = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Executions is how many runs have started.
func (t *Timer) Executions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executions
}
