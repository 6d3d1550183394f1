// Package entitylock guards an entity's on-disk data with shared tokens and a
// deletion barrier: once deletion is requested no new token is handed out, and
// the deletion signal fires when the last outstanding token is released.
package entitylock

import (
	"errors"
	"fmt"
	"sync"
)

// ErrMarkedForDeletion is returned when a shared token is requested after deletion began.
var ErrMarkedForDeletion = errors.New("entity marked for deletion")

type State int

const (
	StateOpen State = iota
	StateMarkedForDeletion
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateMarkedForDeletion:
		return "marked_for_deletion"
	case StateDrained:
		return "drained"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Token is one outstanding shared claim.
type Token uint64

type Lock struct {
	mu      sync.Mutex
	tokens  map[Token]struct{}
	next    Token
	marked  bool
	markCh  chan struct{} // closed by the first MarkForDeletion
	drained chan struct{}
}

func New() *Lock {
	return &Lock{
		tokens: make(map[Token]struct{}),
		markCh: make(chan struct{}),
	}
}

// TryAcquireShared hands out a fresh token while the lock is open.
func (l *Lock) TryAcquireShared() (Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.marked {
		return 0, ErrMarkedForDeletion
	}
	l.next++
	l.tokens[l.next] = struct{}{}
	return l.next, nil
}

// ReleaseShared returns a token. Releasing a token that is not held is a
// programming error and panics, like unlocking an unlocked sync.Mutex.
func (l *Lock) ReleaseShared(t Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tokens[t]; !ok {
		panic(fmt.Sprintf("entitylock: release of token %d that is not held", t))
	}
	delete(l.tokens, t)

	if l.marked && len(l.tokens) == 0 {
		l.closeDrained()
	}
}

// MarkForDeletion refuses all future tokens and returns a channel closed once
// every outstanding token is released. Repeated calls return the same channel.
func (l *Lock) MarkForDeletion() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.marked {
		return l.drained
	}
	l.marked = true
	close(l.markCh)
	l.drained = make(chan struct{})
	if len(l.tokens) == 0 {
		l.closeDrained()
	}
	return l.drained
}

// closeDrained must be called with mu held.
func (l *Lock) closeDrained() {
	select {
	case <-l.drained:
	default:
		close(l.drained)
	}
}

// Marked is closed as soon as deletion is requested, before the drain.
// Long-running token holders watch it to give their token back early.
func (l *Lock) Marked() <-chan struct{} { return l.markCh }

func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case !l.marked:
		return StateOpen
	case len(l.tokens) > 0:
		return StateMarkedForDeletion
	default:
		return StateDrained
	}
}

// Held is the number of outstanding tokens.
func (l *Lock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

// WithShared runs fn while holding a shared token.
func (l *Lock) WithShared(fn func() error) error {
	t, err := l.TryAcquireShared()
	if err != nil {
		return err
	}
	defer l.ReleaseShared(t)
	return fn()
}
