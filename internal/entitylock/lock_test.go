package entitylock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMarkWithoutTokensDrainsImmediately(t *testing.T) {
	l := New()
	done := l.MarkForDeletion()
	assert.True(t, isClosed(done))
	assert.Equal(t, StateDrained, l.State())
}

func TestDrainWaitsForEveryToken(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		l := New()
		tokens := make([]Token, 3)
		for i := range tokens {
			tok, err := l.TryAcquireShared()
			require.NoError(t, err)
			tokens[i] = tok
		}

		done := l.MarkForDeletion()
		assert.Equal(t, StateMarkedForDeletion, l.State())

		for n, idx := range order {
			assert.False(t, isClosed(done), "closed before release %d of order %v", n, order)
			l.ReleaseShared(tokens[idx])
		}
		assert.True(t, isClosed(done))
		assert.Equal(t, StateDrained, l.State())
	}
}

func TestAcquireRefusedAfterMark(t *testing.T) {
	l := New()
	tok, err := l.TryAcquireShared()
	require.NoError(t, err)

	l.MarkForDeletion()

	_, err = l.TryAcquireShared()
	assert.ErrorIs(t, err, ErrMarkedForDeletion)
	assert.ErrorIs(t, l.WithShared(func() error { return nil }), ErrMarkedForDeletion)

	l.ReleaseShared(tok)
}

func TestMarkIsIdempotent(t *testing.T) {
	l := New()
	tok, err := l.TryAcquireShared()
	require.NoError(t, err)

	first := l.MarkForDeletion()
	second := l.MarkForDeletion()
	assert.Equal(t, first, second)

	l.ReleaseShared(tok)
	assert.True(t, isClosed(first))
	assert.Equal(t, first, l.MarkForDeletion())
}

func TestDoubleReleasePanics(t *testing.T) {
	l := New()
	tok, err := l.TryAcquireShared()
	require.NoError(t, err)

	l.ReleaseShared(tok)
	assert.Panics(t, func() { l.ReleaseShared(tok) })
	assert.Panics(t, func() { l.ReleaseShared(Token(42)) })
}

func TestDrainUnblocksWaiter(t *testing.T) {
	l := New()
	tok, err := l.TryAcquireShared()
	require.NoError(t, err)

	done := l.MarkForDeletion()
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.ReleaseShared(tok)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain signal never fired")
	}
	assert.Zero(t, l.Held())
}

func TestMarkedFiresBeforeDrain(t *testing.T) {
	l := New()
	tok, err := l.TryAcquireShared()
	require.NoError(t, err)
	assert.False(t, isClosed(l.Marked()))

	done := l.MarkForDeletion()
	assert.True(t, isClosed(l.Marked()))
	assert.False(t, isClosed(done))

	l.MarkForDeletion()
	l.ReleaseShared(tok)
	assert.True(t, isClosed(done))
}
