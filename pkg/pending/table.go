// Package pending correlates outbound requests with their asynchronous
// replies. Each in-flight request owns one entry keyed by a fresh UUID; the
// entry is removed exactly once, by its reply, its timeout or cancellation.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned by Call when no reply arrives within the table timeout.
var ErrTimeout = errors.New("timed out waiting for reply")

// ErrClosed is returned for calls still pending when the table is closed.
var ErrClosed = errors.New("correlation table closed")

type outcome[T any] struct {
	val T
	err error
}

// Table holds pending requests awaiting a reply of type T.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]chan outcome[T]
	closed  error
	timeout time.Duration
}

// New creates a table whose calls time out after timeout.
// A zero timeout waits until the reply or context cancellation.
func New[T any](timeout time.Duration) *Table[T] {
	return &Table[T]{
		entries: make(map[string]chan outcome[T]),
		timeout: timeout,
	}
}

// Call registers a fresh ID, hands it to send, and waits for the reply.
// If send fails the entry is removed and the send error returned.
func (t *Table[T]) Call(ctx context.Context, send func(id string) error) (T, error) {
	var zero T

	id := uuid.NewString()
	ch := make(chan outcome[T], 1)

	t.mu.Lock()
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		return zero, err
	}
	t.entries[id] = ch
	t.mu.Unlock()

	if err := send(id); err != nil {
		t.remove(id)
		return zero, err
	}

	var timeoutC <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case o := <-ch:
		return o.val, o.err
	case <-timeoutC:
		t.remove(id)
		return zero, fmt.Errorf("request %s: %w after %s", id, ErrTimeout, t.timeout)
	case <-ctx.Done():
		t.remove(id)
		return zero, ctx.Err()
	}
}

// Resolve delivers val to the call waiting on id.
// It reports false when id is unknown (already resolved, timed out or never issued).
func (t *Table[T]) Resolve(id string, val T) bool {
	return t.deliver(id, outcome[T]{val: val})
}

// Reject delivers err to the call waiting on id.
func (t *Table[T]) Reject(id string, err error) bool {
	return t.deliver(id, outcome[T]{err: err})
}

// Len returns the number of calls still awaiting a reply.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close rejects every pending call with err and refuses new ones.
func (t *Table[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]chan outcome[T])
	t.closed = err
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- outcome[T]{err: err}
	}
}

func (t *Table[T]) deliver(id string, o outcome[T]) bool {
	ch, ok := t.remove(id)
	if !ok {
		return false
	}
	ch <- o
	return true
}

func (t *Table[T]) remove(id string) (chan outcome[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return ch, ok
}
