// Package limiter implements a bounded, FIFO concurrency limiter: at
// most N submitted tasks run concurrently, additional submissions
// queue until a slot frees. It generalizes the teacher's byte-rate
// limiting idiom (internal/backend/sema.Semaphore,
// internal/backend/limiter.StaticLimiter) from rate-limiting I/O to
// limiting the number of concurrent in-flight operations.
package limiter

import (
	"container/list"
	"context"
	"sync"

	"github.com/chunkup/engine/internal/errors"
)

// ErrCleared is returned to callers whose queued task was dropped by
// ClearQueue.
var ErrCleared = errors.New("limiter: queue cleared")

// Limiter runs at most `limit` submitted tasks concurrently; extra
// submissions wait in FIFO order for a free slot.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	active int
	waitQ  *list.List // of *waiter
}

type waiter struct {
	ready chan struct{}
	freed bool
}

// New returns a Limiter that allows at most limit concurrent
// invocations. limit must be positive.
func New(limit int) *Limiter {
	if limit <= 0 {
		panic("limiter: limit must be positive")
	}
	return &Limiter{limit: limit, waitQ: list.New()}
}

// Run blocks until fewer than the current limit tasks are active, then
// invokes task and returns its result. If ctx is cancelled while
// waiting for a slot, Run returns ctx.Err() without invoking task.
func Run[T any](ctx context.Context, l *Limiter, task func() (T, error)) (T, error) {
	var zero T
	if err := l.acquire(ctx); err != nil {
		return zero, err
	}
	defer l.release()
	return task()
}

// acquire blocks until a slot is available or ctx is done / the
// waiter is cleared by ClearQueue.
func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.limit {
		l.active++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := l.waitQ.PushBack(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		if w.freed {
			return ErrCleared
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// Best-effort removal; if we already got dequeued by release()
		// concurrently, removing a value not present is a no-op.
		for e := l.waitQ.Front(); e != nil; e = e.Next() {
			if e == elem {
				l.waitQ.Remove(e)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	if l.active <= l.limit {
		if front := l.waitQ.Front(); front != nil {
			l.waitQ.Remove(front)
			w := front.Value.(*waiter)
			l.mu.Unlock()
			close(w.ready)
			return
		}
	}
	l.active--
	l.mu.Unlock()
}

// ActiveCount returns the number of tasks currently running.
func (l *Limiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// PendingCount returns the number of tasks waiting for a slot.
func (l *Limiter) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitQ.Len()
}

// UpdateLimit changes the concurrency limit. A larger limit may
// immediately release queued waiters; a smaller limit never cancels
// in-flight work, it only restricts future admissions.
func (l *Limiter) UpdateLimit(n int) {
	if n <= 0 {
		panic("limiter: limit must be positive")
	}
	l.mu.Lock()
	l.limit = n
	var toRelease []*waiter
	for l.active < l.limit {
		front := l.waitQ.Front()
		if front == nil {
			break
		}
		l.waitQ.Remove(front)
		l.active++
		toRelease = append(toRelease, front.Value.(*waiter))
	}
	l.mu.Unlock()
	for _, w := range toRelease {
		close(w.ready)
	}
}

// ClearQueue rejects every currently queued (not yet running) task
// with ErrCleared. Running tasks are unaffected.
func (l *Limiter) ClearQueue() {
	l.mu.Lock()
	var toReject []*waiter
	for e := l.waitQ.Front(); e != nil; e = e.Next() {
		toReject = append(toReject, e.Value.(*waiter))
	}
	l.waitQ.Init()
	l.mu.Unlock()

	for _, w := range toReject {
		w.freed = true
		close(w.ready)
	}
}
