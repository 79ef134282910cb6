package consensus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrWatcherClosed is returned by Wait when the watcher is closed before
// the predicate holds, typically because the node is shutting down.
var ErrWatcherClosed = errors.New("watcher closed")

// Watcher distributes engine metrics updates to blocked waiters. Engines
// call Update on every state change; callers use Wait to block until a
// predicate over the metrics holds.
//
// Updates coalesce: a slow waiter sees the newest metrics, not every
// intermediate one. That is sound because all supported predicates are
// stable over the states they wait for.
type Watcher struct {
	mu      sync.RWMutex
	current Metrics

	subs   *xsync.MapOf[uint64, chan Metrics]
	nextID atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewWatcher() *Watcher {
	return &Watcher{
		subs: xsync.NewMapOf[uint64, chan Metrics](),
		done: make(chan struct{}),
	}
}

// Update publishes a new metrics snapshot to all waiters.
func (w *Watcher) Update(m Metrics) {
	w.mu.Lock()
	w.current = m
	w.mu.Unlock()

	w.subs.Range(func(_ uint64, ch chan Metrics) bool {
		// Replace a pending stale snapshot instead of blocking.
		select {
		case ch <- m:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
		return true
	})
}

// Current returns the latest published metrics.
func (w *Watcher) Current() Metrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Wait blocks until pred holds for some published metrics snapshot and
// returns that snapshot. It returns immediately if pred already holds for
// the current metrics.
func (w *Watcher) Wait(ctx context.Context, pred func(Metrics) bool) (Metrics, error) {
	if m := w.Current(); pred(m) {
		return m, nil
	}

	id := w.nextID.Add(1)
	ch := make(chan Metrics, 1)
	w.subs.Store(id, ch)
	defer w.subs.Delete(id)

	// Re-check after subscribing: an update may have slipped between the
	// fast path and Store.
	if m := w.Current(); pred(m) {
		return m, nil
	}

	for {
		select {
		case m := <-ch:
			if pred(m) {
				return m, nil
			}
		case <-w.done:
			return Metrics{}, ErrWatcherClosed
		case <-ctx.Done():
			return Metrics{}, ctx.Err()
		}
	}
}

// Close wakes all waiters with ErrWatcherClosed. Further Updates are
// allowed but no longer observable through Wait.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
