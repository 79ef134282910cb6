package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMeta/lib/meta"
)

func TestWatcherWaitImmediate(t *testing.T) {
	w := NewWatcher()
	w.Update(Metrics{Leader: 1, LeaderKnown: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, err := w.Wait(ctx, HasLeader(1))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if m.Leader != 1 {
		t.Errorf("Leader = %d, want 1", m.Leader)
	}
}

func TestWatcherWaitBlocksUntilUpdate(t *testing.T) {
	w := NewWatcher()

	done := make(chan Metrics, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, err := w.Wait(ctx, AppliedAtLeast(3))
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- m
	}()

	// Feed updates that do not satisfy the predicate, then one that does.
	w.Update(Metrics{AppliedIndex: 1})
	w.Update(Metrics{AppliedIndex: 2})

	select {
	case <-done:
		t.Fatal("Wait returned before predicate held")
	case <-time.After(50 * time.Millisecond):
	}

	w.Update(Metrics{AppliedIndex: 3})

	select {
	case m := <-done:
		if m.AppliedIndex < 3 {
			t.Errorf("AppliedIndex = %d, want >= 3", m.AppliedIndex)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after predicate held")
	}
}

// TestWatcherCoalescing checks that a waiter who only sees the newest
// update still unblocks: intermediate snapshots may be dropped.
func TestWatcherCoalescing(t *testing.T) {
	w := NewWatcher()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := w.Wait(ctx, AppliedAtLeast(100)); err != nil {
				t.Errorf("Wait() error = %v", err)
			}
		}()
	}

	// Burst of updates, faster than waiters can drain.
	for i := uint64(1); i <= 100; i++ {
		w.Update(Metrics{AppliedIndex: i})
	}

	wg.Wait()
}

func TestWatcherWaitContextCancelled(t *testing.T) {
	w := NewWatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Wait(ctx, HasLeader(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestWatcherClose(t *testing.T) {
	w := NewWatcher()

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Wait(context.Background(), HasLeader(1))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrWatcherClosed) {
			t.Errorf("Wait() error = %v, want ErrWatcherClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Close")
	}

	// Close is idempotent.
	w.Close()
}

func TestPredicates(t *testing.T) {
	m := Metrics{
		ID:           2,
		Role:         RoleLeader,
		Leader:       2,
		LeaderKnown:  true,
		AppliedIndex: 7,
		Voters:       []meta.NodeID{1, 2, 3},
	}

	tests := []struct {
		name string
		pred func(Metrics) bool
		want bool
	}{
		{"has leader matches", HasLeader(2), true},
		{"has leader other id", HasLeader(3), false},
		{"is role", IsRole(RoleLeader), true},
		{"is role mismatch", IsRole(RoleFollower), false},
		{"applied at least met", AppliedAtLeast(7), true},
		{"applied at least unmet", AppliedAtLeast(8), false},
		{"voter count", VoterCount(3), true},
		{"voter count mismatch", VoterCount(2), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(m); got != tt.want {
				t.Errorf("pred = %v, want %v", got, tt.want)
			}
		})
	}
}
