package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/internal/domain"
	"connector/internal/store"
	"connector/internal/store/storetest"
)

const (
	pending    = 100
	reviewing  = 150
	done       = 200
	terminated = 900
)

var testStates = domain.StateSet{
	Kind:       "widget",
	Names:      map[int]string{pending: "PENDING", reviewing: "REVIEWING", done: "DONE", terminated: "TERMINATED"},
	Terminal:   []int{done, terminated},
	Terminated: terminated,
}

func newStore(t *testing.T, clock *storetest.Clock, ids ...string) *store.Memory[*storetest.Widget] {
	t.Helper()
	st, err := store.NewMemory[*storetest.Widget](storetest.Options("alpha", clock))
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, st.Create(context.Background(), &storetest.Widget{Entity: domain.Entity{ID: id, State: pending}}))
	}
	return st
}

func newManager(t *testing.T, st store.Store[*storetest.Widget], clock *storetest.Clock, cfg Config, action Action[*storetest.Widget]) *Manager[*storetest.Widget] {
	t.Helper()
	cfg.States = testStates
	cfg.Clock.Now = clock.Now
	m, err := New[*storetest.Widget](st, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Register(Processor[*storetest.Widget]{State: pending, Action: action}))
	return m
}

func TestAdvanceSavesAndReleases(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	m := newManager(t, st, clock, Config{}, func(_ context.Context, w *storetest.Widget) Outcome {
		w.Label = "processed"
		return Advance(done)
	})

	var seen []string
	m.OnTransition(func(_ context.Context, w *storetest.Widget, from, to int) {
		seen = append(seen, fmt.Sprintf("%s:%d->%d", w.ID, from, to))
	})

	n, err := m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, done, w.State)
	require.Equal(t, "processed", w.Label)
	require.Zero(t, w.StateCount)
	require.Equal(t, []string{"w1:100->200"}, seen)

	_, err = st.Lease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err = m.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBatchIsOrderedAcrossStates(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "a1", "a2")
	require.NoError(t, st.Create(ctx, &storetest.Widget{Entity: domain.Entity{ID: "old-b", State: reviewing, StateTimestamp: clock.Now().Add(-time.Hour)}}))

	var seen []string
	record := func(_ context.Context, w *storetest.Widget) Outcome {
		seen = append(seen, w.ID)
		return Advance(done)
	}
	m := newManager(t, st, clock, Config{BatchSize: 2}, record)
	require.NoError(t, m.Register(Processor[*storetest.Widget]{State: reviewing, Action: record}))

	n, err := m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"old-b", "a1"}, seen)

	n, err = m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"old-b", "a1", "a2"}, seen)
}

func TestRetryCeilingTerminates(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	var attempts int
	m := newManager(t, st, clock, Config{RetryLimit: 2, RetryBackoff: 5 * time.Second}, func(context.Context, *storetest.Widget) Outcome {
		attempts++
		return Retry(errors.New("counter-party unavailable"))
	})

	for i := 1; i <= 2; i++ {
		n, err := m.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		w, err := st.FindByID(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, pending, w.State)
		require.Equal(t, i, w.StateCount)

		// Held for the backoff, then eligible again.
		n, err = m.RunOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		clock.Advance(5 * time.Second)
	}

	_, err := m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, terminated, w.State)
	require.Zero(t, w.StateCount)
	require.Contains(t, w.ErrorDetail, "retry limit 2 exceeded in state PENDING")
	require.Contains(t, w.ErrorDetail, "counter-party unavailable")

	_, err = st.Lease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPerStateRetryLimit(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	m := newManager(t, st, clock, Config{RetryLimit: 5, RetryLimits: map[int]int{pending: 0}}, func(context.Context, *storetest.Widget) Outcome {
		return Retryf("nope")
	})
	_, err := m.RunOnce(ctx)
	require.NoError(t, err)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, terminated, w.State)
}

func TestNoRetriesTerminatesOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	m := newManager(t, st, clock, Config{RetryLimit: NoRetries}, func(context.Context, *storetest.Widget) Outcome {
		return Retryf("nope")
	})
	_, err := m.RunOnce(ctx)
	require.NoError(t, err)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, terminated, w.State)
	require.Contains(t, w.ErrorDetail, "nope")
}

func TestFatalTerminatesImmediately(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	m := newManager(t, st, clock, Config{}, func(context.Context, *storetest.Widget) Outcome {
		return Fatalf("malformed offer")
	})
	_, err := m.RunOnce(ctx)
	require.NoError(t, err)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, terminated, w.State)
	require.Equal(t, "malformed offer", w.ErrorDetail)
}

func TestPanicCountsAsRetry(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1", "w2")
	m := newManager(t, st, clock, Config{}, func(_ context.Context, w *storetest.Widget) Outcome {
		if w.ID == "w1" {
			panic("bad row")
		}
		return Advance(done)
	})
	n, err := m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	w1, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, pending, w1.State)
	require.Equal(t, 1, w1.StateCount)

	w2, err := st.FindByID(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, done, w2.State)
}

func TestActionTimeout(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st := newStore(t, clock, "w1")
	m := newManager(t, st, clock, Config{ActionTimeout: 10 * time.Millisecond}, func(ctx context.Context, _ *storetest.Widget) Outcome {
		<-ctx.Done()
		return Retry(ctx.Err())
	})
	_, err := m.RunOnce(ctx)
	require.NoError(t, err)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, w.StateCount)
}

func TestRegisterValidation(t *testing.T) {
	clock := storetest.NewClock()
	st := newStore(t, clock)
	m := newManager(t, st, clock, Config{}, func(context.Context, *storetest.Widget) Outcome { return Advance(done) })
	noop := func(context.Context, *storetest.Widget) Outcome { return Advance(done) }

	require.Error(t, m.Register(Processor[*storetest.Widget]{State: pending, Action: noop}))
	require.Error(t, m.Register(Processor[*storetest.Widget]{State: done, Action: noop}))
	require.Error(t, m.Register(Processor[*storetest.Widget]{State: 42, Action: noop}))
}

func TestRunSharesWorkAcrossInstances(t *testing.T) {
	clock := storetest.NewClock()
	var ids []string
	for i := 0; i < 30; i++ {
		ids = append(ids, fmt.Sprintf("w%02d", i))
	}
	alpha := newStore(t, clock, ids...)
	beta := alpha.WithOwner("beta")

	var (
		mu       sync.Mutex
		inFlight = map[string]bool{}
		runs     = map[string]int{}
		overlap  atomic.Bool
	)
	action := func(_ context.Context, w *storetest.Widget) Outcome {
		mu.Lock()
		if inFlight[w.ID] {
			overlap.Store(true)
		}
		inFlight[w.ID] = true
		runs[w.ID]++
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight[w.ID] = false
		mu.Unlock()
		return Advance(done)
	}
	cfg := Config{BatchSize: 4, Workers: 3, QueueCapacity: 6, PollInterval: 5 * time.Millisecond}
	m1 := newManager(t, alpha, clock, cfg, action)
	m2 := newManager(t, beta, clock, cfg, action)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	go func() { errs <- m1.Run(ctx) }()
	go func() { errs <- m2.Run(ctx) }()

	require.Eventually(t, func() bool {
		left, err := alpha.Query(context.Background(), store.Criteria{States: []int{pending}}, 0)
		return err == nil && len(left) == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.False(t, overlap.Load())
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.Equal(t, 1, runs[id], id)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := storetest.NewClock()
	st := newStore(t, clock)
	m := newManager(t, st, clock, Config{PollInterval: time.Hour}, func(context.Context, *storetest.Widget) Outcome { return Advance(done) })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
