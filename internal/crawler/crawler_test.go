package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
	fetch func(ctx context.Context, item WorkItem) (Catalog, error)
}

func (f *fakeAdapter) Fetch(ctx context.Context, item WorkItem) (Catalog, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.Node.ID)
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(ctx, item)
	}
	return Catalog{NodeID: item.Node.ID}, nil
}

func TestExecutePlanEmptyDirectorySkipsDispatch(t *testing.T) {
	a := &fakeAdapter{}
	o := &Orchestrator{DefaultProtocol: "test"}
	o.RegisterAdapter("test", a)

	var post bool
	outcomes, err := o.ExecutePlan(context.Background(), Plan{
		Directory: StaticDirectory{},
		PostTask:  func(context.Context, []Outcome) error { post = true; return nil },
	})
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Empty(t, a.calls)
	require.False(t, post)
}

func TestExecutePlanIsolatesFailures(t *testing.T) {
	a := &fakeAdapter{fetch: func(_ context.Context, item WorkItem) (Catalog, error) {
		if item.Node.ID == "bad" {
			return Catalog{}, errors.New("boom")
		}
		return Catalog{NodeID: item.Node.ID}, nil
	}}
	o := &Orchestrator{DefaultProtocol: "test"}
	o.RegisterAdapter("test", a)

	var succeeded []string
	var posted []Outcome
	outcomes, err := o.ExecutePlan(context.Background(), Plan{
		PreTask:   func(context.Context) error { return errors.New("pre-task down") },
		Directory: StaticDirectory{{ID: "a"}, {ID: "bad"}, {ID: "c"}, {ID: "x", Protocol: "unknown"}},
		OnSuccess: func(_ context.Context, item WorkItem, _ Catalog) { succeeded = append(succeeded, item.Node.ID) },
		PostTask:  func(_ context.Context, out []Outcome) error { posted = out; return nil },
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	require.Equal(t, []string{"a", "c"}, succeeded)
	require.Len(t, posted, 4)
	require.Error(t, outcomes[1].Err)
	require.ErrorIs(t, outcomes[3].Err, ErrNoAdapter)
	require.ElementsMatch(t, []string{"a", "bad", "c"}, a.calls)
}

func TestExecutePlanItemTimeout(t *testing.T) {
	a := &fakeAdapter{fetch: func(ctx context.Context, item WorkItem) (Catalog, error) {
		if item.Node.ID == "slow" {
			<-ctx.Done()
			return Catalog{}, ctx.Err()
		}
		return Catalog{NodeID: item.Node.ID}, nil
	}}
	o := &Orchestrator{DefaultProtocol: "test", ItemTimeout: 20 * time.Millisecond}
	o.RegisterAdapter("test", a)

	outcomes, err := o.ExecutePlan(context.Background(), Plan{Directory: StaticDirectory{{ID: "fast"}, {ID: "slow"}}})
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err)
	require.ErrorIs(t, outcomes[1].Err, context.DeadlineExceeded)
}

func TestExecutePlanRecoversAdapterPanic(t *testing.T) {
	a := &fakeAdapter{fetch: func(context.Context, WorkItem) (Catalog, error) { panic("bad adapter") }}
	o := &Orchestrator{DefaultProtocol: "test"}
	o.RegisterAdapter("test", a)

	outcomes, err := o.ExecutePlan(context.Background(), Plan{Directory: StaticDirectory{{ID: "a"}}})
	require.NoError(t, err)
	require.ErrorContains(t, outcomes[0].Err, "bad adapter")
}

func TestCrawlerFillsCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/catalog" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"participant_id":"provider-a","offers":[{"id":"offer-1","asset_id":"asset-1","policy":{"permissions":[{"action":"use"}]}}]}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	o := &Orchestrator{DefaultProtocol: "dsp-http"}
	o.RegisterAdapter("dsp-http", &HTTPAdapter{
		Client: srv.Client(),
		Token:  func(string) (string, error) { return "tok", nil },
		Now:    clock,
	})
	cache := &CatalogCache{TTL: time.Minute, Now: clock}
	c := &Crawler{Orchestrator: o, Directory: StaticDirectory{{ID: "provider-a", URL: srv.URL + "/"}}, Cache: cache}

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())

	cat, ok := cache.Get("provider-a")
	require.True(t, ok)
	require.Equal(t, "provider-a", cat.ParticipantID)
	require.Len(t, cat.Offers, 1)
	require.Equal(t, "asset-1", cat.Offers[0].AssetID)
	require.Len(t, cat.Offers[0].Policy.Permissions, 1)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("provider-a")
	require.False(t, ok)
	require.NoError(t, cache.ExpireStale(context.Background()))
	require.Empty(t, cache.All())
}

func TestHTTPAdapterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := (&HTTPAdapter{Client: srv.Client()}).Fetch(context.Background(), WorkItem{Node: Node{ID: "n", URL: srv.URL}})
	require.ErrorContains(t, err, "status 503")
}

func TestSchedulerNext(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)

	s, err := NewScheduler("*/15 * * * *", 0)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), s.Next(base))

	s, err = NewScheduler("", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, base.Add(30*time.Second), s.Next(base))

	_, err = NewScheduler("", 0)
	require.Error(t, err)
	_, err = NewScheduler("not a cron", 0)
	require.Error(t, err)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s, err := NewScheduler("", time.Second)
	require.NoError(t, err)
	ticks := make(chan time.Time)
	s.After = func(time.Duration) <-chan time.Time { return ticks }

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 4)
	stopped := make(chan error)
	go func() { stopped <- s.Run(ctx, func(context.Context) { ran <- struct{}{} }) }()

	ticks <- time.Now()
	<-ran
	ticks <- time.Now()
	<-ran
	cancel()
	require.NoError(t, <-stopped)
}
