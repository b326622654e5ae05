// Package storetest is a conformance suite every store.Store implementation
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/internal/domain"
	"connector/internal/store"
)

// Widget is a minimal entity kind for exercising stores.
type Widget struct {
	domain.Entity
	Label string `json:"label,omitempty"`
}

const LeaseDuration = 10 * time.Second

// Clock is a settable time source shared by both store handles.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns two handles over the same data leasing as "alpha" and
// "beta" respectively, both reading time from clock.
type Factory func(t *testing.T, clock *Clock) (alpha, beta store.Store[*Widget])

func Options(owner string, clock *Clock) store.Options {
	return store.Options{Kind: "widget", Owner: owner, LeaseDuration: LeaseDuration, Now: clock.Now}
}

func Run(t *testing.T, newStores Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStores) })
	t.Run("LeaseExcludesOthers", func(t *testing.T) { testLeaseExcludesOthers(t, newStores) })
	t.Run("LeaseExpiryReadmits", func(t *testing.T) { testLeaseExpiry(t, newStores) })
	t.Run("SaveReleasesLease", func(t *testing.T) { testSaveReleases(t, newStores) })
	t.Run("SaveAndHold", func(t *testing.T) { testSaveAndHold(t, newStores) })
	t.Run("SaveRejectsForeignLease", func(t *testing.T) { testSaveForeignLease(t, newStores) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStores) })
	t.Run("NextNotLeasedOrdering", func(t *testing.T) { testOrdering(t, newStores) })
	t.Run("Criteria", func(t *testing.T) { testCriteria(t, newStores) })
	t.Run("BreakLease", func(t *testing.T) { testBreakLease(t, newStores) })
}

func widget(id string, state int, ts time.Time) *Widget {
	return &Widget{Entity: domain.Entity{ID: id, Role: domain.RoleProvider, State: state, StateTimestamp: ts}}
}

func testCreateAndFind(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, _ := newStores(t, clock)

	w := widget("w1", 100, time.Time{})
	w.Label = "first"
	w.TraceContext = map[string]string{"traceparent": "00-abc-def-01"}
	require.NoError(t, a.Create(ctx, w))
	require.Equal(t, int64(1), w.Version)

	got, err := a.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Label)
	require.Equal(t, 100, got.State)
	require.Equal(t, "00-abc-def-01", got.TraceContext["traceparent"])
	require.True(t, got.StateTimestamp.Equal(clock.Now()))

	err = a.Create(ctx, widget("w1", 100, time.Time{}))
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = a.FindByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = a.FindByIDAndLease(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testLeaseExcludesOthers(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	_, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)

	_, err = b.FindByIDAndLease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrAlreadyLeased)
	// Leases are not reentrant, even for the holder.
	_, err = a.FindByIDAndLease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrAlreadyLeased)

	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "alpha", l.LeasedBy)
	require.Equal(t, LeaseDuration, l.Duration)

	next, err := b.NextNotLeased(ctx, 10, store.Criteria{})
	require.NoError(t, err)
	require.Empty(t, next)
}

func testLeaseExpiry(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	_, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(LeaseDuration - time.Second)
	_, err = b.FindByIDAndLease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrAlreadyLeased)

	clock.Advance(time.Second)
	next, err := b.NextNotLeased(ctx, 10, store.Criteria{})
	require.NoError(t, err)
	require.Len(t, next, 1)

	_, err = b.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	l, err := a.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "beta", l.LeasedBy)
}

func testSaveReleases(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	w, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	w.Label = "changed"
	require.NoError(t, a.Save(ctx, w))
	require.Equal(t, int64(2), w.Version)

	_, err = a.Lease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := b.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "changed", got.Label)
	require.Equal(t, int64(2), got.Version)
}

func testSaveAndHold(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	w, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	require.NoError(t, a.SaveAndHold(ctx, w, 30*time.Second))

	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, l.Duration)
	require.True(t, l.LeasedAt.Equal(clock.Now()))

	clock.Advance(29 * time.Second)
	next, err := b.NextNotLeased(ctx, 10, store.Criteria{})
	require.NoError(t, err)
	require.Empty(t, next)

	clock.Advance(time.Second)
	next, err = b.NextNotLeased(ctx, 10, store.Criteria{})
	require.NoError(t, err)
	require.Len(t, next, 1)
}

func testSaveForeignLease(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	stale, err := b.FindByID(ctx, "w1")
	require.NoError(t, err)
	_, err = a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)

	err = b.Save(ctx, stale)
	require.ErrorIs(t, err, store.ErrAlreadyLeased)
	require.Equal(t, int64(1), stale.Version)
}

func testVersionConflict(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))

	stale, err := b.FindByID(ctx, "w1")
	require.NoError(t, err)

	w, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, w))

	err = b.Save(ctx, stale)
	require.True(t, errors.Is(err, store.ErrVersionConflict), "got %v", err)

	err = a.Save(ctx, widget("ghost", 100, clock.Now()))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testOrdering(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, _ := newStores(t, clock)
	base := clock.Now()
	// Insert out of order; polling must return oldest state timestamp first.
	require.NoError(t, a.Create(ctx, widget("w3", 100, base.Add(3*time.Second))))
	require.NoError(t, a.Create(ctx, widget("w1", 100, base.Add(1*time.Second))))
	require.NoError(t, a.Create(ctx, widget("w2", 100, base.Add(2*time.Second))))

	first, err := a.NextNotLeased(ctx, 2, store.Criteria{States: []int{100}})
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w2"}, ids(first))

	for _, w := range first {
		_, err := a.FindByIDAndLease(ctx, w.ID)
		require.NoError(t, err)
	}
	second, err := a.NextNotLeased(ctx, 2, store.Criteria{States: []int{100}})
	require.NoError(t, err)
	require.Equal(t, []string{"w3"}, ids(second))
}

func testCriteria(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, _ := newStores(t, clock)
	consumer := widget("c1", 100, time.Time{})
	consumer.Role = domain.RoleConsumer
	require.NoError(t, a.Create(ctx, consumer))
	require.NoError(t, a.Create(ctx, widget("p1", 100, time.Time{})))
	require.NoError(t, a.Create(ctx, widget("p2", 200, time.Time{})))

	got, err := a.NextNotLeased(ctx, 10, store.Criteria{States: []int{100}, Role: domain.RoleProvider})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, ids(got))

	got, err = a.Query(ctx, store.Criteria{Role: domain.RoleProvider}, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p1", "p2"}, ids(got))

	got, err = a.Query(ctx, store.Criteria{}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func testBreakLease(t *testing.T, newStores Factory) {
	ctx := context.Background()
	clock := NewClock()
	a, b := newStores(t, clock)
	require.NoError(t, a.Create(ctx, widget("w1", 100, time.Time{})))
	_, err := a.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.BreakLease(ctx, "w1"))
	_, err = b.FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
}

func ids(ws []*Widget) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}
