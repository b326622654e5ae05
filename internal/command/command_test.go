package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"connector/internal/domain"
	"connector/internal/store"
	"connector/internal/store/storetest"
)

var widgetStates = domain.StateSet{
	Kind:       "widget",
	Names:      map[int]string{100: "OPEN", 200: "CLOSED", 900: "TERMINATED"},
	Terminal:   []int{200, 900},
	Terminated: 900,
}

type closeWidget struct{ ID string }

func (c closeWidget) EntityID() string { return c.ID }

type relabelWidget struct {
	ID    string
	Label string
}

func (c relabelWidget) EntityID() string { return c.ID }

func setup(t *testing.T) (*Registry, *store.Memory[*storetest.Widget], *[]string) {
	t.Helper()
	clock := storetest.NewClock()
	st, err := store.NewMemory[*storetest.Widget](storetest.Options("alpha", clock))
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), &storetest.Widget{Entity: domain.Entity{ID: "w1", State: 100}}))

	var posted []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&SingleEntityHandler[*storetest.Widget, closeWidget]{
		Store:  st,
		States: widgetStates,
		Now:    clock.Now,
		Modify: func(_ context.Context, w *storetest.Widget, _ closeWidget) bool {
			if w.State != 100 {
				return false
			}
			return w.Transition(widgetStates, 200, clock.Now()) == nil
		},
		PostActions: []func(context.Context, *storetest.Widget, closeWidget){
			func(_ context.Context, w *storetest.Widget, _ closeWidget) { posted = append(posted, w.ID) },
		},
	}))
	return reg, st, &posted
}

func TestExecuteSuccessPersistsAndReleases(t *testing.T) {
	reg, st, posted := setup(t)
	ctx := context.Background()

	res := reg.Execute(ctx, closeWidget{ID: "w1"})
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	require.Equal(t, []string{"w1"}, *posted)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 200, w.State)

	_, err = st.Lease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConflictReleasesLease(t *testing.T) {
	reg, st, posted := setup(t)
	ctx := context.Background()
	require.True(t, reg.Execute(ctx, closeWidget{ID: "w1"}).Succeeded())

	res := reg.Execute(ctx, closeWidget{ID: "w1"})
	require.Equal(t, StatusConflict, res.Status)
	require.Contains(t, res.Message, "closeWidget")
	require.Contains(t, res.Message, "widget w1")
	require.Contains(t, res.Message, "CLOSED")

	w, err := st.WithOwner("beta").FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 200, w.State)
	require.Len(t, *posted, 1)
}

func TestLeasedEntityIsConflict(t *testing.T) {
	reg, st, _ := setup(t)
	ctx := context.Background()
	_, err := st.WithOwner("beta").FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)

	res := reg.Execute(ctx, closeWidget{ID: "w1"})
	require.Equal(t, StatusConflict, res.Status)

	w, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 100, w.State)
}

func TestNotFoundAndNoHandler(t *testing.T) {
	reg, _, _ := setup(t)
	ctx := context.Background()

	require.Equal(t, StatusNotFound, reg.Execute(ctx, closeWidget{ID: "nope"}).Status)

	res := reg.Execute(ctx, relabelWidget{ID: "w1"})
	require.Equal(t, StatusNotExecutable, res.Status)
	require.Contains(t, res.Message, "no handler registered")
}

func TestDuplicateHandler(t *testing.T) {
	reg, st, _ := setup(t)
	err := reg.Register(&SingleEntityHandler[*storetest.Widget, closeWidget]{Store: st, States: widgetStates})
	require.Error(t, err)
}

func TestPanicInModifyReleasesLease(t *testing.T) {
	reg, st, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(&SingleEntityHandler[*storetest.Widget, relabelWidget]{
		Store:  st,
		States: widgetStates,
		Modify: func(_ context.Context, w *storetest.Widget, c relabelWidget) bool {
			w.Label = c.Label
			panic("modify exploded")
		},
	}))

	require.Panics(t, func() { reg.Execute(ctx, relabelWidget{ID: "w1", Label: "x"}) })

	w, err := st.WithOwner("beta").FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, w.Label)
}

// failingSave wraps a store whose writes always fail.
type failingSave struct {
	*store.Memory[*storetest.Widget]
}

func (f failingSave) Save(context.Context, *storetest.Widget) error {
	return errors.New("disk full")
}

func TestFailedSaveReleasesLease(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	st, err := store.NewMemory[*storetest.Widget](storetest.Options("alpha", clock))
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, &storetest.Widget{Entity: domain.Entity{ID: "w1", State: 100}}))

	reg := NewRegistry()
	require.NoError(t, reg.Register(&SingleEntityHandler[*storetest.Widget, closeWidget]{
		Store:  failingSave{st},
		States: widgetStates,
		Now:    clock.Now,
		Modify: func(_ context.Context, w *storetest.Widget, _ closeWidget) bool {
			return w.Transition(widgetStates, 200, clock.Now()) == nil
		},
	}))

	res := reg.Execute(ctx, closeWidget{ID: "w1"})
	require.Equal(t, StatusConflict, res.Status)
	require.Contains(t, res.Message, "disk full")

	_, err = st.Lease(ctx, "w1")
	require.ErrorIs(t, err, store.ErrNotFound)
	w, err := st.WithOwner("beta").FindByIDAndLease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 100, w.State)
}
