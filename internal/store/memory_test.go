package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"connector/internal/domain"
	"connector/internal/store"
	"connector/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) (store.Store[*storetest.Widget], store.Store[*storetest.Widget]) {
		a, err := store.NewMemory[*storetest.Widget](storetest.Options("alpha", clock))
		require.NoError(t, err)
		return a, a.WithOwner("beta")
	})
}

func TestOptionsNormalize(t *testing.T) {
	_, err := store.Options{Owner: "x"}.Normalize()
	require.Error(t, err)
	_, err = store.Options{Kind: "x"}.Normalize()
	require.Error(t, err)

	opts, err := store.Options{Kind: "k", Owner: "o"}.Normalize()
	require.NoError(t, err)
	require.Equal(t, store.DefaultLeaseDuration, opts.LeaseDuration)
	require.NotNil(t, opts.Now)
}

// countedWidget records how many documents were fully decoded.
type countedWidget struct {
	storetest.Widget
}

var widgetDecodes int

func (w *countedWidget) UnmarshalJSON(data []byte) error {
	widgetDecodes++
	return json.Unmarshal(data, &w.Widget)
}

func TestPollDecodesOnlyMatches(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	m, err := store.NewMemory[*countedWidget](storetest.Options("alpha", clock))
	require.NoError(t, err)

	require.NoError(t, m.Create(ctx, &countedWidget{Widget: storetest.Widget{Entity: domain.Entity{ID: "live", Role: domain.RoleProvider, State: 100, StateTimestamp: clock.Now()}}}))
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("done-%d", i)
		require.NoError(t, m.Create(ctx, &countedWidget{Widget: storetest.Widget{Entity: domain.Entity{ID: id, Role: domain.RoleProvider, State: 900, StateTimestamp: clock.Now()}}}))
	}

	widgetDecodes = 0
	got, err := m.NextNotLeased(ctx, 10, store.Criteria{States: []int{100}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "live", got[0].ID)
	require.Equal(t, 1, widgetDecodes)
}
