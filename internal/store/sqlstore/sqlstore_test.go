package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"connector/internal/db"
	"connector/internal/domain"
	"connector/internal/migrate"
	"connector/internal/store"
	"connector/internal/store/storetest"
)

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) (store.Store[*storetest.Widget], store.Store[*storetest.Widget]) {
		conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		_, err = migrate.Migrate(context.Background(), conn)
		require.NoError(t, err)

		a, err := New[*storetest.Widget](conn, "contract_negotiations", storetest.Options("alpha", clock))
		require.NoError(t, err)
		b, err := New[*storetest.Widget](conn, "contract_negotiations", storetest.Options("beta", clock))
		require.NoError(t, err)
		return a, b
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v1, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	v2, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Positive(t, v1)
}

// Two processes sharing one database file each hold their own handle; every
// entity must end up leased by exactly one of them.
func TestConcurrentLeaseAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	clock := storetest.NewClock()

	open := func(owner string) *Store[*storetest.Widget] {
		conn, err := db.Open(db.Config{Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		_, err = migrate.Migrate(ctx, conn)
		require.NoError(t, err)
		s, err := New[*storetest.Widget](conn, "contract_negotiations", storetest.Options(owner, clock))
		require.NoError(t, err)
		return s
	}
	alpha := open("alpha")
	beta := open("beta")

	const n = 40
	for i := 0; i < n; i++ {
		w := &storetest.Widget{Entity: domain.Entity{ID: fmt.Sprintf("w-%02d", i), Role: domain.RoleProvider, State: 100, StateTimestamp: clock.Now()}}
		require.NoError(t, alpha.Create(ctx, w))
	}

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, 2*n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("w-%02d", i)
		for _, s := range []*Store[*storetest.Widget]{alpha, beta} {
			wg.Add(1)
			go func(s *Store[*storetest.Widget]) {
				defer wg.Done()
				_, err := s.FindByIDAndLease(ctx, id)
				results <- outcome{id: id, err: err}
			}(s)
		}
	}
	wg.Wait()
	close(results)

	wins := map[string]int{}
	losses := map[string]int{}
	for r := range results {
		switch {
		case r.err == nil:
			wins[r.id]++
		case errors.Is(r.err, store.ErrAlreadyLeased):
			losses[r.id]++
		default:
			t.Fatalf("lease %s: unexpected error: %v", r.id, r.err)
		}
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("w-%02d", i)
		require.Equal(t, 1, wins[id], id)
		require.Equal(t, 1, losses[id], id)
	}
}
