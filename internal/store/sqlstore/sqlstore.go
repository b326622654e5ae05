// Package sqlstore implements store.Store on SQLite. Each entity kind lives
// in its own table; all kinds share one leases table keyed by (kind, id).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"connector/internal/domain"
	"connector/internal/store"
)

type Store[E store.Record] struct {
	db    *sql.DB
	table string
	opts  store.Options
}

var _ store.Store[*domain.Entity] = (*Store[*domain.Entity])(nil)

// New returns a store over table. The table must already exist; see the
// migrate package.
func New[E store.Record](db *sql.DB, table string, opts store.Options) (*Store[E], error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	if table == "" {
		return nil, errors.New("sqlstore: table is required")
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Store[E]{db: db, table: table, opts: opts}, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (s *Store[E]) Create(ctx context.Context, e E) error {
	base := e.Base()
	if err := store.PrepareCreate(base, s.opts.Now()); err != nil {
		return err
	}
	doc, err := store.Encode(e)
	if err != nil {
		return err
	}
	trace, err := encodeTrace(base.TraceContext)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO `+s.table+`(id,role,state,state_count,state_timestamp,created_at,updated_at,trace_context,error_detail,version,payload)
VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		base.ID, base.Role, base.State, base.StateCount, ms(base.StateTimestamp), ms(base.CreatedAt), ms(base.UpdatedAt),
		trace, base.ErrorDetail, base.Version, string(doc))
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", s.opts.Kind, base.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", s.opts.Kind, base.ID, store.ErrAlreadyExists)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store[E]) load(ctx context.Context, q queryer, id string) (E, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM `+s.table+` WHERE id=?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		var zero E
		return zero, fmt.Errorf("%s %s: %w", s.opts.Kind, id, store.ErrNotFound)
	}
	if err != nil {
		var zero E
		return zero, err
	}
	return store.Decode[E]([]byte(payload))
}

func (s *Store[E]) FindByID(ctx context.Context, id string) (E, error) {
	return s.load(ctx, s.db, id)
}

func (s *Store[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var zero E
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	now := ms(s.opts.Now())
	// Clearing an expired lease takes the write lock before the entity read.
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE resource_kind=? AND resource_id=? AND leased_at + lease_duration <= ?`,
		s.opts.Kind, id, now); err != nil {
		return zero, fmt.Errorf("expire lease: %w", err)
	}
	e, err := s.load(ctx, tx, id)
	if err != nil {
		return zero, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO leases(resource_kind,resource_id,leased_by,leased_at,lease_duration) VALUES (?,?,?,?,?)
ON CONFLICT(resource_kind, resource_id) DO NOTHING`,
		s.opts.Kind, id, s.opts.Owner, now, s.opts.LeaseDuration.Milliseconds())
	if err != nil {
		return zero, fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var holder string
		_ = tx.QueryRowContext(ctx, `SELECT leased_by FROM leases WHERE resource_kind=? AND resource_id=?`, s.opts.Kind, id).Scan(&holder)
		return zero, fmt.Errorf("%s %s leased by %s: %w", s.opts.Kind, id, holder, store.ErrAlreadyLeased)
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return e, nil
}

func (s *Store[E]) Save(ctx context.Context, e E) error {
	return s.save(ctx, e, 0)
}

func (s *Store[E]) SaveAndHold(ctx context.Context, e E, hold time.Duration) error {
	if hold <= 0 {
		hold = s.opts.LeaseDuration
	}
	return s.save(ctx, e, hold)
}

func (s *Store[E]) save(ctx context.Context, e E, hold time.Duration) error {
	base := e.Base()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.opts.Now()
	l, held, err := s.lease(ctx, tx, base.ID)
	if err != nil {
		return err
	}
	if held && l.Valid(now) && l.LeasedBy != s.opts.Owner {
		return fmt.Errorf("%s %s leased by %s: %w", s.opts.Kind, base.ID, l.LeasedBy, store.ErrAlreadyLeased)
	}

	prev := base.Version
	base.Version = prev + 1
	doc, err := store.Encode(e)
	if err != nil {
		base.Version = prev
		return err
	}
	trace, err := encodeTrace(base.TraceContext)
	if err != nil {
		base.Version = prev
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE `+s.table+` SET role=?, state=?, state_count=?, state_timestamp=?, updated_at=?, trace_context=?, error_detail=?, version=?, payload=?
WHERE id=? AND version=?`,
		base.Role, base.State, base.StateCount, ms(base.StateTimestamp), ms(base.UpdatedAt), trace, base.ErrorDetail, base.Version, string(doc),
		base.ID, prev)
	if err != nil {
		base.Version = prev
		return fmt.Errorf("update %s %s: %w", s.opts.Kind, base.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		base.Version = prev
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM `+s.table+` WHERE id=?`, base.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", s.opts.Kind, base.ID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%s %s: stored version %d, have %d: %w", s.opts.Kind, base.ID, stored, prev, store.ErrVersionConflict)
	}

	if hold > 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO leases(resource_kind,resource_id,leased_by,leased_at,lease_duration) VALUES (?,?,?,?,?)
ON CONFLICT(resource_kind, resource_id) DO UPDATE SET leased_by=excluded.leased_by, leased_at=excluded.leased_at, lease_duration=excluded.lease_duration`,
			s.opts.Kind, base.ID, s.opts.Owner, ms(now), hold.Milliseconds())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM leases WHERE resource_kind=? AND resource_id=? AND (leased_by=? OR leased_at + lease_duration <= ?)`,
			s.opts.Kind, base.ID, s.opts.Owner, ms(now))
	}
	if err != nil {
		base.Version = prev
		return fmt.Errorf("update lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		base.Version = prev
		return err
	}
	return nil
}

func (s *Store[E]) lease(ctx context.Context, q queryer, id string) (domain.Lease, bool, error) {
	var (
		l         = domain.Lease{ResourceID: id, ResourceKind: s.opts.Kind}
		at, durMS int64
	)
	err := q.QueryRowContext(ctx, `SELECT leased_by, leased_at, lease_duration FROM leases WHERE resource_kind=? AND resource_id=?`,
		s.opts.Kind, id).Scan(&l.LeasedBy, &at, &durMS)
	if errors.Is(err, sql.ErrNoRows) {
		return l, false, nil
	}
	if err != nil {
		return l, false, fmt.Errorf("read lease: %w", err)
	}
	l.LeasedAt = time.UnixMilli(at).UTC()
	l.Duration = time.Duration(durMS) * time.Millisecond
	return l, true, nil
}

func (s *Store[E]) NextNotLeased(ctx context.Context, limit int, c store.Criteria) ([]E, error) {
	where, args := filter("t.", c)
	where = append(where, `(l.resource_id IS NULL OR l.leased_at + l.lease_duration <= ?)`)
	args = append([]any{s.opts.Kind}, args...)
	args = append(args, ms(s.opts.Now()))
	q := `SELECT t.payload FROM ` + s.table + ` t
LEFT OUTER JOIN leases l ON l.resource_kind=? AND l.resource_id=t.id
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY t.state_timestamp ASC, t.id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

func (s *Store[E]) Query(ctx context.Context, c store.Criteria, limit int) ([]E, error) {
	where, args := filter("", c)
	q := `SELECT payload FROM ` + s.table
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY state_timestamp ASC, id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

func filter(prefix string, c store.Criteria) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if c.Role != "" {
		where = append(where, prefix+"role=?")
		args = append(args, c.Role)
	}
	if len(c.States) > 0 {
		marks := make([]string, len(c.States))
		for i, st := range c.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, prefix+"state IN ("+strings.Join(marks, ",")+")")
	}
	return where, args
}

func (s *Store[E]) list(ctx context.Context, q string, args ...any) ([]E, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()
	var out []E
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e, err := store.Decode[E]([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store[E]) Lease(ctx context.Context, id string) (domain.Lease, error) {
	l, held, err := s.lease(ctx, s.db, id)
	if err != nil {
		return domain.Lease{}, err
	}
	if !held || !l.Valid(s.opts.Now()) {
		return domain.Lease{}, fmt.Errorf("lease %s/%s: %w", s.opts.Kind, id, store.ErrNotFound)
	}
	return l, nil
}

func (s *Store[E]) BreakLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE resource_kind=? AND resource_id=?`, s.opts.Kind, id)
	return err
}

func encodeTrace(tc map[string]string) (any, error) {
	if len(tc) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("encode trace context: %w", err)
	}
	return string(b), nil
}
