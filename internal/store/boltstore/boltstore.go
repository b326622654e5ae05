// Package boltstore implements store.Store on an embedded bbolt file. Each
// kind gets a bucket of JSON documents plus a header index bucket that polls
// filter on; leases share one bucket keyed by kind/id. Every mutation runs in a single Update transaction, which bbolt
// serializes, so lease acquisition is atomic without further locking.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"connector/internal/domain"
	"connector/internal/store"
)

var leaseBucket = []byte("leases")

// Open opens (creating if needed) the bolt file at path.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return db, nil
}

type Store[E store.Record] struct {
	db     *bolt.DB
	bucket []byte
	index  []byte
	opts   store.Options
}

func New[E store.Record](db *bolt.DB, opts store.Options) (*Store[E], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	s := &Store[E]{db: db, bucket: []byte(opts.Kind), index: []byte(opts.Kind + ".index"), opts: opts}
	err = db.Update(func(tx *bolt.Tx) error {
		docs, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(leaseBucket); err != nil {
			return err
		}
		idx := tx.Bucket(s.index)
		if idx != nil {
			return nil
		}
		if idx, err = tx.CreateBucket(s.index); err != nil {
			return err
		}
		// Files written before the index existed get it rebuilt once.
		return docs.ForEach(func(k, v []byte) error {
			var h store.Header
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("index %s %s: %w", opts.Kind, k, err)
			}
			return putHeader(idx, k, h)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return s, nil
}

func putHeader(idx *bolt.Bucket, id []byte, h store.Header) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return idx.Put(id, raw)
}

func (s *Store[E]) leaseKey(id string) []byte {
	return []byte(s.opts.Kind + "/" + id)
}

func (s *Store[E]) readLease(tx *bolt.Tx, id string) (domain.Lease, bool, error) {
	raw := tx.Bucket(leaseBucket).Get(s.leaseKey(id))
	if raw == nil {
		return domain.Lease{}, false, nil
	}
	var l domain.Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return domain.Lease{}, false, fmt.Errorf("decode lease: %w", err)
	}
	return l, true, nil
}

func (s *Store[E]) writeLease(tx *bolt.Tx, id string, at time.Time, d time.Duration) error {
	l := domain.Lease{ResourceID: id, ResourceKind: s.opts.Kind, LeasedBy: s.opts.Owner, LeasedAt: at, Duration: d}
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return tx.Bucket(leaseBucket).Put(s.leaseKey(id), raw)
}

func (s *Store[E]) get(tx *bolt.Tx, id string) (E, error) {
	raw := tx.Bucket(s.bucket).Get([]byte(id))
	if raw == nil {
		var zero E
		return zero, fmt.Errorf("%s %s: %w", s.opts.Kind, id, store.ErrNotFound)
	}
	return store.Decode[E](raw)
}

func (s *Store[E]) Create(_ context.Context, e E) error {
	base := e.Base()
	if err := store.PrepareCreate(base, s.opts.Now()); err != nil {
		return err
	}
	doc, err := store.Encode(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get([]byte(base.ID)) != nil {
			return fmt.Errorf("%s %s: %w", s.opts.Kind, base.ID, store.ErrAlreadyExists)
		}
		if err := b.Put([]byte(base.ID), doc); err != nil {
			return err
		}
		return putHeader(tx.Bucket(s.index), []byte(base.ID), store.HeaderOf(base))
	})
}

func (s *Store[E]) FindByID(_ context.Context, id string) (E, error) {
	var out E
	err := s.db.View(func(tx *bolt.Tx) error {
		e, err := s.get(tx, id)
		out = e
		return err
	})
	return out, err
}

func (s *Store[E]) FindByIDAndLease(_ context.Context, id string) (E, error) {
	var out E
	err := s.db.Update(func(tx *bolt.Tx) error {
		e, err := s.get(tx, id)
		if err != nil {
			return err
		}
		now := s.opts.Now()
		l, held, err := s.readLease(tx, id)
		if err != nil {
			return err
		}
		if held && l.Valid(now) {
			return fmt.Errorf("%s %s leased by %s: %w", s.opts.Kind, id, l.LeasedBy, store.ErrAlreadyLeased)
		}
		if err := s.writeLease(tx, id, now, s.opts.LeaseDuration); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		var zero E
		return zero, err
	}
	return out, nil
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

func (s *Store[E]) save(_ context.Context, e E, hold time.Duration) error {
	base := e.Base()
	prev := base.Version
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := s.get(tx, base.ID)
		if err != nil {
			return err
		}
		now := s.opts.Now()
		l, held, err := s.readLease(tx, base.ID)
		if err != nil {
			return err
		}
		if held && l.Valid(now) && l.LeasedBy != s.opts.Owner {
			return fmt.Errorf("%s %s leased by %s: %w", s.opts.Kind, base.ID, l.LeasedBy, store.ErrAlreadyLeased)
		}
		if current.Base().Version != prev {
			return fmt.Errorf("%s %s: stored version %d, have %d: %w", s.opts.Kind, base.ID, current.Base().Version, prev, store.ErrVersionConflict)
		}
		base.Version = prev + 1
		doc, err := store.Encode(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(s.bucket).Put([]byte(base.ID), doc); err != nil {
			return err
		}
		if err := putHeader(tx.Bucket(s.index), []byte(base.ID), store.HeaderOf(base)); err != nil {
			return err
		}
		if hold > 0 {
			return s.writeLease(tx, base.ID, now, hold)
		}
		if held && (l.LeasedBy == s.opts.Owner || !l.Valid(now)) {
			return tx.Bucket(leaseBucket).Delete(s.leaseKey(base.ID))
		}
		return nil
	})
	if err != nil {
		base.Version = prev
	}
	return err
}

func (s *Store[E]) scan(c store.Criteria, skipLeased bool) ([]E, error) {
	var out []E
	err := s.db.View(func(tx *bolt.Tx) error {
		now := s.opts.Now()
		docs := tx.Bucket(s.bucket)
		return tx.Bucket(s.index).ForEach(func(k, v []byte) error {
			var h store.Header
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("decode header %s: %w", k, err)
			}
			if !c.MatchHeader(h) {
				return nil
			}
			if skipLeased {
				l, held, err := s.readLease(tx, string(k))
				if err != nil {
					return err
				}
				if held && l.Valid(now) {
					return nil
				}
			}
			doc := docs.Get(k)
			if doc == nil {
				return nil
			}
			e, err := store.Decode[E](doc)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortByStateTimestamp(out)
	return out, nil
}

func (s *Store[E]) NextNotLeased(_ context.Context, limit int, c store.Criteria) ([]E, error) {
	out, err := s.scan(c, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store[E]) Query(_ context.Context, c store.Criteria, limit int) ([]E, error) {
	out, err := s.scan(c, false)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store[E]) Lease(_ context.Context, id string) (domain.Lease, error) {
	var (
		l    domain.Lease
		held bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		l, held, err = s.readLease(tx, id)
		return err
	})
	if err != nil {
		return domain.Lease{}, err
	}
	if !held || !l.Valid(s.opts.Now()) {
		return domain.Lease{}, fmt.Errorf("lease %s/%s: %w", s.opts.Kind, id, store.ErrNotFound)
	}
	return l, nil
}

func (s *Store[E]) BreakLease(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(leaseBucket).Delete(s.leaseKey(id))
	})
}
