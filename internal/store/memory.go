package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"connector/internal/domain"
)

// Memory is a process-local Store. Documents are kept serialized so callers
// never share mutable state with the store; polls filter on a header index and
// decode only the documents they return.
type Memory[E Record] struct {
	opts Options
	*memoryData
}

type memoryData struct {
	mu     sync.Mutex
	docs   map[string][]byte
	heads  map[string]Header
	leases map[string]domain.Lease
}

func NewMemory[E Record](opts Options) (*Memory[E], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Memory[E]{
		opts: opts,
		memoryData: &memoryData{
			docs:   make(map[string][]byte),
			heads:  make(map[string]Header),
			leases: make(map[string]domain.Lease),
		},
	}, nil
}

// WithOwner returns a view of the same data leasing under another owner,
// which is how tests model a second connector instance.
func (m *Memory[E]) WithOwner(owner string) *Memory[E] {
	opts := m.opts
	opts.Owner = owner
	return &Memory[E]{opts: opts, memoryData: m.memoryData}
}

func (m *Memory[E]) Create(_ context.Context, e E) error {
	base := e.Base()
	if err := PrepareCreate(base, m.opts.Now()); err != nil {
		return err
	}
	doc, err := Encode(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[base.ID]; ok {
		return fmt.Errorf("%s %s: %w", m.opts.Kind, base.ID, ErrAlreadyExists)
	}
	m.docs[base.ID] = doc
	m.heads[base.ID] = HeaderOf(base)
	return nil
}

func (m *Memory[E]) FindByID(_ context.Context, id string) (E, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *Memory[E]) load(id string) (E, error) {
	doc, ok := m.docs[id]
	if !ok {
		var zero E
		return zero, fmt.Errorf("%s %s: %w", m.opts.Kind, id, ErrNotFound)
	}
	return Decode[E](doc)
}

func (m *Memory[E]) FindByIDAndLease(_ context.Context, id string) (E, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.load(id)
	if err != nil {
		return e, err
	}
	now := m.opts.Now()
	if l, ok := m.leases[id]; ok && l.Valid(now) {
		var zero E
		return zero, fmt.Errorf("%s %s leased by %s: %w", m.opts.Kind, id, l.LeasedBy, ErrAlreadyLeased)
	}
	m.leases[id] = domain.Lease{
		ResourceID:   id,
		ResourceKind: m.opts.Kind,
		LeasedBy:     m.opts.Owner,
		LeasedAt:     now,
		Duration:     m.opts.LeaseDuration,
	}
	return e, nil
}

func (m *Memory[E]) Save(ctx context.Context, e E) error {
	return m.save(ctx, e, 0)
}

func (m *Memory[E]) SaveAndHold(ctx context.Context, e E, hold time.Duration) error {
	if hold <= 0 {
		hold = m.opts.LeaseDuration
	}
	return m.save(ctx, e, hold)
}

func (m *Memory[E]) save(_ context.Context, e E, hold time.Duration) error {
	base := e.Base()
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.load(base.ID)
	if err != nil {
		return err
	}
	now := m.opts.Now()
	if l, ok := m.leases[base.ID]; ok && l.Valid(now) && l.LeasedBy != m.opts.Owner {
		return fmt.Errorf("%s %s leased by %s: %w", m.opts.Kind, base.ID, l.LeasedBy, ErrAlreadyLeased)
	}
	if current.Base().Version != base.Version {
		return fmt.Errorf("%s %s: stored version %d, have %d: %w", m.opts.Kind, base.ID, current.Base().Version, base.Version, ErrVersionConflict)
	}
	base.Version++
	doc, err := Encode(e)
	if err != nil {
		base.Version--
		return err
	}
	m.docs[base.ID] = doc
	m.heads[base.ID] = HeaderOf(base)
	if hold > 0 {
		m.leases[base.ID] = domain.Lease{
			ResourceID:   base.ID,
			ResourceKind: m.opts.Kind,
			LeasedBy:     m.opts.Owner,
			LeasedAt:     now,
			Duration:     hold,
		}
	} else if l, ok := m.leases[base.ID]; ok && (l.LeasedBy == m.opts.Owner || !l.Valid(now)) {
		delete(m.leases, base.ID)
	}
	return nil
}

func (m *Memory[E]) NextNotLeased(_ context.Context, limit int, c Criteria) ([]E, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	var out []E
	for id, h := range m.heads {
		if !c.MatchHeader(h) {
			continue
		}
		if l, ok := m.leases[id]; ok && l.Valid(now) {
			continue
		}
		e, err := m.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	SortByStateTimestamp(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory[E]) Query(_ context.Context, c Criteria, limit int) ([]E, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []E
	for id, h := range m.heads {
		if !c.MatchHeader(h) {
			continue
		}
		e, err := m.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	SortByStateTimestamp(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory[E]) Lease(_ context.Context, id string) (domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok || !l.Valid(m.opts.Now()) {
		return domain.Lease{}, fmt.Errorf("lease %s/%s: %w", m.opts.Kind, id, ErrNotFound)
	}
	return l, nil
}

func (m *Memory[E]) BreakLease(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, id)
	return nil
}
