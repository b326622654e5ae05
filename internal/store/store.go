// Package store defines the persistence contract for stateful entities and
// their leases, plus an in-memory implementation used by tests and by
// single-instance deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"connector/internal/domain"
)

var (
	// ErrNotFound means the entity does not exist. Permanent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyLeased means another holder owns a valid lease. Transient.
	ErrAlreadyLeased = errors.New("already leased")
	// ErrAlreadyExists is returned by Create for a duplicate id.
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict means the entity was saved by someone else since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// Record is implemented by every entity kind through the embedded domain.Entity.
type Record interface {
	Base() *domain.Entity
}

// Criteria selects entities for polling and listing.
type Criteria struct {
	States []int
	Role   string
}

// Match reports whether e satisfies c.
func (c Criteria) Match(e *domain.Entity) bool {
	return c.MatchHeader(HeaderOf(e))
}

// MatchHeader is Match for an entity that has not been decoded.
func (c Criteria) MatchHeader(h Header) bool {
	if c.Role != "" && h.Role != c.Role {
		return false
	}
	if len(c.States) == 0 {
		return true
	}
	for _, s := range c.States {
		if s == h.State {
			return true
		}
	}
	return false
}

// Header holds the fields of a stored document that Criteria filter on.
// Backends index it so polls skip documents they would discard.
type Header struct {
	Role  string `json:"role,omitempty"`
	State int    `json:"state"`
}

func HeaderOf(e *domain.Entity) Header {
	return Header{Role: e.Role, State: e.State}
}

// Store persists entities of one kind and owns their lease table.
type Store[E Record] interface {
	Create(ctx context.Context, e E) error
	FindByID(ctx context.Context, id string) (E, error)
	// FindByIDAndLease atomically checks for a valid lease and, if none
	// exists, leases the entity to this store's owner.
	FindByIDAndLease(ctx context.Context, id string) (E, error)
	// Save persists e and releases the caller's lease.
	Save(ctx context.Context, e E) error
	// SaveAndHold persists e and re-stamps the caller's lease so it expires
	// after hold; the entity stays invisible to pollers until then.
	SaveAndHold(ctx context.Context, e E, hold time.Duration) error
	NextNotLeased(ctx context.Context, limit int, c Criteria) ([]E, error)
	Query(ctx context.Context, c Criteria, limit int) ([]E, error)
	Lease(ctx context.Context, id string) (domain.Lease, error)
	BreakLease(ctx context.Context, id string) error
}

// Options configures a store implementation.
type Options struct {
	Kind          string
	Owner         string
	LeaseDuration time.Duration
	Now           func() time.Time
}

const DefaultLeaseDuration = 60 * time.Second

func (o Options) Normalize() (Options, error) {
	if o.Kind == "" {
		return o, errors.New("store kind is required")
	}
	if o.Owner == "" {
		return o, errors.New("store owner is required")
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

// Encode serializes a full entity document.
func Encode[E Record](e E) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return b, nil
}

// Decode deserializes an entity document into a freshly allocated E.
func Decode[E Record](data []byte) (E, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		var zero E
		return zero, fmt.Errorf("decode entity: %w", err)
	}
	return e, nil
}

// Clone deep-copies an entity through its JSON document.
func Clone[E Record](e E) (E, error) {
	b, err := Encode(e)
	if err != nil {
		var zero E
		return zero, err
	}
	return Decode[E](b)
}

// SortByStateTimestamp orders entities oldest first, ties broken by id.
func SortByStateTimestamp[E Record](items []E) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Base(), items[j].Base()
		if a.StateTimestamp.Equal(b.StateTimestamp) {
			return a.ID < b.ID
		}
		return a.StateTimestamp.Before(b.StateTimestamp)
	})
}

// PrepareCreate stamps timestamps and the initial version on a new entity.
func PrepareCreate(e *domain.Entity, now time.Time) error {
	if e.ID == "" {
		return errors.New("entity id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.StateTimestamp.IsZero() {
		e.StateTimestamp = now
	}
	e.Version = 1
	return nil
}
