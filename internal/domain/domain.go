package domain

import (
	"fmt"
	"sort"
	"time"
)

// Roles a connector plays in an exchange.
const (
	RoleConsumer = "consumer"
	RoleProvider = "provider"
)

// Entity is the persisted, versioned state shared by every process kind.
// Kinds embed it and expose it through Base.
type Entity struct {
	ID             string            `json:"id"`
	Role           string            `json:"role,omitempty" enum:"consumer,provider"`
	State          int               `json:"state"`
	StateCount     int               `json:"state_count"`
	StateTimestamp time.Time         `json:"state_timestamp" format:"date-time"`
	CreatedAt      time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time         `json:"updated_at" format:"date-time"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
	ErrorDetail    string            `json:"error_detail,omitempty"`
	Version        int64             `json:"version"`
}

func (e *Entity) Base() *Entity { return e }

// StateSet is the closed state enum of one entity kind.
type StateSet struct {
	Kind       string
	Names      map[int]string
	Terminal   []int
	Terminated int
}

func (s StateSet) Valid(code int) bool {
	_, ok := s.Names[code]
	return ok
}

func (s StateSet) Name(code int) string {
	if name, ok := s.Names[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

func (s StateSet) IsTerminal(code int) bool {
	for _, t := range s.Terminal {
		if t == code {
			return true
		}
	}
	return false
}

// Code resolves a state name back to its code.
func (s StateSet) Code(name string) (int, bool) {
	for code, n := range s.Names {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// Codes returns every declared state in ascending order.
func (s StateSet) Codes() []int {
	codes := make([]int, 0, len(s.Names))
	for code := range s.Names {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Transition moves the entity to next, resetting the retry counter.
func (e *Entity) Transition(states StateSet, next int, now time.Time) error {
	if !states.Valid(next) {
		return fmt.Errorf("%s: unknown state %d", states.Kind, next)
	}
	if states.IsTerminal(e.State) {
		return fmt.Errorf("%s %s: state %s is terminal", states.Kind, e.ID, states.Name(e.State))
	}
	e.State = next
	e.StateCount = 0
	e.StateTimestamp = now
	e.UpdatedAt = now
	return nil
}

// Terminate forces the entity into the kind's terminated state.
func (e *Entity) Terminate(states StateSet, detail string, now time.Time) {
	e.State = states.Terminated
	e.StateCount = 0
	e.StateTimestamp = now
	e.UpdatedAt = now
	e.ErrorDetail = detail
}

// RecordRetry counts one more failed attempt in the current state.
func (e *Entity) RecordRetry(now time.Time) {
	e.StateCount++
	e.StateTimestamp = now
	e.UpdatedAt = now
}

// Lease is a time-bounded exclusivity claim on one entity.
type Lease struct {
	ResourceID   string        `json:"resource_id"`
	ResourceKind string        `json:"resource_kind"`
	LeasedBy     string        `json:"leased_by"`
	LeasedAt     time.Time     `json:"leased_at" format:"date-time"`
	Duration     time.Duration `json:"lease_duration"`
}

func (l Lease) ExpiresAt() time.Time {
	return l.LeasedAt.Add(l.Duration)
}

// Valid reports whether the lease still excludes other holders at now.
func (l Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt())
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
