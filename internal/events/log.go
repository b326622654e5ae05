// Package events keeps an append-only log of entity lifecycle events and
// delivers it to webhooks.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"connector/internal/domain"
)

type Payload map[string]any

// Log is an ordered event store. IDs increase monotonically.
type Log interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload Payload) error
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

const defaultPageSize = 100

func encodePayload(payload Payload) (string, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

// SQLLog stores events in the events table.
type SQLLog struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l SQLLog) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l SQLLog) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload Payload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	ts := l.now().UTC().Format(time.RFC3339)
	_, err = l.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, data)
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// EventsAfter returns events with IDs greater than cursor in ascending order.
func (l SQLLog) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (l SQLLog) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// MemoryLog is used with the bolt and memory store drivers.
type MemoryLog struct {
	Now    func() time.Time
	mu     sync.Mutex
	events []domain.Event
}

func (l *MemoryLog) Append(_ context.Context, evtType, entityKind, entityID, actorID string, payload Payload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, domain.Event{
		ID:         int64(len(l.events) + 1),
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    data,
	})
	return nil
}

func (l *MemoryLog) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []domain.Event
	for _, e := range l.events {
		if e.ID <= cursor {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (l *MemoryLog) LatestEventID(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events)), nil
}
