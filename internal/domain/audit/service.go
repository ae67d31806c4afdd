// Package audit records an append-only trail of security and generation events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
	"github.com/matiasleandrokruk/wanderplan/pkg/uuid"
)

// Service writes and reads audit events. There is no update or delete.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Log stores event. ID and CreatedAt are filled when empty.
func (s *Service) Log(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	details := event.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_event (id, actor_id, action, entity_type, entity_id, details, outcome, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.ActorID, event.Action, event.EntityType, event.EntityID,
		string(details), string(event.Outcome), event.IPAddress, event.UserAgent,
		sqlite.FormatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", event.Action, err)
	}
	return nil
}

// LogWithDetails is the common case: an action on an optional entity.
func (s *Service) LogWithDetails(
	ctx context.Context,
	actorID string,
	action string,
	entityType *string,
	entityID *string,
	details *EventDetails,
	outcome Outcome,
) error {
	var raw json.RawMessage
	if details != nil {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
	}
	return s.Log(ctx, &Event{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    raw,
		Outcome:    outcome,
	})
}

// ListByActor returns the newest events for actorID first.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]*Event, error) {
	return s.list(ctx, `WHERE actor_id = ?`, []any{actorID}, limit)
}

// ListByEntity returns the newest events for one entity first.
func (s *Service) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error) {
	return s.list(ctx, `WHERE entity_type = ? AND entity_id = ?`, []any{entityType, entityID}, limit)
}

func (s *Service) list(ctx context.Context, where string, args []any, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, entity_type, entity_id, details, outcome, ip_address, user_agent, created_at
		FROM audit_event `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			details   string
			outcome   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID,
			&details, &outcome, &e.IPAddress, &e.UserAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.Outcome = Outcome(outcome)
		e.CreatedAt, _ = sqlite.ParseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
