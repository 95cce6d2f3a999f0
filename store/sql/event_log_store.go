package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultEventListLimit = 50

// EventLogStore is the append-only channel_webhook_events log.
type EventLogStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewEventLogStore(db *bun.DB) (*EventLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &EventLogStore{db: db, repo: repo}, nil
}

func (s *EventLogStore) Append(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event log store is not configured")
	}
	connectionID := strings.TrimSpace(event.ConnectionID)
	if connectionID == "" {
		return core.WebhookEvent{}, core.NewValidationError("connection_id", "connection id is required")
	}
	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return core.WebhookEvent{}, core.NewValidationError("event_type", "event type is required")
	}
	status := event.Status
	if status == "" {
		status = core.WebhookEventInfo
	}
	createdAt := event.CreatedAt.UTC()
	if event.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	record := &webhookEventRecord{
		ID:           strings.TrimSpace(event.ID),
		ConnectionID: connectionID,
		EventType:    eventType,
		Status:       string(status),
		Payload:      RedactPayload(event.Payload),
		CreatedAt:    createdAt,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.WebhookEvent{}, err
	}
	return webhookEventToDomain(record), nil
}

// ListByConnection returns the newest events first.
func (s *EventLogStore) ListByConnection(ctx context.Context, connectionID string, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: event log store is not configured")
	}
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("connection_id", "=", strings.TrimSpace(connectionID)),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, webhookEventToDomain(record))
	}
	return out, nil
}
