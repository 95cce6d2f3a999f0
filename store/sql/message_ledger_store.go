package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MessageLedgerStore records provider event keys in channel_message_receipts.
// The (connection_id, event_key) unique index makes Claim a single
// conflict-free insert.
type MessageLedgerStore struct {
	db *bun.DB
}

func NewMessageLedgerStore(db *bun.DB) (*MessageLedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &MessageLedgerStore{db: db}, nil
}

func (s *MessageLedgerStore) Claim(ctx context.Context, receipt core.MessageReceipt) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message ledger store is not configured")
	}
	connectionID := strings.TrimSpace(receipt.ConnectionID)
	eventKey := strings.TrimSpace(receipt.EventKey)
	if connectionID == "" || eventKey == "" {
		return false, core.NewValidationError("event_key", "connection id and event key are required")
	}
	receivedAt := receipt.ReceivedAt.UTC()
	if receipt.ReceivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	record := &messageReceiptRecord{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		EventKey:     eventKey,
		Kind:         strings.TrimSpace(receipt.Kind),
		ReceivedAt:   receivedAt,
	}
	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (connection_id, event_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *MessageLedgerStore) Release(ctx context.Context, connectionID string, eventKeys ...string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: message ledger store is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	keys := make([]string, 0, len(eventKeys))
	for _, key := range eventKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if connectionID == "" || len(keys) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*messageReceiptRecord)(nil)).
		Where("connection_id = ?", connectionID).
		Where("event_key IN (?)", bun.In(keys)).
		Exec(ctx)
	return err
}
