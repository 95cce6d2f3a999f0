package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-channels/core"
)

type memoryRepository struct {
	core.ConnectionRepository

	mu         sync.Mutex
	byID       map[string]core.Connection
	applyFails int
}

func newMemoryRepository(conns ...core.Connection) *memoryRepository {
	repo := &memoryRepository{byID: map[string]core.Connection{}}
	for _, conn := range conns {
		repo.byID[conn.ID] = conn
	}
	return repo
}

// failApply makes the next n ApplyCounters calls fail.
func (r *memoryRepository) failApply(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyFails = n
}

func (r *memoryRepository) get(id string) core.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *memoryRepository) FindByPhoneNumberID(_ context.Context, phoneNumberID string) (core.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.byID {
		if conn.PhoneNumberID() == phoneNumberID {
			return conn, nil
		}
	}
	return core.Connection{}, core.ErrConnectionNotFound
}

func (r *memoryRepository) GetByInstanceName(_ context.Context, name string) (core.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.byID {
		if conn.InstanceName() == name {
			return conn, nil
		}
	}
	return core.Connection{}, core.ErrConnectionNotFound
}

func (r *memoryRepository) Update(_ context.Context, conn core.Connection, expected ...core.ConnectionStatus) (core.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[conn.ID]
	if !ok {
		return core.Connection{}, core.ErrConnectionNotFound
	}
	if len(expected) > 0 {
		matched := false
		for _, status := range expected {
			if current.Status == status {
				matched = true
			}
		}
		if !matched {
			return core.Connection{}, core.ErrStaleWrite
		}
	}
	stored := conn.Stored()
	stored.Counters = current.Counters
	stored.ErrorCount = current.ErrorCount
	stored.ConsecutiveErrors = current.ConsecutiveErrors
	stored.LastErrorMessage = current.LastErrorMessage
	stored.LastErrorAt = current.LastErrorAt
	stored.HealthStatus = current.HealthStatus
	r.byID[conn.ID] = stored
	return stored, nil
}

func (r *memoryRepository) ApplyCounters(_ context.Context, id string, delta core.CounterDelta) (core.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyFails > 0 {
		r.applyFails--
		return core.Connection{}, errors.New("database is locked")
	}
	conn, ok := r.byID[id]
	if !ok {
		return core.Connection{}, core.ErrConnectionNotFound
	}
	conn.Counters.Sent += delta.Sent
	conn.Counters.Received += delta.Received
	conn.ErrorCount += delta.Errors
	if delta.ResetConsecutive {
		conn.ConsecutiveErrors = 0
	}
	conn.ConsecutiveErrors += delta.Errors
	if delta.LastErrorMessage != "" {
		at := delta.At
		conn.LastErrorMessage = delta.LastErrorMessage
		conn.LastErrorAt = &at
	}
	r.byID[id] = conn
	return conn, nil
}

func (r *memoryRepository) UpdateHealth(_ context.Context, id string, health core.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return core.ErrConnectionNotFound
	}
	conn.HealthStatus = health
	r.byID[id] = conn
	return nil
}

type memoryLedger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{keys: map[string]struct{}{}}
}

func (l *memoryLedger) Claim(_ context.Context, receipt core.MessageReceipt) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := receipt.ConnectionID + "|" + receipt.EventKey
	if _, exists := l.keys[key]; exists {
		return false, nil
	}
	l.keys[key] = struct{}{}
	return true, nil
}

func (l *memoryLedger) Release(_ context.Context, connectionID string, eventKeys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range eventKeys {
		delete(l.keys, connectionID+"|"+key)
	}
	return nil
}

type memoryEventLog struct {
	mu     sync.Mutex
	events []core.WebhookEvent
}

func (l *memoryEventLog) Append(_ context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return event, nil
}

func (l *memoryEventLog) ListByConnection(_ context.Context, connectionID string, _ int) ([]core.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []core.WebhookEvent{}
	for _, event := range l.events {
		if event.ConnectionID == connectionID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (l *memoryEventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.EventType)
	}
	return out
}

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func connectedCloudConnection(id, phoneNumberID string) core.Connection {
	return core.Connection{
		ID:           id,
		UserID:       "user_1",
		CompanyID:    "cmp_1",
		Channel:      core.ChannelCloud,
		Status:       core.ConnectionStatusConnected,
		HealthStatus: core.HealthStatusHealthy,
		Cloud: &core.CloudDetails{
			WABAID:        "waba_1",
			PhoneNumberID: phoneNumberID,
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}
