package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/uptrace/bun"
)

// RefreshLeaseLocker serializes token refresh per connection with a
// conditional update of refreshing_until. An expired lease is taken over.
type RefreshLeaseLocker struct {
	db  *bun.DB
	now func() time.Time
}

func NewRefreshLeaseLocker(db *bun.DB) (*RefreshLeaseLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RefreshLeaseLocker{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the lease clock.
func (l *RefreshLeaseLocker) WithClock(clock core.Clock) *RefreshLeaseLocker {
	if l != nil && clock != nil {
		l.now = func() time.Time { return clock().UTC() }
	}
	return l
}

func (l *RefreshLeaseLocker) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("sqlstore: refresh lease locker is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("sqlstore: connection id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = core.DefaultRefreshLeaseTTL
	}

	now := l.now().Truncate(time.Microsecond)
	until := now.Add(ttl)
	result, err := l.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("refreshing_until = ?", until).
		Where("id = ?", connectionID).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("refreshing_until IS NULL").WhereOr("refreshing_until <= ?", now)
		}).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		exists, existsErr := l.db.NewSelect().
			Model((*connectionRecord)(nil)).
			Where("id = ?", connectionID).
			Exists(ctx)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, fmt.Errorf("%w: id %q", core.ErrConnectionNotFound, connectionID)
		}
		return nil, fmt.Errorf("%w: connection %q", core.ErrLockHeld, connectionID)
	}
	return &refreshLease{db: l.db, connectionID: connectionID, until: until}, nil
}

type refreshLease struct {
	db           *bun.DB
	connectionID string
	until        time.Time
}

// Unlock clears the lease only while this holder still owns it.
func (h *refreshLease) Unlock(ctx context.Context) error {
	if h == nil || h.db == nil {
		return nil
	}
	_, err := h.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("refreshing_until = NULL").
		Where("id = ?", h.connectionID).
		Where("refreshing_until = ?", h.until).
		Exec(ctx)
	return err
}
