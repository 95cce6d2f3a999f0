// Package redisstore provides a Redis-backed refresh lease for deployments
// that run several refresh workers against one database.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "go-channels:refresh-lease:"

// releaseScript deletes the lease only when the caller still owns it.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// LeaseClient is the subset of *redis.Client the leaser needs.
type LeaseClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type RefreshLeaser struct {
	client    LeaseClient
	keyPrefix string
}

func NewRefreshLeaser(client LeaseClient, keyPrefix string) (*RefreshLeaser, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RefreshLeaser{client: client, keyPrefix: keyPrefix}, nil
}

// NewClient parses a redis:// URL and verifies the server answers PING.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return client, nil
}

// Acquire takes the lease with SET NX PX. A held lease yields core.ErrLockHeld.
func (l *RefreshLeaser) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redisstore: refresh leaser is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("redisstore: connection id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = core.DefaultRefreshLeaseTTL
	}

	key := l.keyPrefix + connectionID
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: acquire lease: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: connection %q", core.ErrLockHeld, connectionID)
	}
	return &lease{client: l.client, key: key, token: token}, nil
}

type lease struct {
	client LeaseClient
	key    string
	token  string
}

func (h *lease) Unlock(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	if err := h.client.Eval(ctx, releaseScript, []string{h.key}, h.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: release lease: %w", err)
	}
	return nil
}

var _ core.ConnectionLocker = (*RefreshLeaser)(nil)
