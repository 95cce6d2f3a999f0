package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-channels/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const phoneNumberCacheKeyPrefix = "go-channels::connection_by_phone_number_id::v1"

// PhoneNumberFinder is the lookup CachedConnectionLookup reads through.
type PhoneNumberFinder interface {
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (core.Connection, error)
}

// CachedConnectionLookup caches phone_number_id resolution on the webhook
// hot path. Counter writes never go through it.
type CachedConnectionLookup struct {
	base  PhoneNumberFinder
	cache repositorycache.CacheService
}

func NewCachedConnectionLookup(
	base PhoneNumberFinder,
	cacheService repositorycache.CacheService,
) (*CachedConnectionLookup, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base connection finder is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: connection cache service is required")
	}
	return &CachedConnectionLookup{base: base, cache: cacheService}, nil
}

// PhoneNumberCacheKey returns go-channels::connection_by_phone_number_id::v1::<id>
// with the id URL-path escaped.
func PhoneNumberCacheKey(phoneNumberID string) (string, error) {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return "", core.NewValidationError("phone_number_id", "phone number id is required")
	}
	return phoneNumberCacheKeyPrefix + "::" + url.PathEscape(phoneNumberID), nil
}

func (l *CachedConnectionLookup) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (core.Connection, error) {
	if l == nil || l.base == nil || l.cache == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: cached connection lookup is not configured")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	cacheKey, err := PhoneNumberCacheKey(phoneNumberID)
	if err != nil {
		return core.Connection{}, err
	}
	conn, err := repositorycache.GetOrFetch(ctx, l.cache, cacheKey, func(ctx context.Context) (core.Connection, error) {
		return l.base.FindByPhoneNumberID(ctx, phoneNumberID)
	})
	if err != nil {
		return core.Connection{}, err
	}
	return cloneConnection(conn), nil
}

// Invalidate drops the cached entry after a status change or teardown.
func (l *CachedConnectionLookup) Invalidate(ctx context.Context, phoneNumberID string) error {
	if l == nil || l.cache == nil {
		return fmt.Errorf("sqlstore: cached connection lookup is not configured")
	}
	cacheKey, err := PhoneNumberCacheKey(phoneNumberID)
	if err != nil {
		return err
	}
	return l.cache.Delete(ctx, cacheKey)
}

func cloneConnection(conn core.Connection) core.Connection {
	cloned := conn
	if conn.Bridge != nil {
		bridge := *conn.Bridge
		cloned.Bridge = &bridge
	}
	if conn.Cloud != nil {
		cloud := *conn.Cloud
		cloned.Cloud = &cloud
	}
	cloned.Quota.ResetAt = utcPointer(conn.Quota.ResetAt)
	cloned.LastErrorAt = utcPointer(conn.LastErrorAt)
	return cloned
}
