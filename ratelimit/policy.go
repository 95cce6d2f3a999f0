// Package ratelimit tracks upstream throttling signals and refuses calls
// while an upstream has asked clients to back off.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/transport"
	goerrors "github.com/goliatone/go-errors"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Graph API error codes that signal throttling rather than a bad request.
var graphThrottleCodes = map[int]struct{}{
	4:      {},
	17:     {},
	32:     {},
	613:    {},
	80007:  {},
	130429: {},
	131048: {},
	131056: {},
}

// Key identifies one throttling bucket, such as the Cloud API for one app.
type Key struct {
	Channel core.ChannelKind
	Scope   string
}

type State struct {
	Key            Key
	UsagePercent   int
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: %s bucket %q throttled for %s",
		e.Key.Channel,
		strings.TrimSpace(e.Key.Scope),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"channel": string(e.Key.Channel),
		"scope":   strings.TrimSpace(e.Key.Scope),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.Wrap(e, goerrors.CategoryRateLimit, e.Error()).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

// AdaptivePolicy opens a throttle window when the upstream answers 429,
// reports a Graph throttling error code, or publishes usage at or above
// UsageCeiling percent. Windows use Retry-After or Meta's
// estimated_time_to_regain_access when present and exponential backoff
// otherwise.
type AdaptivePolicy struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UsageCeiling   int
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		UsageCeiling:   100,
	}
}

// For binds the policy to one bucket so it can sit on a transport adapter.
func (p *AdaptivePolicy) For(key Key) transport.Limiter {
	return boundLimiter{policy: p, key: normalizeKey(key)}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Key: state.Key, RetryAfter: until.Sub(now)}.ToServiceError()
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key Key, res transport.Response) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Key: key}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.UsagePercent = usagePercent(res.Headers)

	hint, hasHint := retryHint(res.Headers, now)
	if hasHint {
		state.RetryAfter = &hint
	} else {
		state.RetryAfter = nil
	}

	if p.isThrottled(res, state.UsagePercent) {
		state.Attempts++
		delay := hint
		if !hasHint {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) isThrottled(res transport.Response, usage int) bool {
	if res.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return false
	}
	if res.StatusCode >= http.StatusBadRequest && isGraphThrottleBody(res.Body) {
		return true
	}
	ceiling := p.UsageCeiling
	if ceiling <= 0 {
		ceiling = 100
	}
	return usage >= ceiling
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

type boundLimiter struct {
	policy *AdaptivePolicy
	key    Key
}

func (l boundLimiter) BeforeCall(ctx context.Context) error {
	return l.policy.BeforeCall(ctx, l.key)
}

func (l boundLimiter) AfterCall(ctx context.Context, res transport.Response) error {
	return l.policy.AfterCall(ctx, l.key, res)
}

type graphErrorBody struct {
	Error struct {
		Code int `json:"code"`
	} `json:"error"`
}

func isGraphThrottleBody(body []byte) bool {
	var out graphErrorBody
	if err := json.Unmarshal(body, &out); err != nil {
		return false
	}
	_, ok := graphThrottleCodes[out.Error.Code]
	return ok
}

type usageEntry struct {
	CallCount                   int `json:"call_count"`
	TotalCPUTime                int `json:"total_cputime"`
	TotalTime                   int `json:"total_time"`
	EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
}

func (u usageEntry) peak() int {
	return max(u.CallCount, u.TotalCPUTime, u.TotalTime)
}

// usagePercent reads X-App-Usage and X-Business-Use-Case-Usage and returns
// the highest reported percentage.
func usagePercent(headers map[string]string) int {
	peak := 0
	if raw := headerValue(headers, "x-app-usage"); raw != "" {
		var app usageEntry
		if json.Unmarshal([]byte(raw), &app) == nil {
			peak = max(peak, app.peak())
		}
	}
	for _, entry := range businessUsage(headers) {
		peak = max(peak, entry.peak())
	}
	return peak
}

func businessUsage(headers map[string]string) []usageEntry {
	raw := headerValue(headers, "x-business-use-case-usage")
	if raw == "" {
		return nil
	}
	var byBusiness map[string][]usageEntry
	if err := json.Unmarshal([]byte(raw), &byBusiness); err != nil {
		return nil
	}
	var out []usageEntry
	for _, entries := range byBusiness {
		out = append(out, entries...)
	}
	return out
}

// retryHint prefers Retry-After, then the longest regain estimate (minutes)
// from X-Business-Use-Case-Usage.
func retryHint(headers map[string]string, now time.Time) (time.Duration, bool) {
	if raw := headerValue(headers, "retry-after"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second, true
		}
		if at, err := http.ParseTime(raw); err == nil && at.After(now) {
			return at.Sub(now), true
		}
	}
	minutes := 0
	for _, entry := range businessUsage(headers) {
		minutes = max(minutes, entry.EstimatedTimeToRegainAccess)
	}
	if minutes > 0 {
		return time.Duration(minutes) * time.Minute, true
	}
	return 0, false
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key Key) Key {
	return Key{
		Channel: core.ChannelKind(strings.ToLower(strings.TrimSpace(string(key.Channel)))),
		Scope:   strings.TrimSpace(key.Scope),
	}
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[Key]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[Key]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(key)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key] = state
	return nil
}
