package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryRepository struct {
	mu   sync.Mutex
	seq  int
	byID map[string]Connection
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{byID: map[string]Connection{}}
}

func (r *memoryRepository) Create(_ context.Context, conn Connection) (Connection, error) {
	if err := conn.Validate(); err != nil {
		return Connection{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if conn.Channel == ChannelBridge && existing.InstanceName() == conn.InstanceName() {
			return Connection{}, NewDuplicateConnectionError("duplicate instance")
		}
		if conn.Channel == ChannelCloud && conn.Status == ConnectionStatusConnected &&
			existing.Status == ConnectionStatusConnected && existing.PhoneNumberID() == conn.PhoneNumberID() {
			return Connection{}, NewDuplicateConnectionError("duplicate phone number")
		}
	}
	r.seq++
	conn.ID = fmt.Sprintf("conn_%d", r.seq)
	r.byID[conn.ID] = cloneConnection(conn).Stored()
	return cloneConnection(r.byID[conn.ID]), nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return cloneConnection(conn), nil
}

func (r *memoryRepository) GetByInstanceName(_ context.Context, name string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.byID {
		if conn.InstanceName() == name {
			return cloneConnection(conn), nil
		}
	}
	return Connection{}, ErrConnectionNotFound
}

func (r *memoryRepository) FindByPhoneNumberID(_ context.Context, phoneNumberID string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Connection
	for _, conn := range r.byID {
		if conn.PhoneNumberID() != phoneNumberID {
			continue
		}
		if found == nil || conn.Status == ConnectionStatusConnected {
			copied := cloneConnection(conn)
			found = &copied
		}
	}
	if found == nil {
		return Connection{}, ErrConnectionNotFound
	}
	return *found, nil
}

func (r *memoryRepository) List(_ context.Context, filter ConnectionFilter) ([]Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Connection{}
	for _, conn := range r.byID {
		if filter.CompanyID != "" && conn.CompanyID != filter.CompanyID {
			continue
		}
		if filter.UserID != "" && conn.UserID != filter.UserID {
			continue
		}
		if filter.Channel != "" && conn.Channel != filter.Channel {
			continue
		}
		out = append(out, cloneConnection(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepository) ListRefreshCandidates(_ context.Context, dueBefore time.Time, limit int) ([]Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Connection{}
	for _, conn := range r.byID {
		if conn.Channel != ChannelCloud || conn.Status != ConnectionStatusConnected || conn.Cloud == nil {
			continue
		}
		if conn.Cloud.TokenExpiresAt == nil || conn.Cloud.TokenExpiresAt.After(dueBefore) {
			continue
		}
		out = append(out, cloneConnection(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) ListOverduePairings(_ context.Context, now time.Time, limit int) ([]Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Connection{}
	for _, conn := range r.byID {
		if conn.Status != ConnectionStatusPending && conn.Status != ConnectionStatusQRCode {
			continue
		}
		if conn.PairingDeadlinePassed(now) {
			out = append(out, cloneConnection(conn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) Update(_ context.Context, conn Connection, expected ...ConnectionStatus) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[conn.ID]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	if len(expected) > 0 {
		matched := false
		for _, status := range expected {
			if current.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return Connection{}, ErrStaleWrite
		}
	}
	r.byID[conn.ID] = keepCounterColumns(cloneConnection(conn).Stored(), current)
	return cloneConnection(r.byID[conn.ID]), nil
}

// keepCounterColumns mirrors the SQL store: Update leaves counter, error and
// health columns to ApplyCounters and UpdateHealth.
func keepCounterColumns(next, current Connection) Connection {
	next.Counters = current.Counters
	next.ErrorCount = current.ErrorCount
	next.ConsecutiveErrors = current.ConsecutiveErrors
	next.LastErrorMessage = current.LastErrorMessage
	next.LastErrorAt = current.LastErrorAt
	next.HealthStatus = current.HealthStatus
	next.Quota.Used = current.Quota.Used
	next.Quota.ResetAt = current.Quota.ResetAt
	return next
}

func (r *memoryRepository) ApplyCounters(_ context.Context, id string, delta CounterDelta) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return Connection{}, ErrConnectionNotFound
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
	return cloneConnection(conn), nil
}

func (r *memoryRepository) UpdateHealth(_ context.Context, id string, health HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.HealthStatus = health
	r.byID[id] = conn
	return nil
}

func (r *memoryRepository) ResetExpiredQuotas(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, conn := range r.byID {
		if conn.Quota.ResetAt != nil && !conn.Quota.ResetAt.After(now) {
			conn.Quota.Used = 0
			conn.Quota.ResetAt = nil
			r.byID[id] = conn
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrConnectionNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *memoryRepository) DeleteByCompany(_ context.Context, companyID string) (CascadeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := CascadeResult{CompanyID: companyID}
	for id, conn := range r.byID {
		if conn.CompanyID == companyID {
			delete(r.byID, id)
			result.Connections++
		}
	}
	return result, nil
}

func (r *memoryRepository) mutate(id string, fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.byID[id]
	fn(&conn)
	r.byID[id] = conn
}

func cloneConnection(conn Connection) Connection {
	if conn.Bridge != nil {
		bridge := *conn.Bridge
		conn.Bridge = &bridge
	}
	if conn.Cloud != nil {
		cloud := *conn.Cloud
		conn.Cloud = &cloud
	}
	return conn
}

type memoryEventLog struct {
	mu     sync.Mutex
	events []WebhookEvent
}

func (l *memoryEventLog) Append(_ context.Context, event WebhookEvent) (WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	event.ID = fmt.Sprintf("evt_%d", len(l.events)+1)
	l.events = append(l.events, event)
	return event, nil
}

func (l *memoryEventLog) ListByConnection(_ context.Context, connectionID string, limit int) ([]WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []WebhookEvent{}
	for _, event := range l.events {
		if event.ConnectionID == connectionID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryEventLog) types(connectionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []string{}
	for _, event := range l.events {
		if event.ConnectionID == connectionID {
			out = append(out, event.EventType)
		}
	}
	return out
}

// hexVault seals plaintext as a reversible three-segment blob.
type hexVault struct{}

func (hexVault) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	return "000000000000000000000000:00000000000000000000000000000000:" + hex.EncodeToString(plaintext), nil
}

func (hexVault) Decrypt(_ context.Context, blob string) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, NewEncryptionError(nil, "malformed blob")
	}
	plaintext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, NewEncryptionError(err, "malformed blob")
	}
	return plaintext, nil
}

func (hexVault) CanDecrypt(blob string) bool {
	return len(strings.Split(blob, ":")) == 3
}

type fakeBridge struct {
	mu           sync.Mutex
	createResult BridgeInstance
	createErr    error
	state        BridgeConnectionState
	stateErr     error
	qr           BridgeQRCode
	connectErr   error
	deleteErr    error
	connectCalls int
	stateCalls   int
	deleted      []string
	onState      func()
}

func (b *fakeBridge) CreateInstance(_ context.Context, req BridgeCreateInstanceRequest) (BridgeInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return BridgeInstance{}, b.createErr
	}
	result := b.createResult
	result.InstanceName = req.InstanceName
	return result, nil
}

func (b *fakeBridge) ConnectionState(_ context.Context, name string) (BridgeConnectionState, error) {
	if b.onState != nil {
		b.onState()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateCalls++
	if b.stateErr != nil {
		return BridgeConnectionState{}, b.stateErr
	}
	state := b.state
	state.InstanceName = name
	return state, nil
}

func (b *fakeBridge) Connect(context.Context, string) (BridgeQRCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	if b.connectErr != nil {
		return BridgeQRCode{}, b.connectErr
	}
	return b.qr, nil
}

func (b *fakeBridge) DeleteInstance(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, name)
	return b.deleteErr
}

type fakeCloud struct {
	mu            sync.Mutex
	exchanged     CloudToken
	exchangeErr   error
	accounts      []BusinessAccount
	phone         PhoneNumber
	subscribeErr  error
	refreshed     CloudToken
	refreshErr    error
	refreshCalls  int
	subscriptions []string
	unsubscribed  []string
	refreshGate   chan struct{}
}

func (c *fakeCloud) AuthorizationURL(state string, redirectURI string, _ []string) string {
	return "https://provider.example/dialog/oauth?redirect_uri=" + redirectURI + "&state=" + state
}

func (c *fakeCloud) ExchangeCode(context.Context, string, string) (CloudToken, error) {
	return c.exchanged, c.exchangeErr
}

func (c *fakeCloud) RefreshToken(context.Context, CloudToken) (CloudToken, error) {
	if c.refreshGate != nil {
		<-c.refreshGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	return c.refreshed, c.refreshErr
}

func (c *fakeCloud) ListBusinessAccounts(context.Context, string) ([]BusinessAccount, error) {
	return c.accounts, nil
}

func (c *fakeCloud) GetPhoneNumber(_ context.Context, _ string, phoneNumberID string) (PhoneNumber, error) {
	phone := c.phone
	phone.ID = phoneNumberID
	return phone, nil
}

func (c *fakeCloud) Subscribe(_ context.Context, _ string, accountID string, _ WebhookSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, accountID)
	return c.subscribeErr
}

func (c *fakeCloud) Unsubscribe(_ context.Context, _ string, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, accountID)
	return nil
}

type denyPolicy struct {
	reasons []string
}

func (p denyPolicy) Evaluate(context.Context, PolicyRequest) (PolicyDecision, error) {
	return PolicyDecision{Allowed: false, Reasons: p.reasons}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type testHarness struct {
	svc    *Service
	repo   *memoryRepository
	events *memoryEventLog
	bridge *fakeBridge
	cloud  *fakeCloud
	clock  *testClock
}

func newTestHarness(opts ...Option) (*testHarness, error) {
	h := &testHarness{
		repo:   newMemoryRepository(),
		events: &memoryEventLog{},
		bridge: &fakeBridge{},
		cloud:  &fakeCloud{},
		clock:  newTestClock(time.Unix(456, 0)),
	}
	base := []Option{
		WithLogger(stubLogger{}),
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
		WithRepository(h.repo),
		WithEventLog(h.events),
		WithCredentialVault(hexVault{}),
		WithBridgeClient(h.bridge),
		WithCloudClient(h.cloud),
		WithClock(h.clock.Now),
		WithInstanceSuffix(func() (string, error) { return "abc", nil }),
	}
	svc, err := NewService(DefaultConfig(), append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	h.svc = svc
	return h, nil
}
