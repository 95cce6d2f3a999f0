package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type ConnectionFilter struct {
	UserID    string
	AgentID   string
	CompanyID string
	Channel   ChannelKind
	Statuses  []ConnectionStatus
	Limit     int
}

// CounterDelta is applied atomically by the repository. Counters are added,
// never overwritten, so concurrent deliveries cannot lose increments.
type CounterDelta struct {
	Sent             int64
	Received         int64
	Errors           int
	ResetConsecutive bool
	LastErrorMessage string
	At               time.Time
}

func (d CounterDelta) Empty() bool {
	return d.Sent == 0 && d.Received == 0 && d.Errors == 0 && !d.ResetConsecutive && d.LastErrorMessage == ""
}

type CascadeResult struct {
	CompanyID   string
	Connections int64
	Events      int64
	Receipts    int64
}

// ConnectionRepository persists connection records. Update is conditioned on
// the persisted status being one of expected and returns ErrStaleWrite when
// it is not.
type ConnectionRepository interface {
	Create(ctx context.Context, conn Connection) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	GetByInstanceName(ctx context.Context, instanceName string) (Connection, error)
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (Connection, error)
	List(ctx context.Context, filter ConnectionFilter) ([]Connection, error)
	ListRefreshCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]Connection, error)
	ListOverduePairings(ctx context.Context, now time.Time, limit int) ([]Connection, error)
	Update(ctx context.Context, conn Connection, expected ...ConnectionStatus) (Connection, error)
	ApplyCounters(ctx context.Context, id string, delta CounterDelta) (Connection, error)
	UpdateHealth(ctx context.Context, id string, health HealthStatus) error
	ResetExpiredQuotas(ctx context.Context, now time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteByCompany(ctx context.Context, companyID string) (CascadeResult, error)
}

type WebhookEventStatus string

const (
	WebhookEventSuccess WebhookEventStatus = "success"
	WebhookEventError   WebhookEventStatus = "error"
	WebhookEventWarning WebhookEventStatus = "warning"
	WebhookEventInfo    WebhookEventStatus = "info"
)

type WebhookEvent struct {
	ID           string
	ConnectionID string
	EventType    string
	Status       WebhookEventStatus
	Payload      map[string]any
	CreatedAt    time.Time
}

// EventLog is append-only.
type EventLog interface {
	Append(ctx context.Context, event WebhookEvent) (WebhookEvent, error)
	ListByConnection(ctx context.Context, connectionID string, limit int) ([]WebhookEvent, error)
}

type MessageReceipt struct {
	ConnectionID string
	EventKey     string
	Kind         string
	ReceivedAt   time.Time
}

// MessageLedger claims a provider event key once per connection. Claim
// returns false when the key was already recorded.
// MessageLedger remembers which provider events were already counted.
// Release forgets keys whose counters could not be written so a redelivery
// is counted again.
type MessageLedger interface {
	Claim(ctx context.Context, receipt MessageReceipt) (bool, error)
	Release(ctx context.Context, connectionID string, eventKeys ...string) error
}

type BridgeCreateInstanceRequest struct {
	InstanceName string
	WebhookURL   string
	QRCode       bool
}

type BridgeInstance struct {
	InstanceName string
	Status       string
	QRCode       string
}

type BridgeConnectionState struct {
	InstanceName string
	State        string
	PhoneNumber  string
	ProfileName  string
}

type BridgeQRCode struct {
	QRCode      string
	PairingCode string
}

type BridgeClient interface {
	CreateInstance(ctx context.Context, req BridgeCreateInstanceRequest) (BridgeInstance, error)
	ConnectionState(ctx context.Context, instanceName string) (BridgeConnectionState, error)
	Connect(ctx context.Context, instanceName string) (BridgeQRCode, error)
	DeleteInstance(ctx context.Context, instanceName string) error
}

type CloudToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

type PhoneNumber struct {
	ID                     string
	DisplayPhoneNumber     string
	VerifiedName           string
	QualityRating          string
	CodeVerificationStatus string
}

type BusinessAccount struct {
	ID           string
	Name         string
	BusinessID   string
	PhoneNumbers []PhoneNumber
}

type WebhookSubscription struct {
	CallbackURL string
	VerifyToken string
	Fields      []string
}

type CloudClient interface {
	AuthorizationURL(state string, redirectURI string, scopes []string) string
	ExchangeCode(ctx context.Context, code string, redirectURI string) (CloudToken, error)
	RefreshToken(ctx context.Context, token CloudToken) (CloudToken, error)
	ListBusinessAccounts(ctx context.Context, accessToken string) ([]BusinessAccount, error)
	GetPhoneNumber(ctx context.Context, accessToken string, phoneNumberID string) (PhoneNumber, error)
	Subscribe(ctx context.Context, accessToken string, businessAccountID string, sub WebhookSubscription) error
	Unsubscribe(ctx context.Context, accessToken string, businessAccountID string) error
}

// CredentialVault seals secrets as iv:authTag:ciphertext blobs.
type CredentialVault interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, blob string) ([]byte, error)
	CanDecrypt(blob string) bool
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionID string, ttl time.Duration) (LockHandle, error)
}

type PolicyRequest struct {
	Action     string
	UserID     string
	AgentID    string
	CompanyID  string
	Channel    ChannelKind
	Attributes map[string]any
}

type PolicyDecision struct {
	Allowed bool
	Reasons []string
}

// PolicyEvaluator is the allow/deny contract of the external rule engine.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req PolicyRequest) (PolicyDecision, error)
}

type AllowAllPolicy struct{}

func (AllowAllPolicy) Evaluate(context.Context, PolicyRequest) (PolicyDecision, error) {
	return PolicyDecision{Allowed: true}, nil
}

type InitiateRequest struct {
	Channel     ChannelKind
	UserID      string
	AgentID     string
	CompanyID   string
	RedirectURI string
}

type InitiateResult struct {
	Connection       *Connection
	QRCode           string
	AuthorizationURL string
	State            string
}

// ChannelStrategy selects orchestration behavior by channel kind.
type ChannelStrategy interface {
	Kind() ChannelKind
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	Advance(ctx context.Context, conn Connection) (Connection, error)
	Teardown(ctx context.Context, conn Connection) error
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type Clock func() time.Time
