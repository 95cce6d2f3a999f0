package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type connectionRecord struct {
	bun.BaseModel `bun:"table:channel_connections,alias:cc"`

	ID           string `bun:"id,pk"`
	UserID       string `bun:"user_id,notnull"`
	AgentID      string `bun:"agent_id,notnull"`
	CompanyID    string `bun:"company_id,notnull"`
	Channel      string `bun:"channel,notnull"`
	Status       string `bun:"status,notnull"`
	HealthStatus string `bun:"health_status,notnull"`
	PhoneNumber  string `bun:"phone_number,notnull"`
	DisplayName  string `bun:"display_name,notnull"`

	InstanceName       string     `bun:"instance_name,nullzero"`
	ExpiresAt          *time.Time `bun:"expires_at,nullzero"`
	ConnectionAttempts int        `bun:"connection_attempts,notnull"`
	QRCode             string     `bun:"qr_code,notnull"`
	QRUpdatedAt        *time.Time `bun:"qr_updated_at,nullzero"`
	PairingStartedAt   *time.Time `bun:"pairing_started_at,nullzero"`

	BusinessAccountID      string     `bun:"business_account_id,notnull"`
	WABAID                 string     `bun:"waba_id,notnull"`
	PhoneNumberID          string     `bun:"phone_number_id,nullzero"`
	EncryptedAccessToken   string     `bun:"encrypted_access_token,notnull"`
	EncryptedRefreshToken  string     `bun:"encrypted_refresh_token,notnull"`
	TokenExpiresAt         *time.Time `bun:"token_expires_at,nullzero"`
	VerifiedStatus         string     `bun:"verified_status,notnull"`
	QualityRating          string     `bun:"quality_rating,notnull"`
	WebhookVerified        bool       `bun:"webhook_verified,notnull"`
	EncryptedWebhookSecret string     `bun:"encrypted_webhook_secret,notnull"`
	RefreshingUntil        *time.Time `bun:"refreshing_until,nullzero"`

	QuotaLimit   int        `bun:"quota_limit,notnull"`
	QuotaUsed    int        `bun:"quota_used,notnull"`
	QuotaResetAt *time.Time `bun:"quota_reset_at,nullzero"`

	MessagesSent      int64      `bun:"messages_sent,notnull"`
	MessagesReceived  int64      `bun:"messages_received,notnull"`
	ErrorCount        int        `bun:"error_count,notnull"`
	ConsecutiveErrors int        `bun:"consecutive_errors,notnull"`
	LastErrorMessage  string     `bun:"last_error_message,notnull"`
	LastErrorAt       *time.Time `bun:"last_error_at,nullzero"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:channel_webhook_events,alias:cwe"`

	ID           string         `bun:"id,pk"`
	ConnectionID string         `bun:"connection_id,notnull"`
	EventType    string         `bun:"event_type,notnull"`
	Status       string         `bun:"status,notnull"`
	Payload      map[string]any `bun:"payload,type:jsonb,notnull"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type messageReceiptRecord struct {
	bun.BaseModel `bun:"table:channel_message_receipts,alias:cmr"`

	ID           string    `bun:"id,pk"`
	ConnectionID string    `bun:"connection_id,notnull"`
	EventKey     string    `bun:"event_key,notnull"`
	Kind         string    `bun:"kind,notnull"`
	ReceivedAt   time.Time `bun:"received_at,nullzero,notnull,default:current_timestamp"`
}
