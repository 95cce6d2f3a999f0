package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	EventMessageReceived = "message.received"
	EventMessageStatus   = "message.status"
	EventMessageFailed   = "message.failed"
	EventProviderError   = "provider.error"

	receiptKindMessage = "message"
	receiptKindStatus  = "status"
	receiptKindError   = "error"

	statusFailed = "failed"
	statusSent   = "sent"

	loggerName = "webhooks"
)

// ConnectionResolver finds the connection that owns a Cloud phone number.
type ConnectionResolver interface {
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (core.Connection, error)
}

// Result is reported to the provider for every delivery regardless of the
// internal outcome.
type Result struct {
	ProcessedEntries int   `json:"processed_entries"`
	DurationMS       int64 `json:"duration_ms"`

	Applied    int `json:"-"`
	Duplicates int `json:"-"`
	Rejected   int `json:"-"`
	Skipped    int `json:"-"`
}

type Config struct {
	VerifyToken  string
	AppSecret    string
	BridgeAPIKey string
	Thresholds   core.HealthThresholds
}

type Option func(*Processor)

func WithResolver(resolver ConnectionResolver) Option {
	return func(p *Processor) {
		if resolver != nil {
			p.resolver = resolver
		}
	}
}

func WithEventLog(events core.EventLog) Option {
	return func(p *Processor) {
		p.events = events
	}
}

func WithLogger(logger core.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(p *Processor) {
		p.loggerProvider = provider
	}
}

func WithClock(clock core.Clock) Option {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

func WithVerifier(verifier HMACVerifier) Option {
	return func(p *Processor) {
		p.verifier = verifier
	}
}

// Processor verifies and applies inbound provider events. Application is
// idempotent through the message ledger; counters are only ever added.
type Processor struct {
	config         Config
	repository     core.ConnectionRepository
	resolver       ConnectionResolver
	ledger         core.MessageLedger
	vault          core.CredentialVault
	events         core.EventLog
	verifier       HMACVerifier
	logger         core.Logger
	loggerProvider core.LoggerProvider
	now            core.Clock
}

func NewProcessor(cfg Config, repository core.ConnectionRepository, ledger core.MessageLedger, vault core.CredentialVault, opts ...Option) (*Processor, error) {
	if repository == nil {
		return nil, fmt.Errorf("webhooks: connection repository is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("webhooks: message ledger is required")
	}
	if cfg.Thresholds == (core.HealthThresholds{}) {
		cfg.Thresholds = core.DefaultHealthThresholds()
	}
	p := &Processor{
		config:     cfg,
		repository: repository,
		resolver:   repository,
		ledger:     ledger,
		vault:      vault,
		verifier:   DefaultHMACVerifier(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	provider, logger := glog.Resolve(loggerName, p.loggerProvider, p.logger)
	p.loggerProvider = provider
	p.logger = glog.Ensure(logger)
	return p, nil
}

// HandleVerificationChallenge answers the GET subscription handshake.
func (p *Processor) HandleVerificationChallenge(mode, token, challenge string) (string, error) {
	return VerifyChallenge(p.config.VerifyToken, mode, token, challenge)
}

// Process parses rawBody and applies it. Malformed bodies are logged and
// reported as zero processed entries.
func (p *Processor) Process(ctx context.Context, rawBody []byte, signature string) Result {
	startedAt := time.Now()
	payload, err := ParsePayload(rawBody)
	if err != nil {
		p.log(ctx, "warn", "webhook payload rejected", map[string]any{"error": err.Error()})
		return Result{DurationMS: time.Since(startedAt).Milliseconds()}
	}
	return p.ProcessWebhook(ctx, payload, signature, rawBody)
}

// ProcessWebhook applies every "messages" change unit of payload. The
// signature is checked per owning connection over the raw body; a mismatch
// rejects the whole change unit.
func (p *Processor) ProcessWebhook(ctx context.Context, payload Payload, signature string, rawBody []byte) Result {
	startedAt := time.Now()
	result := Result{}
	verified := map[string]error{}
	digest := bodyDigest(rawBody)

	for _, entry := range payload.Entry {
		result.ProcessedEntries++
		for index, change := range entry.Changes {
			if strings.TrimSpace(strings.ToLower(change.Field)) != FieldMessages {
				result.Skipped++
				continue
			}
			unit := changeUnit{
				entryID:   entry.ID,
				index:     index,
				change:    change,
				signature: signature,
				rawBody:   rawBody,
				digest:    digest,
			}
			p.applyChange(ctx, unit, verified, &result)
		}
	}

	result.DurationMS = time.Since(startedAt).Milliseconds()
	p.log(ctx, "info", "webhook processed", map[string]any{
		"processed_entries": result.ProcessedEntries,
		"applied":           result.Applied,
		"duplicates":        result.Duplicates,
		"rejected":          result.Rejected,
		"skipped":           result.Skipped,
		"duration_ms":       result.DurationMS,
	})
	return result
}

type changeUnit struct {
	entryID   string
	index     int
	change    Change
	signature string
	rawBody   []byte
	digest    string
}

func (p *Processor) applyChange(ctx context.Context, unit changeUnit, verified map[string]error, result *Result) {
	phoneNumberID := strings.TrimSpace(unit.change.Value.Metadata.PhoneNumberID)
	fields := map[string]any{"entry_id": unit.entryID, "phone_number_id": phoneNumberID}
	if phoneNumberID == "" {
		result.Skipped++
		p.log(ctx, "warn", "webhook change without phone number id", fields)
		return
	}
	conn, err := p.resolver.FindByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		result.Skipped++
		fields["error"] = err.Error()
		p.log(ctx, "warn", "webhook change for unknown connection", fields)
		return
	}
	fields["connection_id"] = conn.ID

	verifyErr, seen := verified[conn.ID]
	if !seen {
		verifyErr = p.verify(ctx, conn, unit.signature, unit.rawBody)
		verified[conn.ID] = verifyErr
	}
	if verifyErr != nil {
		result.Rejected++
		fields["error"] = verifyErr.Error()
		p.log(ctx, "warn", "webhook signature rejected", fields)
		return
	}
	if conn.Status != core.ConnectionStatusConnected && conn.Status != core.ConnectionStatusError {
		result.Skipped++
		fields["status"] = string(conn.Status)
		p.log(ctx, "warn", "webhook change for inactive connection", fields)
		return
	}

	now := p.now().UTC()
	batch := newReceiptBatch(p, conn.ID, now)
	value := unit.change.Value

	for _, message := range value.Messages {
		id := strings.TrimSpace(message.ID)
		if id == "" {
			result.Skipped++
			p.log(ctx, "warn", "webhook message without id", fields)
			continue
		}
		if !batch.claim(ctx, "msg:"+id, receiptKindMessage, result) {
			continue
		}
		batch.delta.Received++
		batch.event(EventMessageReceived, core.WebhookEventSuccess, map[string]any{
			"message_id": message.ID,
			"from":       message.From,
			"type":       message.Type,
		})
	}

	for _, status := range value.Statuses {
		id := strings.TrimSpace(status.ID)
		if id == "" {
			result.Skipped++
			p.log(ctx, "warn", "webhook status without message id", fields)
			continue
		}
		state := strings.TrimSpace(strings.ToLower(status.Status))
		if !batch.claim(ctx, "status:"+id+":"+state, receiptKindStatus, result) {
			continue
		}
		payload := map[string]any{"message_id": status.ID, "status": state, "recipient_id": status.RecipientID}
		if state == statusFailed {
			batch.delta.Errors++
			batch.delta.LastErrorMessage = describeErrors(status.Errors, "message delivery failed")
			payload["error"] = batch.delta.LastErrorMessage
			batch.event(EventMessageFailed, core.WebhookEventError, payload)
			continue
		}
		batch.delta.ResetConsecutive = true
		if state == statusSent {
			batch.delta.Sent++
		}
		batch.event(EventMessageStatus, core.WebhookEventSuccess, payload)
	}

	for index, providerErr := range value.Errors {
		key := fmt.Sprintf("error:%s:%s:%d:%d", unit.digest, unit.entryID, unit.index, index)
		if !batch.claim(ctx, key, receiptKindError, result) {
			continue
		}
		batch.delta.Errors++
		batch.delta.LastErrorMessage = firstNonEmpty(providerErr.Describe(), "provider reported an error")
		batch.event(EventProviderError, core.WebhookEventError, map[string]any{
			"code":    providerErr.Code,
			"message": batch.delta.LastErrorMessage,
		})
	}

	batch.commit(ctx, fields, result)
}

// receiptBatch collects the receipts claimed for one change. Counters are
// written once for the batch; events are appended only after that write and
// the claims are released when it fails, so a redelivery is counted again.
type receiptBatch struct {
	p            *Processor
	connectionID string
	now          time.Time
	delta        core.CounterDelta
	keys         []string
	events       []pendingEvent
}

type pendingEvent struct {
	eventType string
	status    core.WebhookEventStatus
	payload   map[string]any
}

func newReceiptBatch(p *Processor, connectionID string, now time.Time) *receiptBatch {
	return &receiptBatch{
		p:            p,
		connectionID: connectionID,
		now:          now,
		delta:        core.CounterDelta{At: now},
	}
}

func (b *receiptBatch) claim(ctx context.Context, key, kind string, result *Result) bool {
	if !b.p.claim(ctx, b.connectionID, key, kind, b.now, result) {
		return false
	}
	b.keys = append(b.keys, key)
	return true
}

func (b *receiptBatch) event(eventType string, status core.WebhookEventStatus, payload map[string]any) {
	b.events = append(b.events, pendingEvent{eventType: eventType, status: status, payload: payload})
}

func (b *receiptBatch) commit(ctx context.Context, fields map[string]any, result *Result) {
	if len(b.keys) == 0 || b.delta.Empty() {
		return
	}
	updated, err := b.p.repository.ApplyCounters(ctx, b.connectionID, b.delta)
	if err != nil {
		fields["error"] = err.Error()
		b.p.log(ctx, "error", "webhook counters not applied", fields)
		b.p.release(ctx, b.connectionID, b.keys)
		return
	}
	result.Applied++
	for _, event := range b.events {
		b.p.appendEvent(ctx, b.connectionID, event.eventType, event.status, event.payload)
	}
	b.p.recomputeHealth(ctx, updated)
}

func (p *Processor) verify(ctx context.Context, conn core.Connection, signature string, rawBody []byte) error {
	secret, err := p.secretFor(ctx, conn)
	if err != nil {
		return err
	}
	return p.verifier.Verify(secret, signature, rawBody)
}

// secretFor prefers the connection's own webhook secret and falls back to
// the app secret.
func (p *Processor) secretFor(ctx context.Context, conn core.Connection) (string, error) {
	if conn.Cloud != nil && strings.TrimSpace(conn.Cloud.EncryptedWebhookSecret) != "" {
		if p.vault == nil {
			return "", core.NewEncryptionError(nil, "webhooks: vault is required to open webhook secret")
		}
		plaintext, err := p.vault.Decrypt(ctx, conn.Cloud.EncryptedWebhookSecret)
		if err != nil {
			return "", err
		}
		return string(plaintext), nil
	}
	if p.config.AppSecret != "" {
		return p.config.AppSecret, nil
	}
	return "", core.NewSignatureError("webhooks: no webhook secret configured for connection")
}

func (p *Processor) claim(ctx context.Context, connectionID, key, kind string, now time.Time, result *Result) bool {
	claimed, err := p.ledger.Claim(ctx, core.MessageReceipt{
		ConnectionID: connectionID,
		EventKey:     key,
		Kind:         kind,
		ReceivedAt:   now,
	})
	if err != nil {
		p.log(ctx, "error", "webhook receipt claim failed", map[string]any{
			"connection_id": connectionID,
			"event_key":     key,
			"error":         err.Error(),
		})
		return false
	}
	if !claimed {
		result.Duplicates++
	}
	return claimed
}

func (p *Processor) release(ctx context.Context, connectionID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := p.ledger.Release(ctx, connectionID, keys...); err != nil {
		p.log(ctx, "error", "webhook receipt release failed", map[string]any{
			"connection_id": connectionID,
			"event_keys":    keys,
			"error":         err.Error(),
		})
	}
}

func (p *Processor) recomputeHealth(ctx context.Context, conn core.Connection) {
	health := core.DeriveHealth(conn.ConsecutiveErrors, p.config.Thresholds)
	if health == conn.HealthStatus {
		return
	}
	if err := p.repository.UpdateHealth(ctx, conn.ID, health); err != nil {
		p.log(ctx, "error", "webhook health update failed", map[string]any{
			"connection_id": conn.ID,
			"health":        string(health),
			"error":         err.Error(),
		})
	}
}

func (p *Processor) appendEvent(ctx context.Context, connectionID, eventType string, status core.WebhookEventStatus, payload map[string]any) {
	if p.events == nil {
		return
	}
	_, err := p.events.Append(ctx, core.WebhookEvent{
		ConnectionID: connectionID,
		EventType:    eventType,
		Status:       status,
		Payload:      payload,
		CreatedAt:    p.now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log(ctx, "error", "webhook event not recorded", map[string]any{
			"connection_id": connectionID,
			"event_type":    eventType,
			"error":         err.Error(),
		})
	}
}

func (p *Processor) log(ctx context.Context, level, message string, fields map[string]any) {
	logger := p.logger
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(core.FieldsLogger); ok {
		logger = fieldsLogger.WithFields(fields)
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	switch level {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func describeErrors(errs []ProviderError, fallback string) string {
	parts := make([]string, 0, len(errs))
	for _, providerErr := range errs {
		if text := providerErr.Describe(); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "; ")
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
