package core

import (
	"fmt"
	"strings"
	"time"
)

type ChannelKind string

const (
	ChannelBridge ChannelKind = "bridge"
	ChannelCloud  ChannelKind = "cloud"
)

func (k ChannelKind) Valid() bool {
	return k == ChannelBridge || k == ChannelCloud
}

type ConnectionStatus string

const (
	ConnectionStatusIdle         ConnectionStatus = "idle"
	ConnectionStatusPending      ConnectionStatus = "pending"
	ConnectionStatusQRCode       ConnectionStatus = "qrcode"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusExpired      ConnectionStatus = "expired"
	ConnectionStatusError        ConnectionStatus = "error"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// AllConnectionStatuses lists every status the state machine may persist.
var AllConnectionStatuses = []ConnectionStatus{
	ConnectionStatusIdle,
	ConnectionStatusPending,
	ConnectionStatusQRCode,
	ConnectionStatusConnected,
	ConnectionStatusExpired,
	ConnectionStatusError,
	ConnectionStatusDisconnected,
}

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "unknown"
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// BridgeDetails is the payload of a QR-paired bridge connection.
type BridgeDetails struct {
	InstanceName       string
	ExpiresAt          *time.Time
	ConnectionAttempts int
	QRCode             string
	QRUpdatedAt        *time.Time
	PairingStartedAt   *time.Time
}

// CloudDetails is the payload of an OAuth2-authorized Cloud API connection.
// Token and secret fields hold sealed iv:authTag:ciphertext blobs.
type CloudDetails struct {
	BusinessAccountID      string
	WABAID                 string
	PhoneNumberID          string
	EncryptedAccessToken   string
	EncryptedRefreshToken  string
	TokenExpiresAt         *time.Time
	VerifiedStatus         string
	QualityRating          string
	WebhookVerified        bool
	EncryptedWebhookSecret string
	RefreshingUntil        *time.Time
}

type Quota struct {
	Limit   int
	Used    int
	ResetAt *time.Time
}

type MessageCounters struct {
	Sent     int64
	Received int64
}

type Connection struct {
	ID        string
	UserID    string
	AgentID   string
	CompanyID string
	Channel   ChannelKind

	Status       ConnectionStatus
	HealthStatus HealthStatus
	PhoneNumber  string
	DisplayName  string

	Bridge *BridgeDetails
	Cloud  *CloudDetails

	Quota    Quota
	Counters MessageCounters

	ErrorCount        int
	ConsecutiveErrors int
	LastErrorMessage  string
	LastErrorAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	errorDelta CounterDelta
}

// ErrorDelta returns the error bookkeeping recorded by transitions on this
// value since it was loaded. Update never writes counter or health columns,
// so callers persist this through ApplyCounters.
func (c Connection) ErrorDelta() CounterDelta {
	return c.errorDelta
}

// Stored returns c as a repository holds it, without pending error
// bookkeeping.
func (c Connection) Stored() Connection {
	c.errorDelta = CounterDelta{}
	return c
}

// ClearErrors ends the consecutive error streak after a successful call.
func (c *Connection) ClearErrors(now time.Time) {
	if c == nil {
		return
	}
	c.ConsecutiveErrors = 0
	c.HealthStatus = HealthStatusHealthy
	c.errorDelta.ResetConsecutive = true
	c.errorDelta.Errors = 0
	c.errorDelta.At = now.UTC()
}

// ExternalState is a provider observation fed into Connection.Observe.
type ExternalState struct {
	State       string
	QRCode      string
	PhoneNumber string
	ProfileName string
}

// NewBridgeConnection returns an idle bridge connection ready for Initiate.
func NewBridgeConnection(userID, agentID, companyID, instanceName string, now time.Time) Connection {
	now = now.UTC()
	return Connection{
		UserID:       strings.TrimSpace(userID),
		AgentID:      strings.TrimSpace(agentID),
		CompanyID:    strings.TrimSpace(companyID),
		Channel:      ChannelBridge,
		Status:       ConnectionStatusIdle,
		HealthStatus: HealthStatusUnknown,
		Bridge:       &BridgeDetails{InstanceName: strings.TrimSpace(instanceName)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewCloudConnection returns an idle cloud connection ready for Initiate.
func NewCloudConnection(userID, agentID, companyID string, details CloudDetails, now time.Time) Connection {
	now = now.UTC()
	cloud := details
	return Connection{
		UserID:       strings.TrimSpace(userID),
		AgentID:      strings.TrimSpace(agentID),
		CompanyID:    strings.TrimSpace(companyID),
		Channel:      ChannelCloud,
		Status:       ConnectionStatusIdle,
		HealthStatus: HealthStatusUnknown,
		Cloud:        &cloud,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func connectionTransitionAllowed(current, next ConnectionStatus) bool {
	allowed := map[ConnectionStatus]map[ConnectionStatus]struct{}{
		ConnectionStatusIdle: {
			ConnectionStatusPending: {},
		},
		ConnectionStatusPending: {
			ConnectionStatusQRCode:    {},
			ConnectionStatusConnected: {},
			ConnectionStatusExpired:   {},
			ConnectionStatusError:     {},
		},
		ConnectionStatusQRCode: {
			ConnectionStatusConnected: {},
			ConnectionStatusExpired:   {},
			ConnectionStatusError:     {},
		},
		ConnectionStatusConnected: {
			ConnectionStatusError:        {},
			ConnectionStatusDisconnected: {},
		},
	}
	targets, ok := allowed[current]
	if !ok {
		return false
	}
	_, ok = targets[next]
	return ok
}

// CanTransition reports whether the transition table admits current -> next.
func CanTransition(current, next ConnectionStatus) bool {
	return connectionTransitionAllowed(current, next)
}

// SourcesFor returns every status that may legally transition into target.
// Repositories use it to condition writes on the persisted status.
func SourcesFor(target ConnectionStatus) []ConnectionStatus {
	sources := make([]ConnectionStatus, 0, 3)
	for _, status := range AllConnectionStatuses {
		if connectionTransitionAllowed(status, target) {
			sources = append(sources, status)
		}
	}
	return sources
}

// TransitionTo moves the connection to status. Re-entering the current status
// only refreshes the timestamp.
func (c *Connection) TransitionTo(status ConnectionStatus, reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	now = now.UTC()
	if c.Status != status {
		if !connectionTransitionAllowed(c.Status, status) {
			return NewInvalidTransitionError(c.ID, c.Status, status)
		}
		c.Status = status
	}
	c.UpdatedAt = now
	if reason = strings.TrimSpace(reason); reason != "" {
		c.LastErrorMessage = reason
		c.LastErrorAt = &now
		c.errorDelta.LastErrorMessage = reason
		c.errorDelta.At = now
	}
	return nil
}

// Initiate moves an idle connection into pending. Bridge connections get
// their pairing deadline here.
func (c *Connection) Initiate(now time.Time, instanceTTL time.Duration) error {
	if c == nil {
		return nil
	}
	if c.Status != ConnectionStatusIdle {
		return NewInvalidTransitionError(c.ID, c.Status, ConnectionStatusPending)
	}
	if err := c.TransitionTo(ConnectionStatusPending, "", now); err != nil {
		return err
	}
	if c.Channel == ChannelBridge {
		if c.Bridge == nil {
			c.Bridge = &BridgeDetails{}
		}
		started := now.UTC()
		expires := started.Add(instanceTTL)
		c.Bridge.PairingStartedAt = &started
		c.Bridge.ExpiresAt = &expires
	}
	return nil
}

// Observe applies a provider-reported state. It returns true when the
// connection changed.
func (c *Connection) Observe(state ExternalState, now time.Time) (bool, error) {
	if c == nil {
		return false, nil
	}
	switch NormalizeExternalState(state.State) {
	case externalStateOpen:
		if c.Status == ConnectionStatusConnected {
			return c.captureProfile(state.PhoneNumber, state.ProfileName, now), nil
		}
		return true, c.MarkConnected(state.PhoneNumber, state.ProfileName, now)
	case externalStateConnecting:
		qr := strings.TrimSpace(state.QRCode)
		if qr == "" {
			return false, nil
		}
		if c.Status != ConnectionStatusPending && c.Status != ConnectionStatusQRCode {
			return false, NewInvalidTransitionError(c.ID, c.Status, ConnectionStatusQRCode)
		}
		if err := c.TransitionTo(ConnectionStatusQRCode, "", now); err != nil {
			return false, err
		}
		c.setQRCode(qr, now)
		return true, nil
	case externalStateClosed:
		if c.Status == ConnectionStatusConnected {
			return true, c.MarkError("session closed by provider", now)
		}
		return false, nil
	default:
		return false, nil
	}
}

// MarkConnected records a successful pairing or authorization.
func (c *Connection) MarkConnected(phone, profile string, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == ConnectionStatusConnected {
		c.captureProfile(phone, profile, now)
		return nil
	}
	if err := c.TransitionTo(ConnectionStatusConnected, "", now); err != nil {
		return err
	}
	c.captureProfile(phone, profile, now)
	if c.Bridge != nil {
		c.Bridge.QRCode = ""
		c.Bridge.QRUpdatedAt = nil
	}
	c.ClearErrors(now)
	return nil
}

func (c *Connection) MarkExpired(now time.Time) error {
	if c == nil {
		return nil
	}
	if err := c.TransitionTo(ConnectionStatusExpired, "pairing window expired", now); err != nil {
		return err
	}
	if c.Bridge != nil {
		c.Bridge.QRCode = ""
		c.Bridge.QRUpdatedAt = nil
	}
	return nil
}

func (c *Connection) MarkError(reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	if err := c.TransitionTo(ConnectionStatusError, reason, now); err != nil {
		return err
	}
	c.ErrorCount++
	c.ConsecutiveErrors++
	c.errorDelta.Errors++
	c.HealthStatus = DeriveHealth(c.ConsecutiveErrors, DefaultHealthThresholds())
	if c.Bridge != nil {
		c.Bridge.QRCode = ""
	}
	return nil
}

func (c *Connection) Disconnect(now time.Time) error {
	if c == nil {
		return nil
	}
	if err := c.TransitionTo(ConnectionStatusDisconnected, "", now); err != nil {
		return err
	}
	if c.Bridge != nil {
		c.Bridge.QRCode = ""
	}
	return nil
}

func (c *Connection) captureProfile(phone, profile string, now time.Time) bool {
	changed := false
	if phone = strings.TrimSpace(phone); phone != "" && phone != c.PhoneNumber {
		c.PhoneNumber = phone
		changed = true
	}
	if profile = strings.TrimSpace(profile); profile != "" && profile != c.DisplayName {
		c.DisplayName = profile
		changed = true
	}
	if changed {
		c.UpdatedAt = now.UTC()
	}
	return changed
}

func (c *Connection) setQRCode(qr string, now time.Time) {
	if c.Bridge == nil {
		c.Bridge = &BridgeDetails{}
	}
	at := now.UTC()
	c.Bridge.QRCode = qr
	c.Bridge.QRUpdatedAt = &at
	c.Bridge.ConnectionAttempts++
}

// PairingDeadlinePassed reports whether a bridge pairing is past expires_at.
func (c Connection) PairingDeadlinePassed(now time.Time) bool {
	if c.Channel != ChannelBridge || c.Bridge == nil || c.Bridge.ExpiresAt == nil {
		return false
	}
	return !now.UTC().Before(c.Bridge.ExpiresAt.UTC())
}

// EffectiveStatus is the status a reader must observe: a pending or qrcode
// bridge connection past its deadline reads as expired even when no sweep
// has persisted that yet.
func (c Connection) EffectiveStatus(now time.Time) ConnectionStatus {
	if (c.Status == ConnectionStatusPending || c.Status == ConnectionStatusQRCode) && c.PairingDeadlinePassed(now) {
		return ConnectionStatusExpired
	}
	return c.Status
}

// Normalize applies EffectiveStatus to the value itself.
func (c Connection) Normalize(now time.Time) Connection {
	if status := c.EffectiveStatus(now); status != c.Status {
		c.Status = status
		if c.Bridge != nil {
			bridge := *c.Bridge
			bridge.QRCode = ""
			c.Bridge = &bridge
		}
	}
	return c
}

func (c Connection) InstanceName() string {
	if c.Bridge == nil {
		return ""
	}
	return c.Bridge.InstanceName
}

func (c Connection) PhoneNumberID() string {
	if c.Cloud == nil {
		return ""
	}
	return c.Cloud.PhoneNumberID
}

func (c Connection) Terminal() bool {
	return c.Status == ConnectionStatusDisconnected ||
		c.Status == ConnectionStatusExpired ||
		c.Status == ConnectionStatusError
}

func (c Connection) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return NewValidationError("user_id", "user id is required")
	}
	if !c.Channel.Valid() {
		return NewValidationError("channel", fmt.Sprintf("unsupported channel %q", c.Channel))
	}
	switch c.Channel {
	case ChannelBridge:
		if c.Bridge == nil || strings.TrimSpace(c.Bridge.InstanceName) == "" {
			return NewValidationError("instance_name", "instance name is required")
		}
	case ChannelCloud:
		if c.Cloud == nil || strings.TrimSpace(c.Cloud.PhoneNumberID) == "" {
			return NewValidationError("phone_number_id", "phone number id is required")
		}
	}
	return nil
}

const (
	externalStateOpen       = "open"
	externalStateConnecting = "connecting"
	externalStateClosed     = "close"
	externalStateUnknown    = "unknown"
)

// NormalizeExternalState folds provider state spellings into open,
// connecting, close or unknown.
func NormalizeExternalState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected", "online":
		return externalStateOpen
	case "connecting", "qrcode", "qr", "pairing":
		return externalStateConnecting
	case "close", "closed", "disconnected", "refused", "logout":
		return externalStateClosed
	default:
		return externalStateUnknown
	}
}
