package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"
)

const (
	instanceSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	instanceSuffixLength   = 6
)

type CreateInstanceRequest struct {
	UserID       string
	AgentID      string
	CompanyID    string
	InstanceName string
}

type PairingStatus struct {
	Connection        Connection
	AttemptsRemaining int
}

func (p PairingStatus) QRCode() string {
	if p.Connection.Bridge == nil {
		return ""
	}
	return p.Connection.Bridge.QRCode
}

// PairingOrchestrator drives the bridge channel: instance creation, QR
// pairing and teardown.
type PairingOrchestrator struct {
	svc *Service
}

func (p *PairingOrchestrator) Kind() ChannelKind {
	return ChannelBridge
}

// GenerateInstanceName returns agent_{agent}_{unix}_{suffix}, or
// user_{tenant}_... when no agent is bound.
func (p *PairingOrchestrator) GenerateInstanceName(tenant, agent string) (string, error) {
	svc := p.svc
	prefix := strings.TrimSpace(svc.config.Pairing.InstancePrefix)
	if prefix == "" {
		prefix = "agent"
	}
	subject := sanitizeInstanceSegment(agent)
	if subject == "" {
		prefix = "user"
		subject = sanitizeInstanceSegment(tenant)
	}
	if subject == "" {
		return "", NewValidationError("user_id", "tenant or agent is required for instance naming")
	}
	suffix, err := svc.suffixes()
	if err != nil {
		return "", fmt.Errorf("core: generate instance suffix: %w", err)
	}
	suffix = sanitizeInstanceSegment(suffix)
	if suffix == "" {
		return "", fmt.Errorf("core: instance suffix is empty")
	}
	return fmt.Sprintf("%s_%s_%d_%s", prefix, subject, svc.now().Unix(), suffix), nil
}

func (p *PairingOrchestrator) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	status, err := p.CreateInstance(ctx, CreateInstanceRequest{
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		CompanyID: req.CompanyID,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	conn := status.Connection
	return InitiateResult{Connection: &conn, QRCode: status.QRCode()}, nil
}

func (p *PairingOrchestrator) Advance(ctx context.Context, conn Connection) (Connection, error) {
	status, err := p.PollStatus(ctx, conn.InstanceName())
	if err != nil {
		return Connection{}, err
	}
	return status.Connection, nil
}

func (p *PairingOrchestrator) Teardown(ctx context.Context, conn Connection) error {
	if p.svc.bridge == nil || conn.InstanceName() == "" {
		return nil
	}
	return p.svc.bridge.DeleteInstance(ctx, conn.InstanceName())
}

// CreateInstance registers a new bridge instance and persists it as pending.
// Bridge failures are recorded on the connection as error status.
func (p *PairingOrchestrator) CreateInstance(ctx context.Context, req CreateInstanceRequest) (status PairingStatus, err error) {
	svc := p.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":  string(ChannelBridge),
		"user_id":  req.UserID,
		"agent_id": req.AgentID,
	}
	defer func() {
		if status.Connection.ID != "" {
			fields["connection_id"] = status.Connection.ID
			fields["connection_status"] = string(status.Connection.Status)
		}
		svc.observeOperation(ctx, startedAt, "create_instance", err, fields)
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return PairingStatus{}, NewValidationError("user_id", "user id is required")
	}
	if svc.bridge == nil {
		return PairingStatus{}, svc.mapError(fmt.Errorf("core: bridge client is not configured"))
	}
	if err = svc.authorize(ctx, PolicyRequest{
		Action:    PolicyActionCreateConnection,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		CompanyID: req.CompanyID,
		Channel:   ChannelBridge,
	}); err != nil {
		return PairingStatus{}, err
	}

	name := strings.TrimSpace(req.InstanceName)
	if name == "" {
		if name, err = p.GenerateInstanceName(req.UserID, req.AgentID); err != nil {
			return PairingStatus{}, svc.mapError(err)
		}
	}
	fields["instance_name"] = name

	if _, lookupErr := svc.repository.GetByInstanceName(ctx, name); lookupErr == nil {
		return PairingStatus{}, NewDuplicateConnectionError(fmt.Sprintf("core: instance name %q already in use", name))
	} else if !errors.Is(lookupErr, ErrConnectionNotFound) {
		return PairingStatus{}, svc.mapError(lookupErr)
	}

	now := svc.now()
	conn := NewBridgeConnection(req.UserID, req.AgentID, req.CompanyID, name, now)
	if err = conn.Initiate(now, svc.config.Pairing.InstanceTTL); err != nil {
		return PairingStatus{}, err
	}
	conn, err = svc.repository.Create(ctx, conn)
	if err != nil {
		return PairingStatus{}, svc.mapError(err)
	}

	instance, bridgeErr := svc.bridge.CreateInstance(ctx, BridgeCreateInstanceRequest{
		InstanceName: name,
		WebhookURL:   svc.config.Pairing.WebhookURL,
		QRCode:       true,
	})
	if bridgeErr != nil {
		conn, err = p.recordBridgeFailure(ctx, conn, "create instance", bridgeErr)
		return p.statusFor(conn), err
	}

	state := instance.Status
	if instance.QRCode != "" && NormalizeExternalState(state) != externalStateOpen {
		state = externalStateConnecting
	}
	changed, observeErr := conn.Observe(ExternalState{State: state, QRCode: instance.QRCode}, svc.now())
	if observeErr != nil {
		return PairingStatus{}, observeErr
	}
	if changed {
		conn, err = p.persist(ctx, conn, ConnectionStatusPending)
		if err != nil {
			return PairingStatus{}, err
		}
	}
	svc.recordEvent(ctx, conn.ID, "instance.created", WebhookEventInfo, map[string]any{
		"instance_name": name,
		"status":        string(conn.Status),
		"qr_available":  conn.Bridge != nil && conn.Bridge.QRCode != "",
	})
	return p.statusFor(conn), nil
}

// PollStatus reads the persisted record, applies deadline expiry and then
// reconciles it with the bridge. Concurrent pollers are safe: every write is
// conditioned on the status this poll observed.
func (p *PairingOrchestrator) PollStatus(ctx context.Context, instanceName string) (status PairingStatus, err error) {
	svc := p.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":       string(ChannelBridge),
		"instance_name": instanceName,
	}
	defer func() {
		if status.Connection.ID != "" {
			fields["connection_id"] = status.Connection.ID
			fields["connection_status"] = string(status.Connection.Status)
		}
		svc.observeOperation(ctx, startedAt, "poll_status", err, fields)
	}()

	instanceName = strings.TrimSpace(instanceName)
	if instanceName == "" {
		return PairingStatus{}, NewValidationError("instance_name", "instance name is required")
	}
	conn, err := svc.repository.GetByInstanceName(ctx, instanceName)
	if err != nil {
		return PairingStatus{}, svc.mapError(err)
	}

	now := svc.now()
	if conn.EffectiveStatus(now) == ConnectionStatusExpired && conn.Status != ConnectionStatusExpired {
		observed := conn.Status
		if err = conn.MarkExpired(now); err != nil {
			return PairingStatus{}, err
		}
		conn, err = p.persist(ctx, conn, observed)
		if err != nil {
			return PairingStatus{}, err
		}
		svc.recordEvent(ctx, conn.ID, "pairing.expired", WebhookEventWarning, map[string]any{
			"instance_name": instanceName,
		})
		return p.statusFor(conn), nil
	}
	if conn.Terminal() {
		return p.statusFor(conn), nil
	}
	if svc.bridge == nil {
		return PairingStatus{}, svc.mapError(fmt.Errorf("core: bridge client is not configured"))
	}

	observed := conn.Status
	state, bridgeErr := svc.bridge.ConnectionState(ctx, instanceName)
	if bridgeErr != nil {
		conn, err = p.recordBridgeFailure(ctx, conn, "connection state", bridgeErr)
		return p.statusFor(conn), err
	}

	changed, err := conn.Observe(ExternalState{
		State:       state.State,
		PhoneNumber: state.PhoneNumber,
		ProfileName: state.ProfileName,
	}, now)
	if err != nil {
		return PairingStatus{}, err
	}

	if conn.Status == ConnectionStatusPending || conn.Status == ConnectionStatusQRCode {
		if p.qrFetchDue(conn, now) {
			qr, qrErr := svc.bridge.Connect(ctx, instanceName)
			if qrErr != nil {
				conn, err = p.recordBridgeFailure(ctx, conn, "fetch qr code", qrErr)
				return p.statusFor(conn), err
			}
			qrChanged, observeErr := conn.Observe(ExternalState{
				State:  externalStateConnecting,
				QRCode: qr.QRCode,
			}, now)
			if observeErr != nil {
				return PairingStatus{}, observeErr
			}
			changed = changed || qrChanged
		}
	}

	if changed {
		conn, err = p.persist(ctx, conn, observed)
		if err != nil {
			return PairingStatus{}, err
		}
		if conn.Status == ConnectionStatusConnected && observed != ConnectionStatusConnected {
			svc.recordEvent(ctx, conn.ID, "pairing.connected", WebhookEventSuccess, map[string]any{
				"instance_name": instanceName,
				"phone_number":  conn.PhoneNumber,
			})
		}
	}
	return p.statusFor(conn), nil
}

// DisconnectInstance deletes the connection bound to instanceName. Remote
// instance removal never blocks the local delete.
func (p *PairingOrchestrator) DisconnectInstance(ctx context.Context, instanceName string) (err error) {
	svc := p.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":       string(ChannelBridge),
		"instance_name": instanceName,
	}
	defer func() {
		svc.observeOperation(ctx, startedAt, "disconnect_instance", err, fields)
	}()

	instanceName = strings.TrimSpace(instanceName)
	if instanceName == "" {
		return NewValidationError("instance_name", "instance name is required")
	}
	conn, err := svc.repository.GetByInstanceName(ctx, instanceName)
	if err != nil {
		return svc.mapError(err)
	}
	fields["connection_id"] = conn.ID
	return svc.disconnect(ctx, conn)
}

// AttemptsRemaining is the number of QR refreshes left inside the pairing
// window, derived from the persisted pairing start.
func (p *PairingOrchestrator) AttemptsRemaining(conn Connection, now time.Time) int {
	if conn.Status != ConnectionStatusPending && conn.Status != ConnectionStatusQRCode {
		return 0
	}
	if conn.Bridge == nil || conn.Bridge.PairingStartedAt == nil {
		return 0
	}
	cfg := p.svc.config.Pairing
	deadline := conn.Bridge.PairingStartedAt.UTC().Add(cfg.TotalTimeout)
	if conn.Bridge.ExpiresAt != nil && conn.Bridge.ExpiresAt.Before(deadline) {
		deadline = conn.Bridge.ExpiresAt.UTC()
	}
	remaining := deadline.Sub(now.UTC())
	if remaining <= 0 || cfg.QRRefreshInterval <= 0 {
		return 0
	}
	attempts := int(remaining / cfg.QRRefreshInterval)
	if remaining%cfg.QRRefreshInterval != 0 {
		attempts++
	}
	return attempts
}

func (p *PairingOrchestrator) qrFetchDue(conn Connection, now time.Time) bool {
	if conn.Bridge == nil || conn.Bridge.PairingStartedAt == nil {
		return false
	}
	cfg := p.svc.config.Pairing
	if now.Sub(conn.Bridge.PairingStartedAt.UTC()) < cfg.QRMinInstanceAge {
		return false
	}
	if conn.Bridge.QRCode == "" || conn.Bridge.QRUpdatedAt == nil {
		return true
	}
	if now.Sub(conn.Bridge.QRUpdatedAt.UTC()) < cfg.QRRefreshInterval {
		return false
	}
	return p.AttemptsRemaining(conn, now) > 0
}

// recordBridgeFailure moves conn into error with a diagnostic. It returns an
// error only when the record itself could not be written.
func (p *PairingOrchestrator) recordBridgeFailure(ctx context.Context, conn Connection, operation string, cause error) (Connection, error) {
	svc := p.svc
	diagnostic := fmt.Sprintf("bridge %s failed: %v", operation, cause)
	observed := conn.Status
	if !CanTransition(observed, ConnectionStatusError) {
		return conn, nil
	}
	if err := conn.MarkError(diagnostic, svc.now()); err != nil {
		return conn, err
	}
	conn.HealthStatus = DeriveHealth(conn.ConsecutiveErrors, svc.config.HealthThresholds())
	saved, err := p.persist(ctx, conn, observed)
	if err != nil {
		return conn, err
	}
	svc.logWarn(ctx, "bridge call failed", map[string]any{
		"connection_id": saved.ID,
		"instance_name": saved.InstanceName(),
		"operation":     operation,
		"error":         cause.Error(),
	})
	svc.recordEvent(ctx, saved.ID, "bridge.error", WebhookEventError, map[string]any{
		"operation": operation,
		"message":   diagnostic,
	})
	return saved, nil
}

// persist writes conn conditioned on observed. A concurrent writer winning
// the race is not an error: the winner's record is returned.
func (p *PairingOrchestrator) persist(ctx context.Context, conn Connection, observed ConnectionStatus) (Connection, error) {
	saved, err := p.svc.save(ctx, conn, observed)
	if errors.Is(err, ErrStaleWrite) {
		return saved, nil
	}
	return saved, err
}

func (p *PairingOrchestrator) statusFor(conn Connection) PairingStatus {
	now := p.svc.now()
	conn = conn.Normalize(now)
	return PairingStatus{
		Connection:        conn,
		AttemptsRemaining: p.AttemptsRemaining(conn, now),
	}
}

func randomInstanceSuffix() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(instanceSuffixAlphabet)))
	for range instanceSuffixLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(instanceSuffixAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func sanitizeInstanceSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

var _ ChannelStrategy = (*PairingOrchestrator)(nil)
