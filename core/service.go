package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	PolicyActionCreateConnection = "connection.create"
	PolicyActionRefreshToken     = "connection.refresh"

	defaultEventListLimit = 50
)

// Service owns the connection lifecycle for both channel kinds. It holds no
// mutable state of its own; the repository record is authoritative.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	repository      ConnectionRepository
	events          EventLog
	vault           CredentialVault
	bridge          BridgeClient
	cloud           CloudClient
	locker          ConnectionLocker
	policy          PolicyEvaluator
	clock           Clock
	suffixes        func() (string, error)

	pairing    *PairingOrchestrator
	oauth      *OAuth2Orchestrator
	strategies map[ChannelKind]ChannelStrategy
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	Repository      ConnectionRepository
	EventLog        EventLog
	Vault           CredentialVault
	BridgeClient    BridgeClient
	CloudClient     CloudClient
	Locker          ConnectionLocker
	Policy          PolicyEvaluator
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(defaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(defaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.locker == nil {
		builder.locker = NewMemoryConnectionLocker()
	}
	if builder.policy == nil {
		builder.policy = AllowAllPolicy{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}
	if builder.suffixes == nil {
		builder.suffixes = randomInstanceSuffix
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.repository == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: connection repository is required"))
	}
	if builder.vault == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: credential vault is required"))
	}

	svc := &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		repository:      builder.repository,
		events:          builder.events,
		vault:           builder.vault,
		bridge:          builder.bridge,
		cloud:           builder.cloud,
		locker:          builder.locker,
		policy:          builder.policy,
		clock:           builder.clock,
		suffixes:        builder.suffixes,
	}
	svc.pairing = &PairingOrchestrator{svc: svc}
	svc.oauth = &OAuth2Orchestrator{svc: svc}
	svc.strategies = map[ChannelKind]ChannelStrategy{
		ChannelBridge: svc.pairing,
		ChannelCloud:  svc.oauth,
	}
	return svc, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorMapper:     s.errorMapper,
		Repository:      s.repository,
		EventLog:        s.events,
		Vault:           s.vault,
		BridgeClient:    s.bridge,
		CloudClient:     s.cloud,
		Locker:          s.locker,
		Policy:          s.policy,
	}
}

func (s *Service) Pairing() *PairingOrchestrator {
	if s == nil {
		return nil
	}
	return s.pairing
}

func (s *Service) OAuth2() *OAuth2Orchestrator {
	if s == nil {
		return nil
	}
	return s.oauth
}

// Strategy returns the orchestration strategy for a channel kind.
func (s *Service) Strategy(kind ChannelKind) (ChannelStrategy, error) {
	if s == nil {
		return nil, fmt.Errorf("core: service is not configured")
	}
	strategy, ok := s.strategies[kind]
	if !ok || strategy == nil {
		return nil, NewValidationError("channel", fmt.Sprintf("unsupported channel %q", kind))
	}
	return strategy, nil
}

// Initiate starts a connection attempt on the channel named by req.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	strategy, err := s.Strategy(req.Channel)
	if err != nil {
		return InitiateResult{}, err
	}
	return strategy.Initiate(ctx, req)
}

// Advance re-evaluates a persisted connection against its provider.
func (s *Service) Advance(ctx context.Context, connectionID string) (Connection, error) {
	conn, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return Connection{}, err
	}
	strategy, err := s.Strategy(conn.Channel)
	if err != nil {
		return Connection{}, err
	}
	return strategy.Advance(ctx, conn)
}

func (s *Service) GetConnection(ctx context.Context, connectionID string) (Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return Connection{}, NewValidationError("connection_id", "connection id is required")
	}
	conn, err := s.repository.Get(ctx, connectionID)
	if err != nil {
		return Connection{}, s.mapError(err)
	}
	return conn.Normalize(s.now()), nil
}

func (s *Service) ListConnections(ctx context.Context, filter ConnectionFilter) ([]Connection, error) {
	items, err := s.repository.List(ctx, filter)
	if err != nil {
		return nil, s.mapError(err)
	}
	now := s.now()
	out := make([]Connection, 0, len(items))
	for _, item := range items {
		out = append(out, item.Normalize(now))
	}
	return out, nil
}

func (s *Service) ListEvents(ctx context.Context, connectionID string, limit int) ([]WebhookEvent, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, NewValidationError("connection_id", "connection id is required")
	}
	if s.events == nil {
		return []WebhookEvent{}, nil
	}
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	events, err := s.events.ListByConnection(ctx, connectionID, limit)
	if err != nil {
		return nil, s.mapError(err)
	}
	return events, nil
}

// Disconnect removes the connection locally, then tears the remote side down
// on a best-effort basis.
func (s *Service) Disconnect(ctx context.Context, connectionID string) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"connection_id": connectionID}
	defer func() {
		s.observeOperation(ctx, startedAt, "disconnect", err, fields)
	}()

	conn, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	fields["channel"] = string(conn.Channel)
	return s.disconnect(ctx, conn)
}

func (s *Service) disconnect(ctx context.Context, conn Connection) error {
	if err := s.repository.Delete(ctx, conn.ID); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		return s.mapError(err)
	}
	s.teardown(ctx, conn)
	return nil
}

func (s *Service) teardown(ctx context.Context, conn Connection) {
	strategy, err := s.Strategy(conn.Channel)
	if err != nil {
		return
	}
	if err := strategy.Teardown(ctx, conn); err != nil {
		s.logWarn(ctx, "remote teardown failed", map[string]any{
			"connection_id": conn.ID,
			"channel":       string(conn.Channel),
			"error":         err.Error(),
		})
	}
}

// DeleteCompanyConnections cascades a company removal across connections,
// events and receipts, then tears down each remote side best-effort.
func (s *Service) DeleteCompanyConnections(ctx context.Context, companyID string) (result CascadeResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"company_id": companyID}
	defer func() {
		fields["connections_deleted"] = result.Connections
		fields["events_deleted"] = result.Events
		fields["receipts_deleted"] = result.Receipts
		s.observeOperation(ctx, startedAt, "delete_company_connections", err, fields)
	}()

	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return CascadeResult{}, NewValidationError("company_id", "company id is required")
	}
	connections, err := s.repository.List(ctx, ConnectionFilter{CompanyID: companyID})
	if err != nil {
		return CascadeResult{}, s.mapError(err)
	}
	result, err = s.repository.DeleteByCompany(ctx, companyID)
	if err != nil {
		return result, s.mapError(err)
	}
	result.CompanyID = companyID
	for _, conn := range connections {
		s.teardown(ctx, conn)
	}
	return result, nil
}

// TokenHealth classifies a cloud connection's access token.
func (s *Service) TokenHealth(conn Connection) TokenHealth {
	if conn.Cloud == nil {
		return TokenHealthHealthy
	}
	return ClassifyTokenHealth(conn.Cloud.TokenExpiresAt, s.now(), s.config.OAuth.TokenWarningWindow)
}

func (s *Service) authorize(ctx context.Context, req PolicyRequest) error {
	if s.policy == nil {
		return nil
	}
	decision, err := s.policy.Evaluate(ctx, req)
	if err != nil {
		return s.mapError(err)
	}
	if !decision.Allowed {
		return NewBusinessRuleViolation("core: action denied by policy", decision.Reasons...)
	}
	return nil
}

// save persists conn conditioned on its persisted status being expected. On
// a stale write the current record is returned with ErrStaleWrite.
func (s *Service) save(ctx context.Context, conn Connection, expected ...ConnectionStatus) (Connection, error) {
	saved, err := s.repository.Update(ctx, conn, expected...)
	if err == nil {
		return s.applyErrorDelta(ctx, saved, conn.ErrorDelta()), nil
	}
	if errors.Is(err, ErrStaleWrite) {
		current, getErr := s.repository.Get(ctx, conn.ID)
		if getErr != nil {
			return Connection{}, s.mapError(getErr)
		}
		return current.Normalize(s.now()), ErrStaleWrite
	}
	return Connection{}, s.mapError(err)
}

// applyErrorDelta persists error bookkeeping as increments so webhook
// deliveries counted since conn was read are kept. The status write already
// happened, so failures here are logged and the saved record is returned.
func (s *Service) applyErrorDelta(ctx context.Context, saved Connection, delta CounterDelta) Connection {
	if delta.Empty() {
		return saved
	}
	if delta.At.IsZero() {
		delta.At = s.now()
	}
	updated, err := s.repository.ApplyCounters(ctx, saved.ID, delta)
	if err != nil {
		s.logWarn(ctx, "error counters not applied", map[string]any{
			"connection_id": saved.ID,
			"error":         err.Error(),
		})
		return saved
	}
	health := DeriveHealth(updated.ConsecutiveErrors, s.config.HealthThresholds())
	if health == updated.HealthStatus {
		return updated
	}
	if err := s.repository.UpdateHealth(ctx, updated.ID, health); err != nil {
		s.logWarn(ctx, "health status not updated", map[string]any{
			"connection_id": updated.ID,
			"error":         err.Error(),
		})
		return updated
	}
	updated.HealthStatus = health
	return updated
}

func (s *Service) recordEvent(ctx context.Context, connectionID, eventType string, status WebhookEventStatus, payload map[string]any) {
	if s.events == nil || strings.TrimSpace(connectionID) == "" {
		return
	}
	_, err := s.events.Append(ctx, WebhookEvent{
		ConnectionID: connectionID,
		EventType:    eventType,
		Status:       status,
		Payload:      cloneFields(payload),
		CreatedAt:    s.now(),
	})
	if err != nil {
		s.logWarn(ctx, "event append failed", map[string]any{
			"connection_id": connectionID,
			"event_type":    eventType,
			"error":         err.Error(),
		})
	}
}

func (s *Service) now() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
