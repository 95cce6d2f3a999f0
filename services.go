package channels

import "github.com/goliatone/go-channels/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Connection = core.Connection
type ConnectionFilter = core.ConnectionFilter
type ConnectionRepository = core.ConnectionRepository
type ConnectionLocker = core.ConnectionLocker
type CredentialVault = core.CredentialVault
type EventLog = core.EventLog
type MessageLedger = core.MessageLedger
type PolicyEvaluator = core.PolicyEvaluator

type CreateInstanceRequest = core.CreateInstanceRequest
type AuthorizationRequest = core.AuthorizationRequest
type CallbackRequest = core.CallbackRequest
type SelectionRequest = core.SelectionRequest

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithErrorMapper      = core.WithErrorMapper
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithRepository       = core.WithRepository
	WithEventLog         = core.WithEventLog
	WithCredentialVault  = core.WithCredentialVault
	WithBridgeClient     = core.WithBridgeClient
	WithCloudClient      = core.WithCloudClient
	WithConnectionLocker = core.WithConnectionLocker
	WithPolicyEvaluator  = core.WithPolicyEvaluator
	WithClock            = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
