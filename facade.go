package channels

import (
	"fmt"

	channelscommand "github.com/goliatone/go-channels/command"
	"github.com/goliatone/go-channels/core"
	channelsquery "github.com/goliatone/go-channels/query"
)

// CommandQueryService is the connection lifecycle surface the facade wraps.
// *core.Service satisfies it.
type CommandQueryService interface {
	channelscommand.LifecycleService
	channelsquery.ConnectionReader
}

// PairingService is the bridge orchestration surface.
type PairingService interface {
	channelscommand.PairingService
	channelsquery.PairingStatusReader
}

type Commands struct {
	CreateInstance           *channelscommand.CreateInstanceCommand
	DisconnectInstance       *channelscommand.DisconnectInstanceCommand
	StartAuthorization       *channelscommand.StartAuthorizationCommand
	CompleteCallback         *channelscommand.CompleteCallbackCommand
	SelectAccount            *channelscommand.SelectAccountCommand
	RefreshTokens            *channelscommand.RefreshTokensCommand
	RefreshDue               *channelscommand.RefreshDueCommand
	Disconnect               *channelscommand.DisconnectCommand
	DeleteCompanyConnections *channelscommand.DeleteCompanyConnectionsCommand
	SweepExpired             *channelscommand.SweepExpiredCommand
}

type Queries struct {
	GetConnection   *channelsquery.GetConnectionQuery
	ListConnections *channelsquery.ListConnectionsQuery
	ListEvents      *channelsquery.ListEventsQuery
	PairingStatus   *channelsquery.PairingStatusQuery
	TokenHealth     *channelsquery.TokenHealthQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	pairing PairingService
	cloud   channelscommand.CloudService
}

func WithPairingService(pairing PairingService) FacadeOption {
	return func(options *facadeOptions) {
		options.pairing = pairing
	}
}

func WithCloudService(cloud channelscommand.CloudService) FacadeOption {
	return func(options *facadeOptions) {
		options.cloud = cloud
	}
}

// NewFacade builds the command and query handlers. Channel orchestrators
// default to the ones the service exposes through Pairing() and OAuth2().
func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("channels: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.pairing == nil {
		cfg.pairing = resolvePairing(service)
	}
	if cfg.cloud == nil {
		cfg.cloud = resolveCloud(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Disconnect:               channelscommand.NewDisconnectCommand(service),
		DeleteCompanyConnections: channelscommand.NewDeleteCompanyConnectionsCommand(service),
		SweepExpired:             channelscommand.NewSweepExpiredCommand(service),
	}
	facade.queries = Queries{
		GetConnection:   channelsquery.NewGetConnectionQuery(service),
		ListConnections: channelsquery.NewListConnectionsQuery(service),
		ListEvents:      channelsquery.NewListEventsQuery(service),
		TokenHealth:     channelsquery.NewTokenHealthQuery(service),
	}
	if cfg.pairing != nil {
		facade.commands.CreateInstance = channelscommand.NewCreateInstanceCommand(cfg.pairing)
		facade.commands.DisconnectInstance = channelscommand.NewDisconnectInstanceCommand(cfg.pairing)
		facade.queries.PairingStatus = channelsquery.NewPairingStatusQuery(cfg.pairing)
	}
	if cfg.cloud != nil {
		facade.commands.StartAuthorization = channelscommand.NewStartAuthorizationCommand(cfg.cloud)
		facade.commands.CompleteCallback = channelscommand.NewCompleteCallbackCommand(cfg.cloud)
		facade.commands.SelectAccount = channelscommand.NewSelectAccountCommand(cfg.cloud)
		facade.commands.RefreshTokens = channelscommand.NewRefreshTokensCommand(cfg.cloud)
		facade.commands.RefreshDue = channelscommand.NewRefreshDueCommand(cfg.cloud)
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolvePairing(service CommandQueryService) PairingService {
	provider, ok := service.(interface {
		Pairing() *core.PairingOrchestrator
	})
	if !ok {
		return nil
	}
	pairing := provider.Pairing()
	if pairing == nil {
		return nil
	}
	return pairing
}

func resolveCloud(service CommandQueryService) channelscommand.CloudService {
	provider, ok := service.(interface {
		OAuth2() *core.OAuth2Orchestrator
	})
	if !ok {
		return nil
	}
	cloud := provider.OAuth2()
	if cloud == nil {
		return nil
	}
	return cloud
}
