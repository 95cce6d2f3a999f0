package command

import (
	"github.com/goliatone/go-channels/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Commander[CreateInstanceMessage]           = (*CreateInstanceCommand)(nil)
	_ gocmd.Commander[DisconnectInstanceMessage]       = (*DisconnectInstanceCommand)(nil)
	_ gocmd.Commander[StartAuthorizationMessage]       = (*StartAuthorizationCommand)(nil)
	_ gocmd.Commander[CompleteCallbackMessage]         = (*CompleteCallbackCommand)(nil)
	_ gocmd.Commander[SelectAccountMessage]            = (*SelectAccountCommand)(nil)
	_ gocmd.Commander[RefreshTokensMessage]            = (*RefreshTokensCommand)(nil)
	_ gocmd.Commander[RefreshDueMessage]               = (*RefreshDueCommand)(nil)
	_ gocmd.Commander[DisconnectMessage]               = (*DisconnectCommand)(nil)
	_ gocmd.Commander[DeleteCompanyConnectionsMessage] = (*DeleteCompanyConnectionsCommand)(nil)
	_ gocmd.Commander[SweepExpiredMessage]             = (*SweepExpiredCommand)(nil)

	_ PairingService   = (*core.PairingOrchestrator)(nil)
	_ CloudService     = (*core.OAuth2Orchestrator)(nil)
	_ LifecycleService = (*core.Service)(nil)
)
