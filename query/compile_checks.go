package query

import (
	"github.com/goliatone/go-channels/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetConnectionMessage, core.Connection]     = (*GetConnectionQuery)(nil)
	_ gocmd.Querier[ListConnectionsMessage, []core.Connection] = (*ListConnectionsQuery)(nil)
	_ gocmd.Querier[ListEventsMessage, []core.WebhookEvent]    = (*ListEventsQuery)(nil)
	_ gocmd.Querier[PairingStatusMessage, core.PairingStatus]  = (*PairingStatusQuery)(nil)
	_ gocmd.Querier[TokenHealthMessage, TokenHealthView]       = (*TokenHealthQuery)(nil)

	_ ConnectionReader    = (*core.Service)(nil)
	_ PairingStatusReader = (*core.PairingOrchestrator)(nil)
)
