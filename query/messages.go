package query

import (
	"strings"

	"github.com/goliatone/go-channels/core"
)

const (
	TypeGetConnection   = "channels.query.connection.get"
	TypeListConnections = "channels.query.connection.list"
	TypeListEvents      = "channels.query.connection.events"
	TypePairingStatus   = "channels.query.bridge.status"
	TypeTokenHealth     = "channels.query.cloud.token_health"
)

type GetConnectionMessage struct {
	ConnectionID string
}

func (GetConnectionMessage) Type() string { return TypeGetConnection }

func (m GetConnectionMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type ListConnectionsMessage struct {
	Filter core.ConnectionFilter
}

func (ListConnectionsMessage) Type() string { return TypeListConnections }

func (m ListConnectionsMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if m.Filter.Channel != "" && !m.Filter.Channel.Valid() {
		return queryValidationError("channel", "unsupported channel")
	}
	return nil
}

type ListEventsMessage struct {
	ConnectionID string
	Limit        int
}

func (ListEventsMessage) Type() string { return TypeListEvents }

func (m ListEventsMessage) Validate() error {
	if err := requireField("connection_id", m.ConnectionID); err != nil {
		return err
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

// PairingStatusMessage asks the bridge for the live state of an instance.
// The observed state is persisted as a side effect.
type PairingStatusMessage struct {
	InstanceName string
}

func (PairingStatusMessage) Type() string { return TypePairingStatus }

func (m PairingStatusMessage) Validate() error {
	return requireField("instance_name", m.InstanceName)
}

type TokenHealthMessage struct {
	ConnectionID string
}

func (TokenHealthMessage) Type() string { return TypeTokenHealth }

func (m TokenHealthMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return queryValidationError(field, strings.ReplaceAll(field, "_", " ")+" is required")
	}
	return nil
}
