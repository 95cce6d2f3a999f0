package query

import (
	"context"
	"time"

	"github.com/goliatone/go-channels/core"
)

type ConnectionReader interface {
	GetConnection(ctx context.Context, connectionID string) (core.Connection, error)
	ListConnections(ctx context.Context, filter core.ConnectionFilter) ([]core.Connection, error)
	ListEvents(ctx context.Context, connectionID string, limit int) ([]core.WebhookEvent, error)
	TokenHealth(conn core.Connection) core.TokenHealth
}

type PairingStatusReader interface {
	PollStatus(ctx context.Context, instanceName string) (core.PairingStatus, error)
}

type TokenHealthView struct {
	ConnectionID string
	Channel      core.ChannelKind
	Health       core.TokenHealth
	ExpiresAt    *time.Time
}

type GetConnectionQuery struct {
	reader ConnectionReader
}

func NewGetConnectionQuery(reader ConnectionReader) *GetConnectionQuery {
	return &GetConnectionQuery{reader: reader}
}

func (q *GetConnectionQuery) Query(ctx context.Context, msg GetConnectionMessage) (core.Connection, error) {
	if q == nil || q.reader == nil {
		return core.Connection{}, queryDependencyError("query: connection reader is required")
	}
	return q.reader.GetConnection(ctx, msg.ConnectionID)
}

type ListConnectionsQuery struct {
	reader ConnectionReader
}

func NewListConnectionsQuery(reader ConnectionReader) *ListConnectionsQuery {
	return &ListConnectionsQuery{reader: reader}
}

func (q *ListConnectionsQuery) Query(ctx context.Context, msg ListConnectionsMessage) ([]core.Connection, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	return q.reader.ListConnections(ctx, msg.Filter)
}

type ListEventsQuery struct {
	reader ConnectionReader
}

func NewListEventsQuery(reader ConnectionReader) *ListEventsQuery {
	return &ListEventsQuery{reader: reader}
}

func (q *ListEventsQuery) Query(ctx context.Context, msg ListEventsMessage) ([]core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	return q.reader.ListEvents(ctx, msg.ConnectionID, msg.Limit)
}

type PairingStatusQuery struct {
	reader PairingStatusReader
}

func NewPairingStatusQuery(reader PairingStatusReader) *PairingStatusQuery {
	return &PairingStatusQuery{reader: reader}
}

func (q *PairingStatusQuery) Query(ctx context.Context, msg PairingStatusMessage) (core.PairingStatus, error) {
	if q == nil || q.reader == nil {
		return core.PairingStatus{}, queryDependencyError("query: pairing reader is required")
	}
	return q.reader.PollStatus(ctx, msg.InstanceName)
}

type TokenHealthQuery struct {
	reader ConnectionReader
}

func NewTokenHealthQuery(reader ConnectionReader) *TokenHealthQuery {
	return &TokenHealthQuery{reader: reader}
}

func (q *TokenHealthQuery) Query(ctx context.Context, msg TokenHealthMessage) (TokenHealthView, error) {
	if q == nil || q.reader == nil {
		return TokenHealthView{}, queryDependencyError("query: connection reader is required")
	}
	conn, err := q.reader.GetConnection(ctx, msg.ConnectionID)
	if err != nil {
		return TokenHealthView{}, err
	}
	view := TokenHealthView{
		ConnectionID: conn.ID,
		Channel:      conn.Channel,
		Health:       q.reader.TokenHealth(conn),
	}
	if conn.Cloud != nil {
		view.ExpiresAt = conn.Cloud.TokenExpiresAt
	}
	return view, nil
}
