package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	channelscommand "github.com/goliatone/go-channels/command"
	"github.com/goliatone/go-channels/core"
	channelsquery "github.com/goliatone/go-channels/query"
)

const defaultEventLimit = 50

func (h *Handler) CreateInstance(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	status, err := runCommand[channelscommand.CreateInstanceMessage, core.PairingStatus](ctx, h.commands.CreateInstance, channelscommand.CreateInstanceMessage{
		Request: core.CreateInstanceRequest{
			UserID:       callerID(c),
			AgentID:      req.AgentID,
			CompanyID:    req.CompanyID,
			InstanceName: req.InstanceName,
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ToPairingStatusResponse(status))
}

// PairingStatus polls the bridge, so ownership is resolved before any
// remote call or write happens.
func (h *Handler) PairingStatus(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("instanceName")
	if _, err := h.ownedConnectionByInstance(ctx, c, name); err != nil {
		h.respondError(c, err)
		return
	}
	status, err := runQuery[channelsquery.PairingStatusMessage, core.PairingStatus](ctx, h.queries.PairingStatus, channelsquery.PairingStatusMessage{
		InstanceName: name,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.owns(c, status.Connection) {
		return
	}
	c.JSON(http.StatusOK, ToPairingStatusResponse(status))
}

// DisconnectInstance tears the bridge instance down. Remote failures are
// swallowed by the orchestrator, so a known instance always succeeds.
func (h *Handler) DisconnectInstance(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("instanceName")
	if _, err := h.ownedConnectionByInstance(ctx, c, name); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := runCommand[channelscommand.DisconnectInstanceMessage, struct{}](ctx, h.commands.DisconnectInstance, channelscommand.DisconnectInstanceMessage{
		InstanceName: name,
	}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": string(core.ConnectionStatusDisconnected)})
}

func (h *Handler) ListConnections(c *gin.Context) {
	limit, ok := h.queryInt(c, "limit")
	if !ok {
		return
	}
	filter := core.ConnectionFilter{
		UserID:    callerID(c),
		AgentID:   strings.TrimSpace(c.Query("agent_id")),
		CompanyID: strings.TrimSpace(c.Query("company_id")),
		Channel:   core.ChannelKind(strings.TrimSpace(c.Query("channel"))),
		Limit:     limit,
	}
	for _, status := range c.QueryArray("status") {
		if status = strings.TrimSpace(status); status != "" {
			filter.Statuses = append(filter.Statuses, core.ConnectionStatus(status))
		}
	}
	conns, err := runQuery[channelsquery.ListConnectionsMessage, []core.Connection](c.Request.Context(), h.queries.ListConnections, channelsquery.ListConnectionsMessage{
		Filter: filter,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": ToConnectionResponses(conns)})
}

func (h *Handler) GetConnection(c *gin.Context) {
	conn, err := h.ownedConnection(c.Request.Context(), c, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToConnectionResponse(conn))
}

func (h *Handler) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	limit, ok := h.queryInt(c, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultEventLimit
	}
	conn, err := h.ownedConnection(ctx, c, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	events, err := runQuery[channelsquery.ListEventsMessage, []core.WebhookEvent](ctx, h.queries.ListEvents, channelsquery.ListEventsMessage{
		ConnectionID: conn.ID,
		Limit:        limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": ToEventResponses(events)})
}

func (h *Handler) TokenHealth(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := h.ownedConnection(ctx, c, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	view, err := runQuery[channelsquery.TokenHealthMessage, channelsquery.TokenHealthView](ctx, h.queries.TokenHealth, channelsquery.TokenHealthMessage{
		ConnectionID: conn.ID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToTokenHealthResponse(view))
}

func (h *Handler) Disconnect(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := h.ownedConnection(ctx, c, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := runCommand[channelscommand.DisconnectMessage, struct{}](ctx, h.commands.Disconnect, channelscommand.DisconnectMessage{
		ConnectionID: conn.ID,
	}); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RefreshTokens(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := h.ownedConnection(ctx, c, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	result, err := runCommand[channelscommand.RefreshTokensMessage, core.RefreshResult](ctx, h.commands.RefreshTokens, channelscommand.RefreshTokensMessage{
		ConnectionID: conn.ID,
		Force:        force,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToRefreshResponse(result))
}

func (h *Handler) DeleteCompanyConnections(c *gin.Context) {
	ctx := c.Request.Context()
	companyID := strings.TrimSpace(c.Param("companyId"))
	if err := h.requireCompanyOwnership(ctx, c, companyID); err != nil {
		h.respondError(c, err)
		return
	}
	result, err := runCommand[channelscommand.DeleteCompanyConnectionsMessage, core.CascadeResult](ctx, h.commands.DeleteCompanyConnections, channelscommand.DeleteCompanyConnectionsMessage{
		CompanyID: companyID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.WithContext(ctx).Info("company connections deleted",
		"company_id", result.CompanyID,
		"connections", result.Connections,
		"events", result.Events,
		"receipts", result.Receipts,
	)
	c.JSON(http.StatusOK, ToCascadeResponse(result))
}

// ownedConnection hides connections of other users behind a not found error.
func (h *Handler) ownedConnection(ctx context.Context, c *gin.Context, id string) (core.Connection, error) {
	conn, err := runQuery[channelsquery.GetConnectionMessage, core.Connection](ctx, h.queries.GetConnection, channelsquery.GetConnectionMessage{
		ConnectionID: id,
	})
	if err != nil {
		return core.Connection{}, err
	}
	if conn.UserID != callerID(c) {
		return core.Connection{}, core.NewNotFoundError("httpapi: connection not found")
	}
	return conn, nil
}

func (h *Handler) ownedConnectionByInstance(ctx context.Context, c *gin.Context, name string) (core.Connection, error) {
	conns, err := runQuery[channelsquery.ListConnectionsMessage, []core.Connection](ctx, h.queries.ListConnections, channelsquery.ListConnectionsMessage{
		Filter: core.ConnectionFilter{UserID: callerID(c), Channel: core.ChannelBridge},
	})
	if err != nil {
		return core.Connection{}, err
	}
	name = strings.TrimSpace(name)
	for _, conn := range conns {
		if conn.Bridge != nil && conn.Bridge.InstanceName == name {
			return conn, nil
		}
	}
	return core.Connection{}, core.NewNotFoundError("httpapi: instance not found")
}

// requireCompanyOwnership refuses the cascade unless every connection of the
// company belongs to the caller.
func (h *Handler) requireCompanyOwnership(ctx context.Context, c *gin.Context, companyID string) error {
	if companyID == "" {
		return core.NewValidationError("company_id", "company id is required")
	}
	conns, err := runQuery[channelsquery.ListConnectionsMessage, []core.Connection](ctx, h.queries.ListConnections, channelsquery.ListConnectionsMessage{
		Filter: core.ConnectionFilter{CompanyID: companyID},
	})
	if err != nil {
		return err
	}
	caller := callerID(c)
	for _, conn := range conns {
		if conn.UserID != caller {
			return core.NewAccessDeniedError("httpapi: company connections belong to another user")
		}
	}
	return nil
}

func (h *Handler) owns(c *gin.Context, conn core.Connection) bool {
	if conn.UserID == callerID(c) {
		return true
	}
	h.respondError(c, core.NewNotFoundError("httpapi: instance not found"))
	return false
}

func (h *Handler) queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		h.respondError(c, core.NewValidationError(name, name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
