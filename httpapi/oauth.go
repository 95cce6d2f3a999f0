package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	channelscommand "github.com/goliatone/go-channels/command"
	"github.com/goliatone/go-channels/core"
)

// StartAuthorization returns the provider consent URL. With redirect=true
// the browser is sent there directly.
func (h *Handler) StartAuthorization(c *gin.Context) {
	start, err := runCommand[channelscommand.StartAuthorizationMessage, core.AuthorizationStart](c.Request.Context(), h.commands.StartAuthorization, channelscommand.StartAuthorizationMessage{
		Request: core.AuthorizationRequest{
			UserID:      callerID(c),
			AgentID:     strings.TrimSpace(c.Query("agent_id")),
			CompanyID:   strings.TrimSpace(c.Query("company_id")),
			RedirectURI: strings.TrimSpace(c.Query("redirect_uri")),
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, start.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, AuthorizationStartResponse{
		State:            start.State,
		AuthorizationURL: start.AuthorizationURL,
		ExpiresAt:        start.ExpiresAt,
	})
}

func (h *Handler) AuthorizationCallback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		h.respondError(c, core.NewAuthenticationError("httpapi: authorization denied: "+providerErr))
		return
	}
	result, err := runCommand[channelscommand.CompleteCallbackMessage, core.CallbackResult](c.Request.Context(), h.commands.CompleteCallback, channelscommand.CompleteCallbackMessage{
		Request: core.CallbackRequest{
			Code:        c.Query("code"),
			State:       c.Query("state"),
			UserID:      callerID(c),
			RedirectURI: strings.TrimSpace(c.Query("redirect_uri")),
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.NeedsSelection() {
		status = http.StatusOK
	}
	c.JSON(status, ToCallbackResponse(result))
}

func (h *Handler) SelectAccount(c *gin.Context) {
	var req SelectAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	conn, err := runCommand[channelscommand.SelectAccountMessage, core.Connection](c.Request.Context(), h.commands.SelectAccount, channelscommand.SelectAccountMessage{
		Request: core.SelectionRequest{
			State:             req.State,
			PendingToken:      req.PendingToken,
			UserID:            callerID(c),
			BusinessAccountID: req.BusinessAccountID,
			PhoneNumberID:     req.PhoneNumberID,
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ToConnectionResponse(conn))
}
