package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-channels/webhooks"
)

const maxWebhookBody = 4 << 20

// VerifyWebhook answers the Cloud API subscription handshake with the raw
// challenge as text/plain.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	challenge, err := h.webhooks.HandleVerificationChallenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("webhook verification rejected",
			"mode", c.Query("hub.mode"),
			"error", err.Error(),
		)
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(challenge))
}

// ReceiveWebhook always acknowledges with 200 so the provider does not retry
// deliveries that were rejected on purpose.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	body, ok := h.readBody(c)
	if !ok {
		c.JSON(http.StatusOK, webhooks.Result{})
		return
	}
	result := h.webhooks.Process(ctx, body, c.GetHeader(SignatureHeader))
	h.logger.WithContext(ctx).Debug("cloud webhook processed",
		"processed_entries", result.ProcessedEntries,
		"applied", result.Applied,
		"duplicates", result.Duplicates,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
	)
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ReceiveBridgeEvent(c *gin.Context) {
	ctx := c.Request.Context()
	body, ok := h.readBody(c)
	if !ok {
		c.JSON(http.StatusOK, webhooks.Result{})
		return
	}
	result := h.webhooks.ProcessBridgeEvent(ctx, body)
	c.JSON(http.StatusOK, result)
}

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("failed to read webhook body", "error", err.Error())
		return nil, false
	}
	return body, true
}
