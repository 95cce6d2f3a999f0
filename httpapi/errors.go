package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-channels/core"
	goerrors "github.com/goliatone/go-errors"
)

type errorBody struct {
	Category goerrors.Category `json:"category"`
	Code     int               `json:"code"`
	TextCode string            `json:"text_code"`
	Message  string            `json:"message"`
}

// respondError renders err as {"error": {...}} with the envelope's HTTP code.
func (h *Handler) respondError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(goerrors.New("unexpected empty error", goerrors.CategoryInternal))
	}
	status := mapped.Code
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"text_code", mapped.TextCode,
			"error", err.Error(),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Category: mapped.Category,
		Code:     status,
		TextCode: mapped.TextCode,
		Message:  mapped.Message,
	}})
}

func (h *Handler) respondBindError(c *gin.Context, err error) {
	h.respondError(c, core.NewValidationError("body", err.Error()))
}
