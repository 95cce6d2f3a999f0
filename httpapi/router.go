package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type RouterConfig struct {
	// ServiceName enables otelgin spans when set.
	ServiceName string
}

// NewRouter builds the engine with tracing, recovery and request logging in
// that order, then mounts every route.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(h.RequestLogger())
	SetupRoutes(router, h)
	return router
}

func SetupRoutes(router gin.IRouter, h *Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hooks := router.Group("/webhooks")
	{
		hooks.GET("/whatsapp", h.VerifyWebhook)
		hooks.POST("/whatsapp", h.ReceiveWebhook)
		hooks.POST("/bridge", h.ReceiveBridgeEvent)
	}

	authed := router.Group("/", h.RequireIdentity())
	{
		authed.GET("/connection-status/:instanceName", h.PairingStatus)
		authed.DELETE("/connection-status/:instanceName", h.DisconnectInstance)

		connections := authed.Group("/connections")
		connections.GET("", h.ListConnections)
		connections.POST("/bridge", h.CreateInstance)
		connections.GET("/:id", h.GetConnection)
		connections.DELETE("/:id", h.Disconnect)
		connections.GET("/:id/events", h.ListEvents)
		connections.GET("/:id/token-health", h.TokenHealth)
		connections.POST("/:id/refresh", h.RefreshTokens)

		oauth := authed.Group("/oauth/whatsapp")
		oauth.GET("/start", h.StartAuthorization)
		oauth.GET("/callback", h.AuthorizationCallback)
		oauth.POST("/select", h.SelectAccount)

		authed.DELETE("/companies/:companyId/connections", h.DeleteCompanyConnections)
	}
}

// RequestLogger logs one line per request after the handler chain ran.
func (h *Handler) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		status := c.Writer.Status()
		logger := h.logger.WithContext(c.Request.Context())
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(startedAt).Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", args...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", args...)
		default:
			logger.Info("http request", args...)
		}
	}
}
