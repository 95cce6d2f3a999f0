package httpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	channels "github.com/goliatone/go-channels"
	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/webhooks"
	gocmd "github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultUserHeader = "X-User-ID"
	SignatureHeader   = "X-Hub-Signature-256"

	userIDKey  = "channels.user_id"
	loggerName = "channels.httpapi"
)

// WebhookProcessor is satisfied by *webhooks.Processor.
type WebhookProcessor interface {
	HandleVerificationChallenge(mode, token, challenge string) (string, error)
	Process(ctx context.Context, rawBody []byte, signature string) webhooks.Result
	ProcessBridgeEvent(ctx context.Context, rawBody []byte) webhooks.Result
}

// IdentityFunc extracts the authenticated caller. Authentication itself is
// performed upstream of this package.
type IdentityFunc func(c *gin.Context) (string, bool)

// HeaderIdentity reads the caller id from a trusted header.
func HeaderIdentity(header string) IdentityFunc {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultUserHeader
	}
	return func(c *gin.Context) (string, bool) {
		userID := strings.TrimSpace(c.GetHeader(header))
		return userID, userID != ""
	}
}

type Option func(*Handler)

func WithIdentity(identity IdentityFunc) Option {
	return func(h *Handler) {
		if identity != nil {
			h.identity = identity
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(h *Handler) {
		h.loggerProvider = provider
	}
}

type Handler struct {
	commands channels.Commands
	queries  channels.Queries
	webhooks WebhookProcessor

	identity       IdentityFunc
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func NewHandler(facade *channels.Facade, processor WebhookProcessor, opts ...Option) (*Handler, error) {
	if facade == nil {
		return nil, fmt.Errorf("httpapi: facade is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("httpapi: webhook processor is required")
	}
	h := &Handler{
		commands: facade.Commands(),
		queries:  facade.Queries(),
		webhooks: processor,
		identity: HeaderIdentity(DefaultUserHeader),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	provider, logger := glog.Resolve(loggerName, h.loggerProvider, h.logger)
	h.loggerProvider = provider
	h.logger = glog.Ensure(logger)
	return h, nil
}

// RequireIdentity rejects requests without a caller id.
func (h *Handler) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := h.identity(c)
		if !ok {
			h.respondError(c, core.NewAuthenticationError("httpapi: caller identity is required"))
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

type validatable interface {
	Validate() error
}

func runCommand[T validatable, R any](ctx context.Context, cmd gocmd.Commander[T], msg T) (R, error) {
	var zero R
	if err := msg.Validate(); err != nil {
		return zero, err
	}
	collector := gocmd.NewResult[R]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, _ := collector.Load()
	return out, nil
}

func runQuery[T validatable, R any](ctx context.Context, qry gocmd.Querier[T, R], msg T) (R, error) {
	var zero R
	if err := msg.Validate(); err != nil {
		return zero, err
	}
	return qry.Query(ctx, msg)
}
