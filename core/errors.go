package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorAuthentication        = "AUTHENTICATION_FAILED"
	ErrorValidation            = "VALIDATION_FAILED"
	ErrorNotFound              = "NOT_FOUND"
	ErrorAccessDenied          = "ACCESS_DENIED"
	ErrorUpstreamProvider      = "UPSTREAM_PROVIDER_ERROR"
	ErrorSignature             = "SIGNATURE_INVALID"
	ErrorEncryption            = "ENCRYPTION_FAILED"
	ErrorBusinessRule          = "BUSINESS_RULE_VIOLATION"
	ErrorTimeout               = "TIMEOUT"
	ErrorVerificationFailed    = "VERIFICATION_FAILED"
	ErrorInvalidTransition     = "INVALID_STATUS_TRANSITION"
	ErrorStaleWrite            = "STALE_CONNECTION_STATE"
	ErrorRefreshLocked         = "REFRESH_LOCKED"
	ErrorDuplicateConnection   = "DUPLICATE_CONNECTION"
	ErrorOAuthStateInvalid     = "OAUTH_STATE_INVALID"
	ErrorRateLimited           = "RATE_LIMITED"
	ErrorInternal              = "INTERNAL_ERROR"
	errorMessageUnexpectedFail = "An unexpected error occurred"
)

var (
	ErrConnectionNotFound = errors.New("core: connection not found")
	ErrStaleWrite         = errors.New("core: connection status changed concurrently")
	ErrLockHeld           = errors.New("core: refresh lock already held")
)

func NewAuthenticationError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryAuth, ErrorAuthentication)
}

func NewValidationError(field string, message string) *goerrors.Error {
	return ensureChannelErrorEnvelope(
		goerrors.NewValidation("core: validation failed", goerrors.FieldError{
			Field:   strings.TrimSpace(field),
			Message: strings.TrimSpace(message),
		}).WithTextCode(ErrorValidation),
	)
}

func NewNotFoundError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryNotFound, ErrorNotFound)
}

func NewAccessDeniedError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryAuthz, ErrorAccessDenied)
}

func NewUpstreamProviderError(source error, message string) *goerrors.Error {
	if source == nil {
		return newChannelError(message, goerrors.CategoryExternal, ErrorUpstreamProvider)
	}
	var rich *goerrors.Error
	if goerrors.As(source, &rich) && rich.TextCode == ErrorTimeout {
		return rich
	}
	return ensureChannelErrorEnvelope(
		goerrors.Wrap(source, goerrors.CategoryExternal, message).
			WithCode(http.StatusBadGateway).
			WithTextCode(ErrorUpstreamProvider),
	)
}

func NewSignatureError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryAuth, ErrorSignature)
}

func NewEncryptionError(source error, message string) *goerrors.Error {
	if source == nil {
		return newChannelError(message, goerrors.CategoryInternal, ErrorEncryption)
	}
	return ensureChannelErrorEnvelope(
		goerrors.Wrap(source, goerrors.CategoryInternal, message).
			WithTextCode(ErrorEncryption),
	)
}

func NewBusinessRuleViolation(message string, reasons ...string) *goerrors.Error {
	err := newChannelError(message, goerrors.CategoryConflict, ErrorBusinessRule)
	if len(reasons) > 0 {
		err.WithMetadata(map[string]any{"reasons": append([]string(nil), reasons...)})
	}
	return err
}

func NewTimeoutError(source error, message string) *goerrors.Error {
	if source == nil {
		return ensureChannelErrorEnvelope(
			goerrors.New(message, goerrors.CategoryExternal).
				WithCode(http.StatusGatewayTimeout).
				WithTextCode(ErrorTimeout),
		)
	}
	return ensureChannelErrorEnvelope(
		goerrors.Wrap(source, goerrors.CategoryExternal, message).
			WithCode(http.StatusGatewayTimeout).
			WithTextCode(ErrorTimeout),
	)
}

func NewDuplicateConnectionError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryConflict, ErrorDuplicateConnection)
}

func NewOAuthStateError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryAuth, ErrorOAuthStateInvalid)
}

func NewVerificationFailedError(message string) *goerrors.Error {
	return newChannelError(message, goerrors.CategoryAuthz, ErrorVerificationFailed)
}

func NewInvalidTransitionError(connectionID string, from, to ConnectionStatus) *goerrors.Error {
	return newChannelError(
		fmt.Sprintf("core: illegal status transition %s -> %s", from, to),
		goerrors.CategoryConflict,
		ErrorInvalidTransition,
	).WithMetadata(map[string]any{
		"connection_id": strings.TrimSpace(connectionID),
		"from":          string(from),
		"to":            string(to),
	})
}

func newChannelError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureChannelErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureChannelErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = channelHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultChannelTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = errorMessageUnexpectedFail
	}
	return err
}

func defaultChannelTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorValidation
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorAuthentication
	case goerrors.CategoryAuthz:
		return ErrorAccessDenied
	case goerrors.CategoryConflict:
		return ErrorBusinessRule
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorUpstreamProvider
	default:
		return ErrorInternal
	}
}

func channelHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MapError converts any error into the channel error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureChannelErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrConnectionNotFound):
		return newChannelError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrStaleWrite):
		return newChannelError(err.Error(), goerrors.CategoryConflict, ErrorStaleWrite)
	case errors.Is(err, ErrLockHeld):
		return newChannelError(err.Error(), goerrors.CategoryConflict, ErrorRefreshLocked)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newChannelError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return NewTimeoutError(err, err.Error())
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newChannelError(err.Error(), goerrors.CategoryBadInput, ErrorValidation)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureChannelErrorEnvelope(mapped)
}

// IsTextCode reports whether err carries the given channel text code.
func IsTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}
