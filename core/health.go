package core

import "time"

const (
	DefaultTokenWarningWindow = 168 * time.Hour
	DefaultTokenRefreshWindow = 7 * 24 * time.Hour
)

type TokenHealth string

const (
	TokenHealthHealthy TokenHealth = "healthy"
	TokenHealthWarning TokenHealth = "warning"
	TokenHealthExpired TokenHealth = "expired"
)

// ClassifyTokenHealth reports expired when the token has no remaining
// lifetime, warning inside the warning window and healthy otherwise. A nil
// expiry is a non-expiring token.
func ClassifyTokenHealth(expiresAt *time.Time, now time.Time, warningWindow time.Duration) TokenHealth {
	if expiresAt == nil {
		return TokenHealthHealthy
	}
	if warningWindow <= 0 {
		warningWindow = DefaultTokenWarningWindow
	}
	remaining := expiresAt.UTC().Sub(now.UTC())
	if remaining <= 0 {
		return TokenHealthExpired
	}
	if remaining < warningWindow {
		return TokenHealthWarning
	}
	return TokenHealthHealthy
}

// RefreshDue reports whether a token expiring at expiresAt falls inside the
// refresh window.
func RefreshDue(expiresAt *time.Time, now time.Time, window time.Duration) bool {
	if expiresAt == nil {
		return false
	}
	if window <= 0 {
		window = DefaultTokenRefreshWindow
	}
	return !expiresAt.UTC().After(now.UTC().Add(window))
}

type HealthThresholds struct {
	DegradedAfter  int
	UnhealthyAfter int
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{DegradedAfter: 1, UnhealthyAfter: 5}
}

func DeriveHealth(consecutiveErrors int, thresholds HealthThresholds) HealthStatus {
	if thresholds.DegradedAfter <= 0 {
		thresholds.DegradedAfter = 1
	}
	if thresholds.UnhealthyAfter < thresholds.DegradedAfter {
		thresholds.UnhealthyAfter = thresholds.DegradedAfter
	}
	switch {
	case consecutiveErrors >= thresholds.UnhealthyAfter:
		return HealthStatusUnhealthy
	case consecutiveErrors >= thresholds.DegradedAfter:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}
