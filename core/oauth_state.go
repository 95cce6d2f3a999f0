package core

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuthorizationState is the payload sealed into the OAuth2 state parameter.
// It binds the callback to the user who started the flow.
type AuthorizationState struct {
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
}

// pendingAuthorization carries the exchanged token between the callback and
// the account selection step.
type pendingAuthorization struct {
	Nonce        string     `json:"nonce"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

func (p pendingAuthorization) token() CloudToken {
	return CloudToken{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresAt:    p.ExpiresAt,
		Scopes:       append([]string(nil), p.Scopes...),
	}
}

func (o *OAuth2Orchestrator) sealState(ctx context.Context, state AuthorizationState) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("core: encode authorization state: %w", err)
	}
	return o.svc.vault.Encrypt(ctx, payload)
}

// openState decrypts and validates a state token. callerUserID must match
// the user the state was issued to.
func (o *OAuth2Orchestrator) openState(ctx context.Context, token string, callerUserID string) (AuthorizationState, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state is required")
	}
	if !o.svc.vault.CanDecrypt(token) {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state is malformed")
	}
	payload, err := o.svc.vault.Decrypt(ctx, token)
	if err != nil {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state could not be verified")
	}
	var state AuthorizationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state payload is invalid")
	}
	if strings.TrimSpace(state.UserID) == "" || strings.TrimSpace(state.Nonce) == "" {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state payload is incomplete")
	}
	if ttl := o.svc.config.OAuth.StateTTL; ttl > 0 && o.svc.now().After(state.IssuedAt.UTC().Add(ttl)) {
		return AuthorizationState{}, NewOAuthStateError("core: oauth state expired")
	}
	callerUserID = strings.TrimSpace(callerUserID)
	if callerUserID == "" {
		return AuthorizationState{}, NewAuthenticationError("core: authenticated user is required")
	}
	if subtle.ConstantTimeCompare([]byte(callerUserID), []byte(state.UserID)) != 1 {
		return AuthorizationState{}, NewAccessDeniedError("core: oauth state was issued to a different user")
	}
	return state, nil
}

func (o *OAuth2Orchestrator) sealPending(ctx context.Context, pending pendingAuthorization) (string, error) {
	payload, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("core: encode pending authorization: %w", err)
	}
	return o.svc.vault.Encrypt(ctx, payload)
}

func (o *OAuth2Orchestrator) openPending(ctx context.Context, token string, state AuthorizationState) (pendingAuthorization, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return pendingAuthorization{}, NewValidationError("pending_token", "pending authorization token is required")
	}
	payload, err := o.svc.vault.Decrypt(ctx, token)
	if err != nil {
		return pendingAuthorization{}, NewOAuthStateError("core: pending authorization could not be verified")
	}
	var pending pendingAuthorization
	if err := json.Unmarshal(payload, &pending); err != nil {
		return pendingAuthorization{}, NewOAuthStateError("core: pending authorization payload is invalid")
	}
	if subtle.ConstantTimeCompare([]byte(pending.Nonce), []byte(state.Nonce)) != 1 {
		return pendingAuthorization{}, NewOAuthStateError("core: pending authorization does not match oauth state")
	}
	if strings.TrimSpace(pending.AccessToken) == "" {
		return pendingAuthorization{}, NewOAuthStateError("core: pending authorization carries no token")
	}
	return pending, nil
}

func generateNonce() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
