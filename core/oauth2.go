package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AuthorizationRequest struct {
	UserID      string
	AgentID     string
	CompanyID   string
	RedirectURI string
}

type AuthorizationStart struct {
	State            string
	AuthorizationURL string
	ExpiresAt        time.Time
}

type CallbackRequest struct {
	Code        string
	State       string
	UserID      string
	RedirectURI string
}

// CallbackResult holds either the created connection or, when the token can
// reach more than one phone number, the choices for SelectAccount.
type CallbackResult struct {
	Connection   *Connection
	Accounts     []BusinessAccount
	State        string
	PendingToken string
}

func (r CallbackResult) NeedsSelection() bool {
	return r.Connection == nil && len(r.Accounts) > 0
}

type SelectionRequest struct {
	State             string
	PendingToken      string
	UserID            string
	BusinessAccountID string
	PhoneNumberID     string
}

type CloudConnectionInput struct {
	UserID        string
	AgentID       string
	CompanyID     string
	Token         CloudToken
	Account       BusinessAccount
	PhoneNumberID string
	WebhookSecret string
}

type RefreshResult struct {
	ConnectionID string
	Refreshed    bool
	Skipped      bool
	Failed       bool
	Reason       string
	TokenHealth  TokenHealth
	ExpiresAt    *time.Time
}

type RefreshBatchResult struct {
	Results   []RefreshResult
	Refreshed int
	Skipped   int
	Failed    int
}

// OAuth2Orchestrator drives the cloud channel: authorization, callback,
// connection creation and token refresh.
type OAuth2Orchestrator struct {
	svc *Service
}

func (o *OAuth2Orchestrator) Kind() ChannelKind {
	return ChannelCloud
}

func (o *OAuth2Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	start, err := o.BuildAuthorizationState(ctx, AuthorizationRequest{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		CompanyID:   req.CompanyID,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{AuthorizationURL: start.AuthorizationURL, State: start.State}, nil
}

// Advance refreshes the access token when it falls inside the refresh
// window and returns the current record.
func (o *OAuth2Orchestrator) Advance(ctx context.Context, conn Connection) (Connection, error) {
	if conn.Status == ConnectionStatusConnected && conn.Cloud != nil &&
		RefreshDue(conn.Cloud.TokenExpiresAt, o.svc.now(), o.svc.config.OAuth.RefreshWindow) {
		if _, err := o.RefreshTokens(ctx, conn.ID, false); err != nil {
			return Connection{}, err
		}
	}
	return o.svc.GetConnection(ctx, conn.ID)
}

func (o *OAuth2Orchestrator) Teardown(ctx context.Context, conn Connection) error {
	if o.svc.cloud == nil || conn.Cloud == nil || conn.Cloud.EncryptedAccessToken == "" {
		return nil
	}
	account := subscriptionAccountID(*conn.Cloud)
	if account == "" {
		return nil
	}
	accessToken, err := o.svc.vault.Decrypt(ctx, conn.Cloud.EncryptedAccessToken)
	if err != nil {
		return err
	}
	return o.svc.cloud.Unsubscribe(ctx, string(accessToken), account)
}

// BuildAuthorizationState seals the requesting user into an opaque state
// token and returns the provider authorization URL carrying it.
func (o *OAuth2Orchestrator) BuildAuthorizationState(ctx context.Context, req AuthorizationRequest) (start AuthorizationStart, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":  string(ChannelCloud),
		"user_id":  req.UserID,
		"agent_id": req.AgentID,
	}
	defer func() {
		svc.observeOperation(ctx, startedAt, "build_authorization_state", err, fields)
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return AuthorizationStart{}, NewValidationError("user_id", "user id is required")
	}
	if svc.cloud == nil {
		return AuthorizationStart{}, svc.mapError(fmt.Errorf("core: cloud client is not configured"))
	}
	nonce, err := generateNonce()
	if err != nil {
		return AuthorizationStart{}, svc.mapError(err)
	}
	issuedAt := svc.now()
	token, err := o.sealState(ctx, AuthorizationState{
		UserID:    strings.TrimSpace(req.UserID),
		AgentID:   strings.TrimSpace(req.AgentID),
		CompanyID: strings.TrimSpace(req.CompanyID),
		Nonce:     nonce,
		IssuedAt:  issuedAt,
	})
	if err != nil {
		return AuthorizationStart{}, svc.mapError(err)
	}
	return AuthorizationStart{
		State:            token,
		AuthorizationURL: svc.cloud.AuthorizationURL(token, o.redirectURI(req.RedirectURI), svc.config.OAuth.Scopes),
		ExpiresAt:        issuedAt.Add(svc.config.OAuth.StateTTL),
	}, nil
}

// HandleCallback validates the state, exchanges the code and either creates
// the connection or returns the accounts to choose from.
func (o *OAuth2Orchestrator) HandleCallback(ctx context.Context, req CallbackRequest) (result CallbackResult, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel": string(ChannelCloud),
		"user_id": req.UserID,
	}
	defer func() {
		if result.Connection != nil {
			fields["connection_id"] = result.Connection.ID
		}
		fields["needs_selection"] = result.NeedsSelection()
		svc.observeOperation(ctx, startedAt, "handle_callback", err, fields)
	}()

	if strings.TrimSpace(req.Code) == "" {
		return CallbackResult{}, NewValidationError("code", "authorization code is required")
	}
	if svc.cloud == nil {
		return CallbackResult{}, svc.mapError(fmt.Errorf("core: cloud client is not configured"))
	}
	state, err := o.openState(ctx, req.State, req.UserID)
	if err != nil {
		return CallbackResult{}, err
	}

	token, err := svc.cloud.ExchangeCode(ctx, strings.TrimSpace(req.Code), o.redirectURI(req.RedirectURI))
	if err != nil {
		return CallbackResult{}, NewUpstreamProviderError(err, "core: authorization code exchange failed")
	}
	accounts, err := svc.cloud.ListBusinessAccounts(ctx, token.AccessToken)
	if err != nil {
		return CallbackResult{}, NewUpstreamProviderError(err, "core: business account lookup failed")
	}

	numbers := 0
	for _, account := range accounts {
		numbers += len(account.PhoneNumbers)
	}
	if numbers == 0 {
		return CallbackResult{}, NewBusinessRuleViolation("core: no WhatsApp phone numbers are available for this authorization")
	}

	if len(accounts) == 1 && len(accounts[0].PhoneNumbers) == 1 {
		conn, createErr := o.CreateConnection(ctx, CloudConnectionInput{
			UserID:        state.UserID,
			AgentID:       state.AgentID,
			CompanyID:     state.CompanyID,
			Token:         token,
			Account:       accounts[0],
			PhoneNumberID: accounts[0].PhoneNumbers[0].ID,
		})
		if createErr != nil {
			return CallbackResult{}, createErr
		}
		return CallbackResult{Connection: &conn, State: req.State}, nil
	}

	pending, err := o.sealPending(ctx, pendingAuthorization{
		Nonce:        state.Nonce,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.ExpiresAt,
		Scopes:       token.Scopes,
	})
	if err != nil {
		return CallbackResult{}, svc.mapError(err)
	}
	return CallbackResult{
		Accounts:     accounts,
		State:        req.State,
		PendingToken: pending,
	}, nil
}

// SelectAccount completes a callback that needed an explicit choice. The
// chosen account and number must be reachable with the pending token.
func (o *OAuth2Orchestrator) SelectAccount(ctx context.Context, req SelectionRequest) (conn Connection, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":             string(ChannelCloud),
		"user_id":             req.UserID,
		"business_account_id": req.BusinessAccountID,
		"phone_number_id":     req.PhoneNumberID,
	}
	defer func() {
		if conn.ID != "" {
			fields["connection_id"] = conn.ID
		}
		svc.observeOperation(ctx, startedAt, "select_account", err, fields)
	}()

	if strings.TrimSpace(req.BusinessAccountID) == "" {
		return Connection{}, NewValidationError("business_account_id", "business account id is required")
	}
	if strings.TrimSpace(req.PhoneNumberID) == "" {
		return Connection{}, NewValidationError("phone_number_id", "phone number id is required")
	}
	if svc.cloud == nil {
		return Connection{}, svc.mapError(fmt.Errorf("core: cloud client is not configured"))
	}
	state, err := o.openState(ctx, req.State, req.UserID)
	if err != nil {
		return Connection{}, err
	}
	pending, err := o.openPending(ctx, req.PendingToken, state)
	if err != nil {
		return Connection{}, err
	}

	accounts, err := svc.cloud.ListBusinessAccounts(ctx, pending.AccessToken)
	if err != nil {
		return Connection{}, NewUpstreamProviderError(err, "core: business account lookup failed")
	}
	account, ok := findAccountNumber(accounts, strings.TrimSpace(req.BusinessAccountID), strings.TrimSpace(req.PhoneNumberID))
	if !ok {
		return Connection{}, NewNotFoundError("core: selected phone number is not available for this authorization")
	}
	return o.CreateConnection(ctx, CloudConnectionInput{
		UserID:        state.UserID,
		AgentID:       state.AgentID,
		CompanyID:     state.CompanyID,
		Token:         pending.token(),
		Account:       account,
		PhoneNumberID: strings.TrimSpace(req.PhoneNumberID),
	})
}

// CreateConnection persists a connected cloud connection with sealed tokens
// and registers the webhook subscription. A failed subscription is recorded
// as a warning and does not fail creation.
func (o *OAuth2Orchestrator) CreateConnection(ctx context.Context, input CloudConnectionInput) (conn Connection, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":         string(ChannelCloud),
		"user_id":         input.UserID,
		"phone_number_id": input.PhoneNumberID,
	}
	defer func() {
		if conn.ID != "" {
			fields["connection_id"] = conn.ID
		}
		svc.observeOperation(ctx, startedAt, "create_cloud_connection", err, fields)
	}()

	phoneNumberID := strings.TrimSpace(input.PhoneNumberID)
	if strings.TrimSpace(input.UserID) == "" {
		return Connection{}, NewValidationError("user_id", "user id is required")
	}
	if phoneNumberID == "" {
		return Connection{}, NewValidationError("phone_number_id", "phone number id is required")
	}
	if strings.TrimSpace(input.Token.AccessToken) == "" {
		return Connection{}, NewValidationError("access_token", "access token is required")
	}
	if svc.cloud == nil {
		return Connection{}, svc.mapError(fmt.Errorf("core: cloud client is not configured"))
	}
	if err = svc.authorize(ctx, PolicyRequest{
		Action:    PolicyActionCreateConnection,
		UserID:    input.UserID,
		AgentID:   input.AgentID,
		CompanyID: input.CompanyID,
		Channel:   ChannelCloud,
		Attributes: map[string]any{
			"phone_number_id":     phoneNumberID,
			"business_account_id": input.Account.ID,
		},
	}); err != nil {
		return Connection{}, err
	}

	existing, lookupErr := svc.repository.FindByPhoneNumberID(ctx, phoneNumberID)
	switch {
	case lookupErr == nil && existing.Status == ConnectionStatusConnected:
		return Connection{}, NewDuplicateConnectionError(fmt.Sprintf("core: phone number %s is already connected", phoneNumberID))
	case lookupErr != nil && !errors.Is(lookupErr, ErrConnectionNotFound):
		return Connection{}, svc.mapError(lookupErr)
	}

	phone, err := svc.cloud.GetPhoneNumber(ctx, input.Token.AccessToken, phoneNumberID)
	if err != nil {
		return Connection{}, NewUpstreamProviderError(err, "core: phone number lookup failed")
	}

	details := CloudDetails{
		BusinessAccountID: strings.TrimSpace(input.Account.BusinessID),
		WABAID:            strings.TrimSpace(input.Account.ID),
		PhoneNumberID:     phoneNumberID,
		TokenExpiresAt:    input.Token.ExpiresAt,
		VerifiedStatus:    phone.CodeVerificationStatus,
		QualityRating:     phone.QualityRating,
	}
	if details.EncryptedAccessToken, err = svc.vault.Encrypt(ctx, []byte(input.Token.AccessToken)); err != nil {
		return Connection{}, svc.mapError(err)
	}
	if refresh := strings.TrimSpace(input.Token.RefreshToken); refresh != "" {
		if details.EncryptedRefreshToken, err = svc.vault.Encrypt(ctx, []byte(refresh)); err != nil {
			return Connection{}, svc.mapError(err)
		}
	}
	if secret := strings.TrimSpace(input.WebhookSecret); secret != "" {
		if details.EncryptedWebhookSecret, err = svc.vault.Encrypt(ctx, []byte(secret)); err != nil {
			return Connection{}, svc.mapError(err)
		}
	}

	now := svc.now()
	conn = NewCloudConnection(input.UserID, input.AgentID, input.CompanyID, details, now)
	if err = conn.Initiate(now, svc.config.Pairing.InstanceTTL); err != nil {
		return Connection{}, err
	}
	if err = conn.MarkConnected(phone.DisplayPhoneNumber, phone.VerifiedName, now); err != nil {
		return Connection{}, err
	}
	conn, err = svc.repository.Create(ctx, conn)
	if err != nil {
		return Connection{}, svc.mapError(err)
	}
	svc.recordEvent(ctx, conn.ID, "connection.created", WebhookEventSuccess, map[string]any{
		"phone_number_id": phoneNumberID,
		"waba_id":         details.WABAID,
		"quality_rating":  details.QualityRating,
	})

	conn = o.subscribe(ctx, conn, input.Token.AccessToken)
	return conn, nil
}

func (o *OAuth2Orchestrator) subscribe(ctx context.Context, conn Connection, accessToken string) Connection {
	svc := o.svc
	account := subscriptionAccountID(*conn.Cloud)
	subErr := svc.cloud.Subscribe(ctx, accessToken, account, WebhookSubscription{
		CallbackURL: svc.config.Webhook.CallbackURL,
		VerifyToken: svc.config.Webhook.VerifyToken,
		Fields:      svc.config.SubscribedFields(),
	})
	if subErr != nil {
		svc.logWarn(ctx, "webhook subscription failed", map[string]any{
			"connection_id": conn.ID,
			"account_id":    account,
			"error":         subErr.Error(),
		})
		svc.recordEvent(ctx, conn.ID, "webhook.subscription_failed", WebhookEventWarning, map[string]any{
			"account_id": account,
			"message":    subErr.Error(),
		})
		return conn
	}

	conn.Cloud.WebhookVerified = true
	conn.UpdatedAt = svc.now()
	saved, err := svc.save(ctx, conn, ConnectionStatusConnected)
	if err != nil {
		svc.logWarn(ctx, "webhook subscription flag not persisted", map[string]any{
			"connection_id": conn.ID,
			"error":         err.Error(),
		})
		return conn
	}
	svc.recordEvent(ctx, conn.ID, "webhook.subscribed", WebhookEventSuccess, map[string]any{
		"account_id": account,
	})
	return saved
}

// RefreshTokens refreshes the access token when it is inside the refresh
// window or force is set. Provider failures mark the connection error and
// are reported in the result, not returned.
func (o *OAuth2Orchestrator) RefreshTokens(ctx context.Context, connectionID string, force bool) (result RefreshResult, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"channel":       string(ChannelCloud),
		"connection_id": connectionID,
		"force":         force,
	}
	defer func() {
		fields["refreshed"] = result.Refreshed
		fields["skipped"] = result.Skipped
		fields["refresh_failed"] = result.Failed
		if result.Reason != "" {
			fields["reason"] = result.Reason
		}
		svc.observeOperation(ctx, startedAt, "refresh_tokens", err, fields)
	}()

	result = RefreshResult{ConnectionID: strings.TrimSpace(connectionID)}
	conn, err := svc.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if conn.Channel != ChannelCloud || conn.Cloud == nil {
		return result, NewValidationError("connection_id", "token refresh requires a cloud connection")
	}
	if svc.cloud == nil {
		return result, svc.mapError(fmt.Errorf("core: cloud client is not configured"))
	}
	if conn.Status != ConnectionStatusConnected {
		return o.skip(result, conn, "connection is not connected"), nil
	}
	if !force && !RefreshDue(conn.Cloud.TokenExpiresAt, svc.now(), svc.config.OAuth.RefreshWindow) {
		return o.skip(result, conn, "token is outside the refresh window"), nil
	}

	lease, err := svc.locker.Acquire(ctx, conn.ID, svc.config.OAuth.RefreshLeaseTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return o.skip(result, conn, "refresh already in progress"), nil
		}
		return result, svc.mapError(err)
	}
	defer func() {
		if unlockErr := lease.Unlock(ctx); unlockErr != nil {
			svc.logWarn(ctx, "refresh lease release failed", map[string]any{
				"connection_id": conn.ID,
				"error":         unlockErr.Error(),
			})
		}
	}()

	// Re-read under the lease: a concurrent refresher may have rotated the
	// refresh token already.
	conn, err = svc.GetConnection(ctx, conn.ID)
	if err != nil {
		return result, err
	}
	if conn.Status != ConnectionStatusConnected {
		return o.skip(result, conn, "connection is not connected"), nil
	}
	if !force && !RefreshDue(conn.Cloud.TokenExpiresAt, svc.now(), svc.config.OAuth.RefreshWindow) {
		return o.skip(result, conn, "token was refreshed concurrently"), nil
	}

	current, err := o.currentToken(ctx, *conn.Cloud)
	if err != nil {
		return o.recordRefreshFailure(ctx, result, conn, err)
	}
	refreshed, refreshErr := svc.cloud.RefreshToken(ctx, current)
	if refreshErr != nil {
		return o.recordRefreshFailure(ctx, result, conn, refreshErr)
	}
	if strings.TrimSpace(refreshed.AccessToken) == "" {
		return o.recordRefreshFailure(ctx, result, conn, fmt.Errorf("provider returned an empty access token"))
	}

	sealedAccess, err := svc.vault.Encrypt(ctx, []byte(refreshed.AccessToken))
	if err != nil {
		return result, svc.mapError(err)
	}
	conn.Cloud.EncryptedAccessToken = sealedAccess
	if refresh := strings.TrimSpace(refreshed.RefreshToken); refresh != "" {
		sealedRefresh, sealErr := svc.vault.Encrypt(ctx, []byte(refresh))
		if sealErr != nil {
			return result, svc.mapError(sealErr)
		}
		conn.Cloud.EncryptedRefreshToken = sealedRefresh
	}
	conn.Cloud.TokenExpiresAt = refreshed.ExpiresAt
	conn.ClearErrors(svc.now())
	conn.UpdatedAt = svc.now()

	saved, err := svc.save(ctx, conn, ConnectionStatusConnected)
	if err != nil {
		if errors.Is(err, ErrStaleWrite) {
			return o.skip(result, saved, "connection changed during refresh"), nil
		}
		return result, err
	}
	svc.recordEvent(ctx, saved.ID, "token.refreshed", WebhookEventSuccess, map[string]any{
		"forced":     force,
		"expires_at": saved.Cloud.TokenExpiresAt,
	})
	result.Refreshed = true
	result.ExpiresAt = saved.Cloud.TokenExpiresAt
	result.TokenHealth = svc.TokenHealth(saved)
	return result, nil
}

// RefreshDue refreshes every connected cloud connection whose token falls
// inside the refresh window. One failure never stops the batch.
func (o *OAuth2Orchestrator) RefreshDue(ctx context.Context, limit int) (batch RefreshBatchResult, err error) {
	svc := o.svc
	startedAt := time.Now().UTC()
	fields := map[string]any{"channel": string(ChannelCloud)}
	defer func() {
		fields["refreshed"] = batch.Refreshed
		fields["skipped"] = batch.Skipped
		fields["refresh_failed"] = batch.Failed
		svc.observeOperation(ctx, startedAt, "refresh_due", err, fields)
	}()

	if limit <= 0 {
		limit = svc.config.OAuth.RefreshBatchSize
	}
	if limit <= 0 {
		limit = DefaultRefreshBatchSize
	}
	dueBefore := svc.now().Add(svc.config.OAuth.RefreshWindow)
	candidates, err := svc.repository.ListRefreshCandidates(ctx, dueBefore, limit)
	if err != nil {
		return RefreshBatchResult{}, svc.mapError(err)
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		result, refreshErr := o.RefreshTokens(ctx, candidate.ID, false)
		if refreshErr != nil {
			result.ConnectionID = candidate.ID
			result.Failed = true
			result.Reason = refreshErr.Error()
		}
		batch.Results = append(batch.Results, result)
		switch {
		case result.Failed:
			batch.Failed++
		case result.Refreshed:
			batch.Refreshed++
		default:
			batch.Skipped++
		}
	}
	return batch, nil
}

func (o *OAuth2Orchestrator) currentToken(ctx context.Context, details CloudDetails) (CloudToken, error) {
	access, err := o.svc.vault.Decrypt(ctx, details.EncryptedAccessToken)
	if err != nil {
		return CloudToken{}, err
	}
	token := CloudToken{AccessToken: string(access), ExpiresAt: details.TokenExpiresAt}
	if details.EncryptedRefreshToken != "" {
		refresh, err := o.svc.vault.Decrypt(ctx, details.EncryptedRefreshToken)
		if err != nil {
			return CloudToken{}, err
		}
		token.RefreshToken = string(refresh)
	}
	return token, nil
}

func (o *OAuth2Orchestrator) recordRefreshFailure(ctx context.Context, result RefreshResult, conn Connection, cause error) (RefreshResult, error) {
	svc := o.svc
	diagnostic := fmt.Sprintf("token refresh failed: %v", cause)
	result.Failed = true
	result.Reason = diagnostic
	result.ExpiresAt = conn.Cloud.TokenExpiresAt
	result.TokenHealth = svc.TokenHealth(conn)

	if err := conn.MarkError(diagnostic, svc.now()); err != nil {
		return result, nil
	}
	conn.HealthStatus = DeriveHealth(conn.ConsecutiveErrors, svc.config.HealthThresholds())
	if _, err := svc.save(ctx, conn, ConnectionStatusConnected); err != nil {
		svc.logWarn(ctx, "refresh failure not persisted", map[string]any{
			"connection_id": conn.ID,
			"error":         err.Error(),
		})
	}
	svc.recordEvent(ctx, conn.ID, "token.refresh_failed", WebhookEventError, map[string]any{
		"message": diagnostic,
	})
	return result, nil
}

func (o *OAuth2Orchestrator) skip(result RefreshResult, conn Connection, reason string) RefreshResult {
	result.Skipped = true
	result.Reason = reason
	if conn.Cloud != nil {
		result.ExpiresAt = conn.Cloud.TokenExpiresAt
	}
	result.TokenHealth = o.svc.TokenHealth(conn)
	return result
}

func (o *OAuth2Orchestrator) redirectURI(requested string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return o.svc.config.OAuth.RedirectURI
}

func findAccountNumber(accounts []BusinessAccount, accountID, phoneNumberID string) (BusinessAccount, bool) {
	for _, account := range accounts {
		if account.ID != accountID {
			continue
		}
		for _, number := range account.PhoneNumbers {
			if number.ID == phoneNumberID {
				return account, true
			}
		}
	}
	return BusinessAccount{}, false
}

func subscriptionAccountID(details CloudDetails) string {
	if waba := strings.TrimSpace(details.WABAID); waba != "" {
		return waba
	}
	return strings.TrimSpace(details.BusinessAccountID)
}

var _ ChannelStrategy = (*OAuth2Orchestrator)(nil)
