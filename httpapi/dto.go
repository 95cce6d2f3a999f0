package httpapi

import (
	"time"

	"github.com/goliatone/go-channels/core"
	channelsquery "github.com/goliatone/go-channels/query"
)

type CreateInstanceRequest struct {
	AgentID      string `json:"agent_id" binding:"omitempty,max=128"`
	CompanyID    string `json:"company_id" binding:"omitempty,max=128"`
	InstanceName string `json:"instance_name" binding:"omitempty,max=255"`
}

type SelectAccountRequest struct {
	State             string `json:"state" binding:"required"`
	PendingToken      string `json:"pending_token" binding:"required"`
	BusinessAccountID string `json:"business_account_id"`
	PhoneNumberID     string `json:"phone_number_id" binding:"required"`
}

// PairingStatusResponse is the shape polled by the pairing UI.
type PairingStatusResponse struct {
	QRCode            string `json:"qrCode,omitempty"`
	Status            string `json:"status"`
	PhoneNumber       string `json:"phoneNumber,omitempty"`
	ProfileName       string `json:"profileName,omitempty"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
	InstanceName      string `json:"instanceName,omitempty"`
	ConnectionID      string `json:"connectionId,omitempty"`
}

func ToPairingStatusResponse(status core.PairingStatus) PairingStatusResponse {
	conn := status.Connection
	out := PairingStatusResponse{
		QRCode:            status.QRCode(),
		Status:            string(conn.Status),
		PhoneNumber:       conn.PhoneNumber,
		ProfileName:       conn.DisplayName,
		AttemptsRemaining: status.AttemptsRemaining,
		ConnectionID:      conn.ID,
	}
	if conn.Bridge != nil {
		out.InstanceName = conn.Bridge.InstanceName
	}
	return out
}

type ConnectionResponse struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	AgentID           string     `json:"agent_id,omitempty"`
	CompanyID         string     `json:"company_id,omitempty"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	HealthStatus      string     `json:"health_status"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	InstanceName      string     `json:"instance_name,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	BusinessAccountID string     `json:"business_account_id,omitempty"`
	PhoneNumberID     string     `json:"phone_number_id,omitempty"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	QualityRating     string     `json:"quality_rating,omitempty"`
	WebhookVerified   bool       `json:"webhook_verified"`
	QuotaLimit        int        `json:"quota_limit"`
	QuotaUsed         int        `json:"quota_used"`
	MessagesSent      int64      `json:"messages_sent"`
	MessagesReceived  int64      `json:"messages_received"`
	ErrorCount        int        `json:"error_count"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastErrorMessage  string     `json:"last_error_message,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ToConnectionResponse never copies sealed token or secret blobs.
func ToConnectionResponse(conn core.Connection) ConnectionResponse {
	out := ConnectionResponse{
		ID:                conn.ID,
		UserID:            conn.UserID,
		AgentID:           conn.AgentID,
		CompanyID:         conn.CompanyID,
		Channel:           string(conn.Channel),
		Status:            string(conn.Status),
		HealthStatus:      string(conn.HealthStatus),
		PhoneNumber:       conn.PhoneNumber,
		DisplayName:       conn.DisplayName,
		QuotaLimit:        conn.Quota.Limit,
		QuotaUsed:         conn.Quota.Used,
		MessagesSent:      conn.Counters.Sent,
		MessagesReceived:  conn.Counters.Received,
		ErrorCount:        conn.ErrorCount,
		ConsecutiveErrors: conn.ConsecutiveErrors,
		LastErrorMessage:  conn.LastErrorMessage,
		LastErrorAt:       conn.LastErrorAt,
		CreatedAt:         conn.CreatedAt,
		UpdatedAt:         conn.UpdatedAt,
	}
	if conn.Bridge != nil {
		out.InstanceName = conn.Bridge.InstanceName
		out.ExpiresAt = conn.Bridge.ExpiresAt
	}
	if conn.Cloud != nil {
		out.BusinessAccountID = conn.Cloud.BusinessAccountID
		out.PhoneNumberID = conn.Cloud.PhoneNumberID
		out.TokenExpiresAt = conn.Cloud.TokenExpiresAt
		out.QualityRating = conn.Cloud.QualityRating
		out.WebhookVerified = conn.Cloud.WebhookVerified
	}
	return out
}

func ToConnectionResponses(conns []core.Connection) []ConnectionResponse {
	out := make([]ConnectionResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ToConnectionResponse(conn))
	}
	return out
}

type EventResponse struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func ToEventResponses(events []core.WebhookEvent) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, EventResponse{
			ID:        event.ID,
			EventType: event.EventType,
			Status:    string(event.Status),
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
	}
	return out
}

type AuthorizationStartResponse struct {
	State            string    `json:"state"`
	AuthorizationURL string    `json:"authorization_url"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type PhoneNumberResponse struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name,omitempty"`
	QualityRating      string `json:"quality_rating,omitempty"`
}

type BusinessAccountResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	BusinessID   string                `json:"business_id,omitempty"`
	PhoneNumbers []PhoneNumberResponse `json:"phone_numbers"`
}

// CallbackResponse carries either the connection or the account choices.
type CallbackResponse struct {
	Connection      *ConnectionResponse       `json:"connection,omitempty"`
	NeedsSelection  bool                      `json:"needs_selection"`
	State           string                    `json:"state,omitempty"`
	PendingToken    string                    `json:"pending_token,omitempty"`
	BusinessAccount []BusinessAccountResponse `json:"business_accounts,omitempty"`
}

func ToCallbackResponse(result core.CallbackResult) CallbackResponse {
	out := CallbackResponse{NeedsSelection: result.NeedsSelection()}
	if result.Connection != nil {
		conn := ToConnectionResponse(*result.Connection)
		out.Connection = &conn
	}
	if !out.NeedsSelection {
		return out
	}
	out.State = result.State
	out.PendingToken = result.PendingToken
	for _, account := range result.Accounts {
		numbers := make([]PhoneNumberResponse, 0, len(account.PhoneNumbers))
		for _, number := range account.PhoneNumbers {
			numbers = append(numbers, PhoneNumberResponse{
				ID:                 number.ID,
				DisplayPhoneNumber: number.DisplayPhoneNumber,
				VerifiedName:       number.VerifiedName,
				QualityRating:      number.QualityRating,
			})
		}
		out.BusinessAccount = append(out.BusinessAccount, BusinessAccountResponse{
			ID:           account.ID,
			Name:         account.Name,
			BusinessID:   account.BusinessID,
			PhoneNumbers: numbers,
		})
	}
	return out
}

type RefreshResponse struct {
	ConnectionID string     `json:"connection_id"`
	Refreshed    bool       `json:"refreshed"`
	Skipped      bool       `json:"skipped"`
	Failed       bool       `json:"failed"`
	Reason       string     `json:"reason,omitempty"`
	TokenHealth  string     `json:"token_health,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func ToRefreshResponse(result core.RefreshResult) RefreshResponse {
	return RefreshResponse{
		ConnectionID: result.ConnectionID,
		Refreshed:    result.Refreshed,
		Skipped:      result.Skipped,
		Failed:       result.Failed,
		Reason:       result.Reason,
		TokenHealth:  string(result.TokenHealth),
		ExpiresAt:    result.ExpiresAt,
	}
}

type TokenHealthResponse struct {
	ConnectionID string     `json:"connection_id"`
	Channel      string     `json:"channel"`
	Health       string     `json:"health"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func ToTokenHealthResponse(view channelsquery.TokenHealthView) TokenHealthResponse {
	return TokenHealthResponse{
		ConnectionID: view.ConnectionID,
		Channel:      string(view.Channel),
		Health:       string(view.Health),
		ExpiresAt:    view.ExpiresAt,
	}
}

type CascadeResponse struct {
	CompanyID   string `json:"company_id"`
	Connections int64  `json:"connections"`
	Events      int64  `json:"events"`
	Receipts    int64  `json:"receipts"`
}

func ToCascadeResponse(result core.CascadeResult) CascadeResponse {
	return CascadeResponse{
		CompanyID:   result.CompanyID,
		Connections: result.Connections,
		Events:      result.Events,
		Receipts:    result.Receipts,
	}
}
