package command

import (
	"strings"

	"github.com/goliatone/go-channels/core"
)

const (
	TypeCreateInstance           = "channels.command.bridge.create_instance"
	TypeDisconnectInstance       = "channels.command.bridge.disconnect_instance"
	TypeStartAuthorization       = "channels.command.cloud.start_authorization"
	TypeCompleteCallback         = "channels.command.cloud.complete_callback"
	TypeSelectAccount            = "channels.command.cloud.select_account"
	TypeRefreshTokens            = "channels.command.cloud.refresh_tokens"
	TypeRefreshDue               = "channels.command.cloud.refresh_due"
	TypeDisconnect               = "channels.command.connection.disconnect"
	TypeDeleteCompanyConnections = "channels.command.company.delete_connections"
	TypeSweepExpired             = "channels.command.pairing.sweep_expired"
)

type CreateInstanceMessage struct {
	Request core.CreateInstanceRequest
}

func (CreateInstanceMessage) Type() string { return TypeCreateInstance }

func (m CreateInstanceMessage) Validate() error {
	return requireField("user_id", m.Request.UserID)
}

type DisconnectInstanceMessage struct {
	InstanceName string
}

func (DisconnectInstanceMessage) Type() string { return TypeDisconnectInstance }

func (m DisconnectInstanceMessage) Validate() error {
	return requireField("instance_name", m.InstanceName)
}

type StartAuthorizationMessage struct {
	Request core.AuthorizationRequest
}

func (StartAuthorizationMessage) Type() string { return TypeStartAuthorization }

func (m StartAuthorizationMessage) Validate() error {
	return requireField("user_id", m.Request.UserID)
}

type CompleteCallbackMessage struct {
	Request core.CallbackRequest
}

func (CompleteCallbackMessage) Type() string { return TypeCompleteCallback }

func (m CompleteCallbackMessage) Validate() error {
	if err := requireField("code", m.Request.Code); err != nil {
		return err
	}
	if err := requireField("state", m.Request.State); err != nil {
		return err
	}
	return requireField("user_id", m.Request.UserID)
}

type SelectAccountMessage struct {
	Request core.SelectionRequest
}

func (SelectAccountMessage) Type() string { return TypeSelectAccount }

func (m SelectAccountMessage) Validate() error {
	if err := requireField("state", m.Request.State); err != nil {
		return err
	}
	if err := requireField("pending_token", m.Request.PendingToken); err != nil {
		return err
	}
	if err := requireField("user_id", m.Request.UserID); err != nil {
		return err
	}
	return requireField("phone_number_id", m.Request.PhoneNumberID)
}

type RefreshTokensMessage struct {
	ConnectionID string
	Force        bool
}

func (RefreshTokensMessage) Type() string { return TypeRefreshTokens }

func (m RefreshTokensMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type RefreshDueMessage struct {
	Limit int
}

func (RefreshDueMessage) Type() string { return TypeRefreshDue }

func (m RefreshDueMessage) Validate() error {
	return validateLimit(m.Limit)
}

type DisconnectMessage struct {
	ConnectionID string
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return requireField("connection_id", m.ConnectionID)
}

type DeleteCompanyConnectionsMessage struct {
	CompanyID string
}

func (DeleteCompanyConnectionsMessage) Type() string { return TypeDeleteCompanyConnections }

func (m DeleteCompanyConnectionsMessage) Validate() error {
	return requireField("company_id", m.CompanyID)
}

type SweepExpiredMessage struct {
	Limit int
}

func (SweepExpiredMessage) Type() string { return TypeSweepExpired }

func (m SweepExpiredMessage) Validate() error {
	return validateLimit(m.Limit)
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return commandValidationError(field, strings.ReplaceAll(field, "_", " ")+" is required")
	}
	return nil
}

func validateLimit(limit int) error {
	if limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}
