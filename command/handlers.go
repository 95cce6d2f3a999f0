package command

import (
	"context"

	"github.com/goliatone/go-channels/core"
	gocmd "github.com/goliatone/go-command"
)

type PairingService interface {
	CreateInstance(ctx context.Context, req core.CreateInstanceRequest) (core.PairingStatus, error)
	DisconnectInstance(ctx context.Context, instanceName string) error
}

type CloudService interface {
	BuildAuthorizationState(ctx context.Context, req core.AuthorizationRequest) (core.AuthorizationStart, error)
	HandleCallback(ctx context.Context, req core.CallbackRequest) (core.CallbackResult, error)
	SelectAccount(ctx context.Context, req core.SelectionRequest) (core.Connection, error)
	RefreshTokens(ctx context.Context, connectionID string, force bool) (core.RefreshResult, error)
	RefreshDue(ctx context.Context, limit int) (core.RefreshBatchResult, error)
}

type LifecycleService interface {
	Disconnect(ctx context.Context, connectionID string) error
	DeleteCompanyConnections(ctx context.Context, companyID string) (core.CascadeResult, error)
	SweepExpired(ctx context.Context, limit int) (core.SweepResult, error)
}

type CreateInstanceCommand struct {
	service PairingService
}

func NewCreateInstanceCommand(service PairingService) *CreateInstanceCommand {
	return &CreateInstanceCommand{service: service}
}

func (c *CreateInstanceCommand) Execute(ctx context.Context, msg CreateInstanceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: pairing service is required")
	}
	out, err := c.service.CreateInstance(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DisconnectInstanceCommand struct {
	service PairingService
}

func NewDisconnectInstanceCommand(service PairingService) *DisconnectInstanceCommand {
	return &DisconnectInstanceCommand{service: service}
}

func (c *DisconnectInstanceCommand) Execute(ctx context.Context, msg DisconnectInstanceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: pairing service is required")
	}
	return c.service.DisconnectInstance(ctx, msg.InstanceName)
}

type StartAuthorizationCommand struct {
	service CloudService
}

func NewStartAuthorizationCommand(service CloudService) *StartAuthorizationCommand {
	return &StartAuthorizationCommand{service: service}
}

func (c *StartAuthorizationCommand) Execute(ctx context.Context, msg StartAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: cloud service is required")
	}
	out, err := c.service.BuildAuthorizationState(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteCallbackCommand struct {
	service CloudService
}

func NewCompleteCallbackCommand(service CloudService) *CompleteCallbackCommand {
	return &CompleteCallbackCommand{service: service}
}

func (c *CompleteCallbackCommand) Execute(ctx context.Context, msg CompleteCallbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: callback service is required")
	}
	out, err := c.service.HandleCallback(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SelectAccountCommand struct {
	service CloudService
}

func NewSelectAccountCommand(service CloudService) *SelectAccountCommand {
	return &SelectAccountCommand{service: service}
}

func (c *SelectAccountCommand) Execute(ctx context.Context, msg SelectAccountMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: cloud service is required")
	}
	out, err := c.service.SelectAccount(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshTokensCommand struct {
	service CloudService
}

func NewRefreshTokensCommand(service CloudService) *RefreshTokensCommand {
	return &RefreshTokensCommand{service: service}
}

func (c *RefreshTokensCommand) Execute(ctx context.Context, msg RefreshTokensMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.RefreshTokens(ctx, msg.ConnectionID, msg.Force)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshDueCommand struct {
	service CloudService
}

func NewRefreshDueCommand(service CloudService) *RefreshDueCommand {
	return &RefreshDueCommand{service: service}
}

func (c *RefreshDueCommand) Execute(ctx context.Context, msg RefreshDueMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.RefreshDue(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DisconnectCommand struct {
	service LifecycleService
}

func NewDisconnectCommand(service LifecycleService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connection service is required")
	}
	return c.service.Disconnect(ctx, msg.ConnectionID)
}

type DeleteCompanyConnectionsCommand struct {
	service LifecycleService
}

func NewDeleteCompanyConnectionsCommand(service LifecycleService) *DeleteCompanyConnectionsCommand {
	return &DeleteCompanyConnectionsCommand{service: service}
}

func (c *DeleteCompanyConnectionsCommand) Execute(ctx context.Context, msg DeleteCompanyConnectionsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connection service is required")
	}
	out, err := c.service.DeleteCompanyConnections(ctx, msg.CompanyID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepExpiredCommand struct {
	service LifecycleService
}

func NewSweepExpiredCommand(service LifecycleService) *SweepExpiredCommand {
	return &SweepExpiredCommand{service: service}
}

func (c *SweepExpiredCommand) Execute(ctx context.Context, msg SweepExpiredMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connection service is required")
	}
	out, err := c.service.SweepExpired(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
