package gocommand

import (
	"context"
	"fmt"
	"strings"

	channels "github.com/goliatone/go-channels"
	channelscommand "github.com/goliatone/go-channels/command"
	"github.com/goliatone/go-channels/core"
	channelsquery "github.com/goliatone/go-channels/query"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// RegisterFacade subscribes every handler the facade exposes. Handlers for a
// channel the facade was built without are skipped. On failure the
// subscriptions made so far are released.
func RegisterFacade(
	adapter *RegistryAdapter,
	facade *channels.Facade,
	runnerOpts ...runner.Option,
) ([]commanddispatcher.Subscription, error) {
	if facade == nil {
		return nil, fmt.Errorf("gocommand: facade is required")
	}
	r := &facadeRegistrar{adapter: adapter, opts: runnerOpts}
	cmds := facade.Commands()
	qrys := facade.Queries()

	if cmds.CreateInstance != nil {
		registerCommand[channelscommand.CreateInstanceMessage](r, cmds.CreateInstance)
	}
	if cmds.DisconnectInstance != nil {
		registerCommand[channelscommand.DisconnectInstanceMessage](r, cmds.DisconnectInstance)
	}
	if cmds.StartAuthorization != nil {
		registerCommand[channelscommand.StartAuthorizationMessage](r, cmds.StartAuthorization)
	}
	if cmds.CompleteCallback != nil {
		registerCommand[channelscommand.CompleteCallbackMessage](r, cmds.CompleteCallback)
	}
	if cmds.SelectAccount != nil {
		registerCommand[channelscommand.SelectAccountMessage](r, cmds.SelectAccount)
	}
	if cmds.RefreshTokens != nil {
		registerCommand[channelscommand.RefreshTokensMessage](r, cmds.RefreshTokens)
	}
	if cmds.RefreshDue != nil {
		registerCommand[channelscommand.RefreshDueMessage](r, cmds.RefreshDue)
	}
	if cmds.Disconnect != nil {
		registerCommand[channelscommand.DisconnectMessage](r, cmds.Disconnect)
	}
	if cmds.DeleteCompanyConnections != nil {
		registerCommand[channelscommand.DeleteCompanyConnectionsMessage](r, cmds.DeleteCompanyConnections)
	}
	if cmds.SweepExpired != nil {
		registerCommand[channelscommand.SweepExpiredMessage](r, cmds.SweepExpired)
	}

	if qrys.GetConnection != nil {
		registerQuery[channelsquery.GetConnectionMessage, core.Connection](r, qrys.GetConnection)
	}
	if qrys.ListConnections != nil {
		registerQuery[channelsquery.ListConnectionsMessage, []core.Connection](r, qrys.ListConnections)
	}
	if qrys.ListEvents != nil {
		registerQuery[channelsquery.ListEventsMessage, []core.WebhookEvent](r, qrys.ListEvents)
	}
	if qrys.PairingStatus != nil {
		registerQuery[channelsquery.PairingStatusMessage, core.PairingStatus](r, qrys.PairingStatus)
	}
	if qrys.TokenHealth != nil {
		registerQuery[channelsquery.TokenHealthMessage, channelsquery.TokenHealthView](r, qrys.TokenHealth)
	}

	if r.err != nil {
		Unsubscribe(r.subs)
		return nil, r.err
	}
	return r.subs, nil
}

// Unsubscribe releases subscriptions returned by RegisterFacade.
func Unsubscribe(subs []commanddispatcher.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

type facadeRegistrar struct {
	adapter *RegistryAdapter
	opts    []runner.Option
	subs    []commanddispatcher.Subscription
	err     error
}

func registerCommand[T any](r *facadeRegistrar, cmd command.Commander[T]) {
	if r.err != nil {
		return
	}
	sub, err := RegisterAndSubscribe(r.adapter, cmd, r.opts...)
	if err != nil {
		r.err = err
		return
	}
	r.subs = append(r.subs, sub)
}

func registerQuery[T any, R any](r *facadeRegistrar, qry command.Querier[T, R]) {
	if r.err != nil {
		return
	}
	sub, err := RegisterAndSubscribeQuery(r.adapter, qry, r.opts...)
	if err != nil {
		r.err = err
		return
	}
	r.subs = append(r.subs, sub)
}
