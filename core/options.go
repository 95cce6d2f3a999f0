package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	repository      ConnectionRepository
	events          EventLog
	vault           CredentialVault
	bridge          BridgeClient
	cloud           CloudClient
	locker          ConnectionLocker
	policy          PolicyEvaluator
	clock           Clock
	suffixes        func() (string, error)
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRepository(repository ConnectionRepository) Option {
	return func(b *serviceBuilder) {
		b.repository = repository
	}
}

func WithEventLog(events EventLog) Option {
	return func(b *serviceBuilder) {
		b.events = events
	}
}

func WithCredentialVault(vault CredentialVault) Option {
	return func(b *serviceBuilder) {
		b.vault = vault
	}
}

func WithBridgeClient(client BridgeClient) Option {
	return func(b *serviceBuilder) {
		b.bridge = client
	}
}

func WithCloudClient(client CloudClient) Option {
	return func(b *serviceBuilder) {
		b.cloud = client
	}
}

func WithConnectionLocker(locker ConnectionLocker) Option {
	return func(b *serviceBuilder) {
		b.locker = locker
	}
}

func WithPolicyEvaluator(policy PolicyEvaluator) Option {
	return func(b *serviceBuilder) {
		b.policy = policy
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

// WithInstanceSuffix overrides the random suffix appended to generated
// bridge instance names.
func WithInstanceSuffix(generator func() (string, error)) Option {
	return func(b *serviceBuilder) {
		b.suffixes = generator
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve(defaultServiceName, nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		locker:          NewMemoryConnectionLocker(),
		policy:          AllowAllPolicy{},
		clock:           func() time.Time { return time.Now().UTC() },
		suffixes:        randomInstanceSuffix,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return MapError(err)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded < runtime. Zero values in the
// upper layers never mask a lower layer.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	pairing := map[string]any{}
	putDuration(pairing, "instance_ttl", cfg.Pairing.InstanceTTL, includeZero)
	putDuration(pairing, "total_timeout", cfg.Pairing.TotalTimeout, includeZero)
	putDuration(pairing, "qr_refresh_interval", cfg.Pairing.QRRefreshInterval, includeZero)
	putDuration(pairing, "qr_min_instance_age", cfg.Pairing.QRMinInstanceAge, includeZero)
	putString(pairing, "webhook_url", cfg.Pairing.WebhookURL, includeZero)
	putString(pairing, "instance_prefix", cfg.Pairing.InstancePrefix, includeZero)
	putSection(layer, "pairing", pairing)

	oauth := map[string]any{}
	putDuration(oauth, "state_ttl", cfg.OAuth.StateTTL, includeZero)
	putDuration(oauth, "refresh_window", cfg.OAuth.RefreshWindow, includeZero)
	putDuration(oauth, "token_warning_window", cfg.OAuth.TokenWarningWindow, includeZero)
	putDuration(oauth, "refresh_lease_ttl", cfg.OAuth.RefreshLeaseTTL, includeZero)
	putInt(oauth, "refresh_batch_size", cfg.OAuth.RefreshBatchSize, includeZero)
	putString(oauth, "redirect_uri", cfg.OAuth.RedirectURI, includeZero)
	putStrings(oauth, "scopes", cfg.OAuth.Scopes, includeZero)
	putSection(layer, "oauth", oauth)

	webhook := map[string]any{}
	putString(webhook, "verify_token", cfg.Webhook.VerifyToken, includeZero)
	putString(webhook, "app_secret", cfg.Webhook.AppSecret, includeZero)
	putString(webhook, "callback_url", cfg.Webhook.CallbackURL, includeZero)
	putStrings(webhook, "fields", cfg.Webhook.Fields, includeZero)
	putSection(layer, "webhook", webhook)

	health := map[string]any{}
	putInt(health, "degraded_after", cfg.Health.DegradedAfter, includeZero)
	putInt(health, "unhealthy_after", cfg.Health.UnhealthyAfter, includeZero)
	putInt(health, "sweep_batch_size", cfg.Health.SweepBatchSize, includeZero)
	putSection(layer, "health", health)

	return layer
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}

func putDuration(section map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putInt(section map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putString(section map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		section[key] = value
	}
}

func putStrings(section map[string]any, key string, values []string, includeZero bool) {
	if includeZero || len(values) > 0 {
		section[key] = append([]string(nil), values...)
	}
}
