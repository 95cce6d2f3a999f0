package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultInstanceTTL        = 10 * time.Minute
	DefaultPairingTimeout     = 2 * time.Minute
	DefaultQRRefreshInterval  = 30 * time.Second
	DefaultQRMinInstanceAge   = time.Second
	DefaultOAuthStateTTL      = 10 * time.Minute
	DefaultRefreshLeaseTTL    = 30 * time.Second
	DefaultRefreshBatchSize   = 50
	DefaultSweepBatchSize     = 200
	defaultServiceName        = "channels"
	defaultWebhookChangeField = "messages"
)

type PairingConfig struct {
	InstanceTTL       time.Duration `koanf:"instance_ttl" mapstructure:"instance_ttl"`
	TotalTimeout      time.Duration `koanf:"total_timeout" mapstructure:"total_timeout"`
	QRRefreshInterval time.Duration `koanf:"qr_refresh_interval" mapstructure:"qr_refresh_interval"`
	QRMinInstanceAge  time.Duration `koanf:"qr_min_instance_age" mapstructure:"qr_min_instance_age"`
	WebhookURL        string        `koanf:"webhook_url" mapstructure:"webhook_url"`
	InstancePrefix    string        `koanf:"instance_prefix" mapstructure:"instance_prefix"`
}

type OAuthConfig struct {
	StateTTL           time.Duration `koanf:"state_ttl" mapstructure:"state_ttl"`
	RefreshWindow      time.Duration `koanf:"refresh_window" mapstructure:"refresh_window"`
	TokenWarningWindow time.Duration `koanf:"token_warning_window" mapstructure:"token_warning_window"`
	RefreshLeaseTTL    time.Duration `koanf:"refresh_lease_ttl" mapstructure:"refresh_lease_ttl"`
	RefreshBatchSize   int           `koanf:"refresh_batch_size" mapstructure:"refresh_batch_size"`
	RedirectURI        string        `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	Scopes             []string      `koanf:"scopes" mapstructure:"scopes"`
}

type WebhookConfig struct {
	VerifyToken string   `koanf:"verify_token" mapstructure:"verify_token"`
	AppSecret   string   `koanf:"app_secret" mapstructure:"app_secret"`
	CallbackURL string   `koanf:"callback_url" mapstructure:"callback_url"`
	Fields      []string `koanf:"fields" mapstructure:"fields"`
}

type HealthConfig struct {
	DegradedAfter  int `koanf:"degraded_after" mapstructure:"degraded_after"`
	UnhealthyAfter int `koanf:"unhealthy_after" mapstructure:"unhealthy_after"`
	SweepBatchSize int `koanf:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

type Config struct {
	ServiceName string        `koanf:"service_name" mapstructure:"service_name"`
	Pairing     PairingConfig `koanf:"pairing" mapstructure:"pairing"`
	OAuth       OAuthConfig   `koanf:"oauth" mapstructure:"oauth"`
	Webhook     WebhookConfig `koanf:"webhook" mapstructure:"webhook"`
	Health      HealthConfig  `koanf:"health" mapstructure:"health"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: defaultServiceName,
		Pairing: PairingConfig{
			InstanceTTL:       DefaultInstanceTTL,
			TotalTimeout:      DefaultPairingTimeout,
			QRRefreshInterval: DefaultQRRefreshInterval,
			QRMinInstanceAge:  DefaultQRMinInstanceAge,
			InstancePrefix:    "agent",
		},
		OAuth: OAuthConfig{
			StateTTL:           DefaultOAuthStateTTL,
			RefreshWindow:      DefaultTokenRefreshWindow,
			TokenWarningWindow: DefaultTokenWarningWindow,
			RefreshLeaseTTL:    DefaultRefreshLeaseTTL,
			RefreshBatchSize:   DefaultRefreshBatchSize,
			Scopes: []string{
				"whatsapp_business_management",
				"whatsapp_business_messaging",
				"business_management",
			},
		},
		Webhook: WebhookConfig{
			Fields: []string{defaultWebhookChangeField},
		},
		Health: HealthConfig{
			DegradedAfter:  DefaultHealthThresholds().DegradedAfter,
			UnhealthyAfter: DefaultHealthThresholds().UnhealthyAfter,
			SweepBatchSize: DefaultSweepBatchSize,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Pairing.InstanceTTL <= 0 {
		return fmt.Errorf("core: pairing.instance_ttl must be positive")
	}
	if c.Pairing.TotalTimeout <= 0 || c.Pairing.QRRefreshInterval <= 0 {
		return fmt.Errorf("core: pairing timeouts must be positive")
	}
	if c.Pairing.QRMinInstanceAge < 0 {
		return fmt.Errorf("core: pairing.qr_min_instance_age must not be negative")
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("core: oauth.state_ttl must be positive")
	}
	if c.OAuth.RefreshWindow <= 0 {
		return fmt.Errorf("core: oauth.refresh_window must be positive")
	}
	if c.Health.UnhealthyAfter > 0 && c.Health.DegradedAfter > c.Health.UnhealthyAfter {
		return fmt.Errorf("core: health.degraded_after must not exceed health.unhealthy_after")
	}
	return nil
}

func (c Config) HealthThresholds() HealthThresholds {
	thresholds := DefaultHealthThresholds()
	if c.Health.DegradedAfter > 0 {
		thresholds.DegradedAfter = c.Health.DegradedAfter
	}
	if c.Health.UnhealthyAfter > 0 {
		thresholds.UnhealthyAfter = c.Health.UnhealthyAfter
	}
	return thresholds
}

// SubscribedFields returns the webhook change fields to register, defaulting
// to messages.
func (c Config) SubscribedFields() []string {
	fields := make([]string, 0, len(c.Webhook.Fields))
	for _, field := range c.Webhook.Fields {
		if trimmed := strings.TrimSpace(strings.ToLower(field)); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	if len(fields) == 0 {
		fields = append(fields, defaultWebhookChangeField)
	}
	return fields
}
