package channels

import (
	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/providers/bridge"
	"github.com/goliatone/go-channels/providers/cloud"
	"github.com/goliatone/go-channels/security"
	"github.com/goliatone/go-channels/transport"
	"github.com/goliatone/go-channels/webhooks"
)

func BridgeClient(cfg bridge.Config, httpClient transport.HTTPDoer) (core.BridgeClient, error) {
	client, err := bridge.NewClient(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func CloudClient(cfg cloud.Config, httpClient transport.HTTPDoer, opts ...cloud.Option) (core.CloudClient, error) {
	client, err := cloud.NewClient(cfg, httpClient, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewCredentialVault parses base64 or hex key material into an AES-GCM vault.
func NewCredentialVault(keyMaterial string, opts ...security.Option) (core.CredentialVault, error) {
	vault, err := security.NewAESGCMVaultFromString(keyMaterial, opts...)
	if err != nil {
		return nil, err
	}
	return vault, nil
}

// WebhookProcessor builds a processor sharing the service's repository,
// vault, event log and logger. The webhook secret and health thresholds
// come from the service configuration.
func WebhookProcessor(
	service *Service,
	ledger core.MessageLedger,
	bridgeAPIKey string,
	opts ...webhooks.Option,
) (*webhooks.Processor, error) {
	deps := service.Dependencies()
	cfg := service.Config()
	base := []webhooks.Option{
		webhooks.WithEventLog(deps.EventLog),
		webhooks.WithLoggerProvider(deps.LoggerProvider),
	}
	return webhooks.NewProcessor(webhooks.Config{
		VerifyToken:  cfg.Webhook.VerifyToken,
		AppSecret:    cfg.Webhook.AppSecret,
		BridgeAPIKey: bridgeAPIKey,
		Thresholds:   cfg.HealthThresholds(),
	}, deps.Repository, ledger, deps.Vault, append(base, opts...)...)
}
