package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/transport"
)

const (
	defaultIntegration    = "WHATSAPP-BAILEYS"
	defaultRequestTimeout = 15 * time.Second
	apiKeyHeader          = "apikey"
)

type Config struct {
	BaseURL        string        `koanf:"base_url" mapstructure:"base_url"`
	APIKey         string        `koanf:"api_key" mapstructure:"api_key"`
	Integration    string        `koanf:"integration" mapstructure:"integration"`
	RequestTimeout time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
}

// Client talks to an Evolution-style bridge that hosts unofficial WhatsApp
// sessions keyed by instance name.
type Client struct {
	cfg     Config
	adapter *transport.RESTAdapter
}

func NewClient(cfg Config, httpClient transport.HTTPDoer) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bridge: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("bridge: invalid base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("bridge: api key is required")
	}
	if strings.TrimSpace(cfg.Integration) == "" {
		cfg.Integration = defaultIntegration
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	adapter := transport.NewRESTAdapter(httpClient)
	adapter.DefaultHeaders[apiKeyHeader] = cfg.APIKey
	return &Client{cfg: cfg, adapter: adapter}, nil
}

type createInstancePayload struct {
	InstanceName string `json:"instanceName"`
	Webhook      string `json:"webhook,omitempty"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

type instanceEnvelope struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		Status       string `json:"status"`
		State        string `json:"state"`
	} `json:"instance"`
	QRCode qrPayload `json:"qrcode"`
}

type qrPayload struct {
	Base64      string `json:"base64"`
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
}

type fetchedInstance struct {
	Name             string `json:"name"`
	InstanceName     string `json:"instanceName"`
	Owner            string `json:"owner"`
	OwnerJID         string `json:"ownerJid"`
	ProfileName      string `json:"profileName"`
	ConnectionStatus string `json:"connectionStatus"`
	Status           string `json:"status"`
}

type fetchedEnvelope struct {
	Instance *fetchedInstance `json:"instance"`
	fetchedInstance
}

func (c *Client) CreateInstance(ctx context.Context, req core.BridgeCreateInstanceRequest) (core.BridgeInstance, error) {
	name := strings.TrimSpace(req.InstanceName)
	if name == "" {
		return core.BridgeInstance{}, core.NewValidationError("instance_name", "instance name is required")
	}
	var out instanceEnvelope
	_, err := c.adapter.DoJSON(ctx, c.request(http.MethodPost, "/instance/create"), createInstancePayload{
		InstanceName: name,
		Webhook:      strings.TrimSpace(req.WebhookURL),
		QRCode:       req.QRCode,
		Integration:  c.cfg.Integration,
	}, &out)
	if err != nil {
		return core.BridgeInstance{}, err
	}
	instance := core.BridgeInstance{
		InstanceName: firstNonEmpty(out.Instance.InstanceName, name),
		Status:       firstNonEmpty(out.Instance.Status, out.Instance.State),
		QRCode:       strings.TrimSpace(out.QRCode.Base64),
	}
	return instance, nil
}

// ConnectionState reports the session state. Open sessions are enriched with
// the paired phone number and profile name from the instance listing.
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (core.BridgeConnectionState, error) {
	name := strings.TrimSpace(instanceName)
	if name == "" {
		return core.BridgeConnectionState{}, core.NewValidationError("instance_name", "instance name is required")
	}
	var out instanceEnvelope
	if _, err := c.adapter.DoJSON(ctx, c.request(http.MethodGet, "/instance/connectionState/"+url.PathEscape(name)), nil, &out); err != nil {
		return core.BridgeConnectionState{}, err
	}
	state := core.BridgeConnectionState{
		InstanceName: firstNonEmpty(out.Instance.InstanceName, name),
		State:        firstNonEmpty(out.Instance.State, out.Instance.Status),
	}
	if core.NormalizeExternalState(state.State) != "open" {
		return state, nil
	}
	profile, err := c.fetchInstance(ctx, name)
	if err != nil {
		// profile enrichment is best-effort
		return state, nil
	}
	state.PhoneNumber = phoneFromJID(firstNonEmpty(profile.OwnerJID, profile.Owner))
	state.ProfileName = strings.TrimSpace(profile.ProfileName)
	return state, nil
}

func (c *Client) Connect(ctx context.Context, instanceName string) (core.BridgeQRCode, error) {
	name := strings.TrimSpace(instanceName)
	if name == "" {
		return core.BridgeQRCode{}, core.NewValidationError("instance_name", "instance name is required")
	}
	var out qrPayload
	if _, err := c.adapter.DoJSON(ctx, c.request(http.MethodGet, "/instance/connect/"+url.PathEscape(name)), nil, &out); err != nil {
		return core.BridgeQRCode{}, err
	}
	return core.BridgeQRCode{
		QRCode:      strings.TrimSpace(out.Base64),
		PairingCode: firstNonEmpty(out.PairingCode, out.Code),
	}, nil
}

// DeleteInstance removes the remote instance. A missing instance is treated
// as already deleted.
func (c *Client) DeleteInstance(ctx context.Context, instanceName string) error {
	name := strings.TrimSpace(instanceName)
	if name == "" {
		return core.NewValidationError("instance_name", "instance name is required")
	}
	res, err := c.adapter.Do(ctx, c.request(http.MethodDelete, "/instance/delete/"+url.PathEscape(name)))
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusNotFound || res.OK() {
		return nil
	}
	return transport.StatusError(res)
}

func (c *Client) fetchInstance(ctx context.Context, name string) (fetchedInstance, error) {
	req := c.request(http.MethodGet, "/instance/fetchInstances")
	req.Query = map[string]string{"instanceName": name}
	var out []fetchedEnvelope
	if _, err := c.adapter.DoJSON(ctx, req, nil, &out); err != nil {
		return fetchedInstance{}, err
	}
	for _, item := range out {
		candidate := item.fetchedInstance
		if item.Instance != nil {
			candidate = *item.Instance
		}
		if firstNonEmpty(candidate.Name, candidate.InstanceName) == name {
			return candidate, nil
		}
	}
	return fetchedInstance{}, core.NewNotFoundError(fmt.Sprintf("bridge: instance %q not listed", name))
}

func (c *Client) request(method, path string) transport.Request {
	return transport.Request{
		Method:  method,
		URL:     c.cfg.BaseURL + path,
		Timeout: c.cfg.RequestTimeout,
	}
}

// phoneFromJID strips the WhatsApp JID suffix and device part:
// "5511999999999:12@s.whatsapp.net" -> "5511999999999".
func phoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if at := strings.Index(jid, "@"); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.Index(jid, ":"); colon >= 0 {
		jid = jid[:colon]
	}
	return jid
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.BridgeClient = (*Client)(nil)
