package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/ratelimit"
	"github.com/goliatone/go-channels/transport"
)

const (
	DefaultGraphBaseURL     = "https://graph.facebook.com"
	DefaultDialogBaseURL    = "https://www.facebook.com"
	DefaultGraphVersion     = "v23.0"
	DefaultSubscriptionEdge = "subscriptions"
	defaultRequestTimeout   = 20 * time.Second
	subscriptionObject      = "whatsapp_business_account"
)

type Config struct {
	AppID            string        `koanf:"app_id" mapstructure:"app_id"`
	AppSecret        string        `koanf:"app_secret" mapstructure:"app_secret"`
	ConfigID         string        `koanf:"config_id" mapstructure:"config_id"`
	GraphBaseURL     string        `koanf:"graph_base_url" mapstructure:"graph_base_url"`
	DialogBaseURL    string        `koanf:"dialog_base_url" mapstructure:"dialog_base_url"`
	GraphVersion     string        `koanf:"graph_version" mapstructure:"graph_version"`
	SubscriptionEdge string        `koanf:"subscription_edge" mapstructure:"subscription_edge"`
	RequestTimeout   time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.GraphBaseURL) == "" {
		c.GraphBaseURL = DefaultGraphBaseURL
	}
	if strings.TrimSpace(c.DialogBaseURL) == "" {
		c.DialogBaseURL = DefaultDialogBaseURL
	}
	if strings.TrimSpace(c.GraphVersion) == "" {
		c.GraphVersion = DefaultGraphVersion
	}
	if strings.TrimSpace(c.SubscriptionEdge) == "" {
		c.SubscriptionEdge = DefaultSubscriptionEdge
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	c.GraphBaseURL = strings.TrimRight(strings.TrimSpace(c.GraphBaseURL), "/")
	c.DialogBaseURL = strings.TrimRight(strings.TrimSpace(c.DialogBaseURL), "/")
	c.GraphVersion = strings.Trim(strings.TrimSpace(c.GraphVersion), "/")
	c.SubscriptionEdge = strings.Trim(strings.TrimSpace(c.SubscriptionEdge), "/")
	return c
}

// Client is the Graph API client behind the official Cloud API channel. It
// covers the OAuth dialog, token grants, business discovery and webhook
// subscriptions.
type Client struct {
	cfg     Config
	adapter *transport.RESTAdapter
	now     func() time.Time
}

type Option func(*Client)

func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithRateLimit gates every Graph call for this app through policy.
func WithRateLimit(policy *ratelimit.AdaptivePolicy) Option {
	return func(c *Client) {
		if policy != nil {
			c.adapter.Limiter = policy.For(ratelimit.Key{Channel: core.ChannelCloud, Scope: c.cfg.AppID})
		}
	}
}

func NewClient(cfg Config, httpClient transport.HTTPDoer, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, fmt.Errorf("cloud: app id is required")
	}
	if strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, fmt.Errorf("cloud: app secret is required")
	}
	for _, raw := range []string{cfg.GraphBaseURL, cfg.DialogBaseURL} {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("cloud: invalid base url %q: %w", raw, err)
		}
	}
	client := &Client{
		cfg:     cfg,
		adapter: transport.NewRESTAdapter(httpClient),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// AuthorizationURL builds the OAuth dialog URL the user is redirected to.
func (c *Client) AuthorizationURL(state string, redirectURI string, scopes []string) string {
	query := url.Values{}
	query.Set("client_id", c.cfg.AppID)
	query.Set("redirect_uri", strings.TrimSpace(redirectURI))
	query.Set("state", state)
	query.Set("response_type", "code")
	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, ","))
	}
	if configID := strings.TrimSpace(c.cfg.ConfigID); configID != "" {
		query.Set("config_id", configID)
	}
	return fmt.Sprintf("%s/%s/dialog/oauth?%s", c.cfg.DialogBaseURL, c.cfg.GraphVersion, query.Encode())
}

type graphPage[T any] struct {
	Data   []T `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type graphBusiness struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphPhoneNumber struct {
	ID                     string `json:"id"`
	DisplayPhoneNumber     string `json:"display_phone_number"`
	VerifiedName           string `json:"verified_name"`
	QualityRating          string `json:"quality_rating"`
	CodeVerificationStatus string `json:"code_verification_status"`
}

func (p graphPhoneNumber) toCore() core.PhoneNumber {
	return core.PhoneNumber{
		ID:                     strings.TrimSpace(p.ID),
		DisplayPhoneNumber:     strings.TrimSpace(p.DisplayPhoneNumber),
		VerifiedName:           strings.TrimSpace(p.VerifiedName),
		QualityRating:          strings.TrimSpace(p.QualityRating),
		CodeVerificationStatus: strings.TrimSpace(p.CodeVerificationStatus),
	}
}

const phoneNumberFields = "id,display_phone_number,verified_name,quality_rating,code_verification_status"

// ListBusinessAccounts walks businesses -> owned WABAs -> phone numbers.
func (c *Client) ListBusinessAccounts(ctx context.Context, accessToken string) ([]core.BusinessAccount, error) {
	businesses, err := listAll[graphBusiness](ctx, c, accessToken, "me/businesses", map[string]string{"fields": "id,name"})
	if err != nil {
		return nil, err
	}
	accounts := make([]core.BusinessAccount, 0, len(businesses))
	for _, business := range businesses {
		wabas, err := listAll[graphAccount](ctx, c, accessToken, url.PathEscape(business.ID)+"/owned_whatsapp_business_accounts", map[string]string{"fields": "id,name"})
		if err != nil {
			return nil, err
		}
		for _, waba := range wabas {
			numbers, err := listAll[graphPhoneNumber](ctx, c, accessToken, url.PathEscape(waba.ID)+"/phone_numbers", map[string]string{"fields": phoneNumberFields})
			if err != nil {
				return nil, err
			}
			account := core.BusinessAccount{
				ID:           strings.TrimSpace(waba.ID),
				Name:         strings.TrimSpace(waba.Name),
				BusinessID:   strings.TrimSpace(business.ID),
				PhoneNumbers: make([]core.PhoneNumber, 0, len(numbers)),
			}
			for _, number := range numbers {
				account.PhoneNumbers = append(account.PhoneNumbers, number.toCore())
			}
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

func (c *Client) GetPhoneNumber(ctx context.Context, accessToken string, phoneNumberID string) (core.PhoneNumber, error) {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return core.PhoneNumber{}, core.NewValidationError("phone_number_id", "phone number id is required")
	}
	var out graphPhoneNumber
	req := c.graphRequest(http.MethodGet, url.PathEscape(phoneNumberID), accessToken)
	req.Query = map[string]string{"fields": phoneNumberFields}
	if _, err := c.adapter.DoJSON(ctx, req, nil, &out); err != nil {
		return core.PhoneNumber{}, err
	}
	number := out.toCore()
	if number.ID == "" {
		number.ID = phoneNumberID
	}
	return number, nil
}

type subscriptionPayload struct {
	Object      string `json:"object"`
	CallbackURL string `json:"callback_url"`
	VerifyToken string `json:"verify_token"`
	Fields      string `json:"fields"`
}

// Subscribe registers the webhook callback for a business account.
func (c *Client) Subscribe(ctx context.Context, accessToken string, businessAccountID string, sub core.WebhookSubscription) error {
	businessAccountID = strings.TrimSpace(businessAccountID)
	if businessAccountID == "" {
		return core.NewValidationError("business_account_id", "business account id is required")
	}
	payload := subscriptionPayload{
		Object:      subscriptionObject,
		CallbackURL: strings.TrimSpace(sub.CallbackURL),
		VerifyToken: strings.TrimSpace(sub.VerifyToken),
		Fields:      strings.Join(sub.Fields, ","),
	}
	req := c.graphRequest(http.MethodPost, url.PathEscape(businessAccountID)+"/"+c.cfg.SubscriptionEdge, accessToken)
	var out struct {
		Success bool `json:"success"`
	}
	if _, err := c.adapter.DoJSON(ctx, req, payload, &out); err != nil {
		return err
	}
	if !out.Success {
		return core.NewUpstreamProviderError(nil, "cloud: subscription was not acknowledged")
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, accessToken string, businessAccountID string) error {
	businessAccountID = strings.TrimSpace(businessAccountID)
	if businessAccountID == "" {
		return core.NewValidationError("business_account_id", "business account id is required")
	}
	req := c.graphRequest(http.MethodDelete, url.PathEscape(businessAccountID)+"/"+c.cfg.SubscriptionEdge, accessToken)
	res, err := c.adapter.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.OK() || res.StatusCode == http.StatusNotFound {
		return nil
	}
	return transport.StatusError(res)
}

// listAll follows paging.next links until the edge is exhausted.
func listAll[T any](ctx context.Context, c *Client, accessToken, path string, query map[string]string) ([]T, error) {
	req := c.graphRequest(http.MethodGet, path, accessToken)
	req.Query = query
	items := make([]T, 0)
	for page := 0; page < maxGraphPages; page++ {
		var out graphPage[T]
		if _, err := c.adapter.DoJSON(ctx, req, nil, &out); err != nil {
			return nil, err
		}
		items = append(items, out.Data...)
		next := strings.TrimSpace(out.Paging.Next)
		if next == "" {
			return items, nil
		}
		req = transport.Request{
			Method:  http.MethodGet,
			URL:     next,
			Headers: req.Headers,
			Timeout: c.cfg.RequestTimeout,
		}
	}
	return items, nil
}

const maxGraphPages = 20

func (c *Client) graphRequest(method, path, accessToken string) transport.Request {
	return transport.Request{
		Method: method,
		URL:    c.graphURL(path),
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(accessToken),
		},
		Timeout: c.cfg.RequestTimeout,
	}
}

func (c *Client) graphURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.GraphBaseURL, c.cfg.GraphVersion, strings.TrimPrefix(path, "/"))
}

var _ core.CloudClient = (*Client)(nil)
