package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-channels/core"
	"github.com/goliatone/go-channels/transport"
)

const maxTokenResponseBodyBytes int64 = 1 << 20

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

// ExchangeCode trades an authorization code for a user access token.
func (c *Client) ExchangeCode(ctx context.Context, code string, redirectURI string) (core.CloudToken, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.CloudToken{}, core.NewValidationError("code", "authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", strings.TrimSpace(redirectURI))
	payload, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.CloudToken{}, err
	}
	return c.toCloudToken(payload, ""), nil
}

// RefreshToken renews a token. When no refresh token was issued the current
// access token is re-exchanged for a long-lived one.
func (c *Client) RefreshToken(ctx context.Context, token core.CloudToken) (core.CloudToken, error) {
	form := url.Values{}
	refresh := strings.TrimSpace(token.RefreshToken)
	switch {
	case refresh != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refresh)
	case strings.TrimSpace(token.AccessToken) != "":
		form.Set("grant_type", "fb_exchange_token")
		form.Set("fb_exchange_token", strings.TrimSpace(token.AccessToken))
	default:
		return core.CloudToken{}, core.NewValidationError("refresh_token", "refresh token or access token is required")
	}
	payload, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.CloudToken{}, err
	}
	return c.toCloudToken(payload, refresh), nil
}

func (c *Client) fetchToken(ctx context.Context, form url.Values) (tokenEndpointPayload, error) {
	values := url.Values{}
	for key, items := range form {
		if strings.TrimSpace(key) == "" {
			continue
		}
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", c.cfg.AppID)
	values.Set("client_secret", c.cfg.AppSecret)

	res, err := c.adapter.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.graphURL("oauth/access_token"),
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Accept":       "application/json",
		},
		Body:                 []byte(values.Encode()),
		Timeout:              c.cfg.RequestTimeout,
		MaxResponseBodyBytes: maxTokenResponseBodyBytes,
	})
	if err != nil {
		return tokenEndpointPayload{}, err
	}

	payload, parseErr := parseTokenPayload(res.Body, res.Headers["Content-Type"])
	if !res.OK() {
		if parseErr == nil && (payload.ErrorCode != "" || payload.ErrorDescription != "") {
			return tokenEndpointPayload{}, core.NewUpstreamProviderError(
				transport.StatusError(res),
				fmt.Sprintf("cloud: token endpoint error (%d): %s", res.StatusCode, describeTokenError(payload)),
			)
		}
		return tokenEndpointPayload{}, transport.StatusError(res)
	}
	if parseErr != nil {
		return tokenEndpointPayload{}, core.NewUpstreamProviderError(parseErr, "cloud: decode token response")
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, core.NewUpstreamProviderError(nil, "cloud: token endpoint error: "+describeTokenError(payload))
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, core.NewUpstreamProviderError(nil, "cloud: token endpoint response missing access token")
	}
	return payload, nil
}

func (c *Client) toCloudToken(payload tokenEndpointPayload, previousRefresh string) core.CloudToken {
	token := core.CloudToken{
		AccessToken:  strings.TrimSpace(payload.AccessToken),
		RefreshToken: strings.TrimSpace(payload.RefreshToken),
		TokenType:    normalizeTokenType(payload.TokenType),
		Scopes:       parseScopeList(payload.Scope),
	}
	if token.RefreshToken == "" {
		token.RefreshToken = previousRefresh
	}
	if payload.ExpiresIn > 0 {
		expires := c.now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
		token.ExpiresAt = &expires
	}
	return token
}

func describeTokenError(payload tokenEndpointPayload) string {
	switch {
	case payload.ErrorCode != "" && payload.ErrorDescription != "":
		return payload.ErrorCode + ": " + payload.ErrorDescription
	case payload.ErrorDescription != "":
		return payload.ErrorDescription
	case payload.ErrorCode != "":
		return payload.ErrorCode
	default:
		return "unknown error"
	}
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

// Graph nests errors as {"error":{"message","type","code"}} while plain OAuth
// servers use {"error","error_description"}; both shapes are accepted.
func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	payload := tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}
	switch typed := decoded["error"].(type) {
	case string:
		payload.ErrorCode = strings.TrimSpace(typed)
	case map[string]any:
		payload.ErrorCode = firstNonEmpty(readAnyString(typed["type"]), readAnyString(typed["code"]), "graph_error")
		payload.ErrorDescription = firstNonEmpty(readAnyString(typed["message"]), payload.ErrorDescription)
	}
	return payload, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func normalizeTokenType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "bearer") {
		return "Bearer"
	}
	return value
}

func parseScopeList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatInt(int64(typed), 10)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case float64:
		return int64(typed)
	case int64:
		return typed
	case int:
		return int64(typed)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
