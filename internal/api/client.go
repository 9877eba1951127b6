// Package api is the HTTP client for the remote endpoints. It owns header
// conventions and the mapping from HTTP outcomes to retryable and
// non-retryable send errors; retry policy itself lives with the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultAPIBase   = "https://api.relaykit.io/api"
	defaultLinksBase = "https://links.relaykit.io"

	remoteConfigPath = "/mobile/getRemoteConfiguration"

	platform   = "go"
	sdkVersion = "1.0.0"
)

// Client is the HTTP API client.
type Client struct {
	apiBase    string
	linksBase  string
	apiKey     string
	httpClient *http.Client
}

// Option configures the API client.
type Option func(*Client)

// WithAPIBase sets the api endpoint base URL.
func WithAPIBase(url string) Option {
	return func(c *Client) {
		c.apiBase = url
	}
}

// WithLinksBase sets the links endpoint base URL.
func WithLinksBase(url string) Option {
	return func(c *Client) {
		c.linksBase = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a new API client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	c := &Client{
		apiBase:   defaultAPIBase,
		linksBase: defaultLinksBase,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Send executes one stored request attempt. The Sent-At header and the
// body's createdAt stamp come from the request's CreatedAt, never from the
// attempt's wall clock, so retries report the original intent time.
func (c *Client) Send(ctx context.Context, req StoredRequest, authToken string) (*Value, error) {
	base := c.apiBase
	if req.Base == BaseLinks {
		base = c.linksBase
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		data, err := json.Marshal(c.requestBody(req))
		if err != nil {
			return nil, &Error{Message: "encoding request body", Err: err}
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, base+req.Path, bodyReader)
	if err != nil {
		return nil, &Error{Message: "building request", Err: err}
	}

	httpReq.Header.Set("Api-Key", c.apiKey)
	httpReq.Header.Set("SDK-Platform", platform)
	httpReq.Header.Set("SDK-Version", sdkVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	if !req.CreatedAt.IsZero() {
		httpReq.Header.Set("Sent-At", strconv.FormatInt(req.CreatedAt.Unix(), 10))
	}
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connectivity loss are always worth another attempt.
		return nil, &Error{Message: "network failure", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	return classify(resp)
}

// requestBody merges the stored body with the stamps every outbound call
// carries: createdAt from intent time and the device metadata block.
func (c *Client) requestBody(req StoredRequest) map[string]any {
	body := make(map[string]any, len(req.Body)+2)
	for k, v := range req.Body {
		body[k] = v
	}
	if _, ok := body["createdAt"]; !ok && !req.CreatedAt.IsZero() {
		body["createdAt"] = req.CreatedAt.Unix()
	}
	if _, ok := body["device"]; !ok && req.Device.DeviceID != "" {
		body["device"] = req.Device
	}
	return body
}

func classify(resp *http.Response) (*Value, error) {
	raw, _ := io.ReadAll(resp.Body)

	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Value{StatusCode: resp.StatusCode, Body: body}, nil
	}

	msg, _ := body["msg"].(string)
	code, _ := body["code"].(string)

	switch {
	case resp.StatusCode == http.StatusUnauthorized && isAuthFailureCode(code):
		return nil, &Error{
			StatusCode:  resp.StatusCode,
			Message:     msg,
			Code:        code,
			Retryable:   true,
			AuthFailure: true,
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg, Code: code, Retryable: true}
	default:
		if msg == "" {
			msg = string(raw)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg, Code: code}
	}
}

// FetchRemoteConfig retrieves the server-driven SDK configuration.
func (c *Client) FetchRemoteConfig(ctx context.Context) (*RemoteConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+remoteConfigPath, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Api-Key", c.apiKey)
	httpReq.Header.Set("SDK-Platform", platform)
	httpReq.Header.Set("SDK-Version", sdkVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: status %d", resp.StatusCode)
	}

	var cfg RemoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding remote config: %w", err)
	}
	return &cfg, nil
}
