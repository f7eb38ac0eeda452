package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"dify-bridge/internal/apierr"
	"dify-bridge/internal/config"
	"dify-bridge/internal/models"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeSSE   = "text/event-stream"
	userAgent        = "dify-bridge/0.1"
	chatMessagesPath = "/chat-messages"

	maxErrorBodyBytes   = 64 * 1024
	maxSuccessBodyBytes = 8 * 1024 * 1024

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Client calls the Dify chat-messages endpoint on behalf of a caller. The
// caller's credential is sent as the backend credential on every call.
type Client struct {
	chatURL string
	headers map[string]string
	client  *http.Client
}

// New creates a Dify client.
func New(cfg config.BackendConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		chatURL: baseURL + chatMessagesPath,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// NewHTTPClient returns the shared client used for backend calls. It has no
// overall timeout: blocking calls and streams are bounded by their context.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// ChatMessages performs a blocking call and returns the raw success body.
func (c *Client) ChatMessages(ctx context.Context, credential string, req models.BackendChatRequest) ([]byte, error) {
	httpReq, err := c.newRequest(ctx, credential, contentTypeJSON, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Transport(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, parseAPIError(httpResp)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxSuccessBodyBytes))
	if err != nil {
		return nil, apierr.Transport(fmt.Errorf("read dify response: %w", err))
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, credential, accept string, payload models.BackendChatRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("construct request: %w", err))
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	return req, nil
}

// parseAPIError reads a bounded amount of a failed response. The raw text is
// kept so callers can see exactly what the backend said.
func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return apierr.Upstream(resp.StatusCode, fmt.Sprintf("failed to read body: %v", err))
	}
	return apierr.Upstream(resp.StatusCode, strings.TrimSpace(string(body)))
}

// errorMessage pulls a human readable message out of a Dify error object,
// falling back to the raw text.
func errorMessage(raw []byte) string {
	if gjson.ValidBytes(raw) {
		if msg := gjson.GetBytes(raw, "message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
	}
	return strings.TrimSpace(string(raw))
}
