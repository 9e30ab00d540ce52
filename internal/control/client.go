// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/eventbus"
	plugins "github.com/phira-mp/plughost/internal/plugin"
)

// APIError is a non-2xx response from the control server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client talks to a control server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client that dials the Unix socket at socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		baseURL: "http://control",
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &out)
	return out, err
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Shutdown asks the server process to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil)
}

// Plugins lists live plugins.
func (c *Client) Plugins(ctx context.Context) ([]plugins.Info, error) {
	var out []plugins.Info
	err := c.do(ctx, http.MethodGet, "/plugins", &out)
	return out, err
}

// Load loads the plugin directory called name.
func (c *Client) Load(ctx context.Context, name string) (plugins.Info, error) {
	var out plugins.Info
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(name), &out)
	return out, err
}

// Unload unloads plugin id.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/plugins/"+url.PathEscape(id), nil)
}

// Reload reloads plugin id from its source.
func (c *Client) Reload(ctx context.Context, id string) (plugins.Info, error) {
	var out plugins.Info
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(id)+"/reload", &out)
	return out, err
}

// Subscriptions lists the subscriptions owned by plugin id.
func (c *Client) Subscriptions(ctx context.Context, id string) ([]eventbus.SubscriptionInfo, error) {
	var out []eventbus.SubscriptionInfo
	err := c.do(ctx, http.MethodGet, "/plugins/"+url.PathEscape(id)+"/subscriptions", &out)
	return out, err
}

// Topics lists known topics.
func (c *Client) Topics(ctx context.Context) ([]eventbus.TopicInfo, error) {
	var out []eventbus.TopicInfo
	err := c.do(ctx, http.MethodGet, "/topics", &out)
	return out, err
}

// do sends a request and decodes a JSON body into out when out is non-nil.
// Error responses come back as an oops error carrying the server's code and
// wrapping an *APIError.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return oops.In("control").With("path", path).Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("control").
			With("path", path).
			Hint("is the server running?").
			Wrapf(err, "connect to control socket")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var body ErrorResponse
		if data, readErr := io.ReadAll(resp.Body); readErr == nil && json.Unmarshal(data, &body) == nil {
			apiErr.Code = body.Code
			if body.Error != "" {
				apiErr.Message = body.Error
			}
		}
		b := oops.In("control").With("path", path).With("status", resp.StatusCode)
		if apiErr.Code != "" {
			b = b.Code(apiErr.Code)
		}
		return b.Wrap(apiErr)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.In("control").With("path", path).Wrapf(err, "decode response")
	}
	return nil
}
