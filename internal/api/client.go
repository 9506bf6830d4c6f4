// Package api is the client of the dashboard REST collaborator: the
// notification and push endpoints the realtime engine reconciles against.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnauthorized matches a StatusError for HTTP 401.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is a non-2xx API response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Is reports 401 responses as ErrUnauthorized.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client calls the REST API with a bearer credential.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for baseURL (for example http://host/api).
// timeout bounds every request; zero means no client-side limit.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// WithToken returns a copy of c bound to token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Notifications fetches the full notification list.
func (c *Client) Notifications(ctx context.Context) (NotificationList, error) {
	var out NotificationList
	err := c.do(ctx, http.MethodGet, "/notifications", nil, &out)
	return out, err
}

// UnreadCount fetches the server's unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out UnreadCount
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// Settings fetches the notification settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodGet, "/notifications/settings", nil, &out)
	return out, err
}

// UpdateSettings replaces the notification settings and returns the stored value.
func (c *Client) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodPut, "/notifications/settings", s, &out)
	return out, err
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllRead marks every notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/notifications/read-all", nil, nil)
}

// Delete removes one notification.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil)
}

// DeleteAll removes every notification.
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/notifications", nil, nil)
}

// PushPublicKey fetches the server key push subscriptions are created with.
func (c *Client) PushPublicKey(ctx context.Context) (string, error) {
	var out PublicKey
	if err := c.do(ctx, http.MethodGet, "/push/public-key", nil, &out); err != nil {
		return "", err
	}
	if out.PublicKey == "" {
		return "", errors.New("api: empty push public key")
	}
	return out.PublicKey, nil
}

// SubscribePush registers a push subscription.
func (c *Client) SubscribePush(ctx context.Context, sub PushSubscription) error {
	return c.do(ctx, http.MethodPost, "/push/subscribe", sub, nil)
}

// UnsubscribePush removes the push subscription for endpoint.
func (c *Client) UnsubscribePush(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodPost, "/push/unsubscribe", Unsubscribe{Endpoint: endpoint}, nil)
}

// SendTestPush asks the server to deliver a test push.
func (c *Client) SendTestPush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/push/test", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var eb ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			serr.Message = eb.Error
		} else {
			serr.Message = strings.TrimSpace(string(raw))
		}
		return serr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
