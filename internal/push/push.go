// Package push manages the out-of-band platform push channel: permission,
// the background worker, the subscription handshake with the server and
// test deliveries. It is independent of the realtime channel.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cortexuvula/dashsync/internal/api"
)

var (
	// ErrNotSupported is returned by every operation on a platform without push.
	ErrNotSupported = errors.New("push: not supported on this platform")
	// ErrPermissionDenied is terminal until the user changes platform settings.
	ErrPermissionDenied = errors.New("push: permission denied")
)

// Permission is the platform notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Subscription is a live platform push subscription. Keys are unpadded
// base64url.
type Subscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Platform is the host push capability.
type Platform interface {
	Supported() bool
	Permission() Permission
	// RequestPermission prompts the user. Only called from PermissionDefault.
	RequestPermission(ctx context.Context) (Permission, error)
	// RegisterWorker installs the background receiver; repeated calls are no-ops.
	RegisterWorker(ctx context.Context) error
	// Subscription returns the current subscription, nil if there is none.
	Subscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, serverKey string) (*Subscription, error)
	Unsubscribe(ctx context.Context) error
	ShowNotification(title, body string) error
	UserAgent() string
}

// Server is the REST side of the push handshake, bound to a credential.
// *api.Client implements it.
type Server interface {
	PushPublicKey(ctx context.Context) (string, error)
	SubscribePush(ctx context.Context, sub api.PushSubscription) error
	UnsubscribePush(ctx context.Context, endpoint string) error
	SendTestPush(ctx context.Context) error
}

// ServerFor binds the REST client to a credential.
func ServerFor(c *api.Client) func(credential string) Server {
	return func(credential string) Server { return c.WithToken(credential) }
}

// Status describes the push channel for display.
type Status struct {
	Supported  bool       `json:"supported"`
	Permission Permission `json:"permission,omitempty"`
	Subscribed bool       `json:"subscribed"`
	Endpoint   string     `json:"endpoint,omitempty"`
	Hint       string     `json:"hint,omitempty"`
}

// Manager drives a Platform and the push REST endpoints.
type Manager struct {
	platform Platform
	server   func(credential string) Server
}

// NewManager creates a push manager.
func NewManager(p Platform, server func(credential string) Server) *Manager {
	return &Manager{platform: p, server: server}
}

// RequestPermission asks for permission if it was never asked. A denied
// permission is returned as ErrPermissionDenied without prompting again.
func (m *Manager) RequestPermission(ctx context.Context) (Permission, error) {
	if !m.platform.Supported() {
		return "", ErrNotSupported
	}
	switch p := m.platform.Permission(); p {
	case PermissionGranted:
		return p, nil
	case PermissionDenied:
		return p, ErrPermissionDenied
	}

	p, err := m.platform.RequestPermission(ctx)
	if err != nil {
		return PermissionDefault, fmt.Errorf("requesting push permission: %w", err)
	}
	slog.Info("push permission answered", "permission", p)
	if p == PermissionDenied {
		return p, ErrPermissionDenied
	}
	return p, nil
}

// Subscribe ensures a platform subscription exists and registers it with
// the server on behalf of credential.
func (m *Manager) Subscribe(ctx context.Context, credential string) (*Subscription, error) {
	perm, err := m.RequestPermission(ctx)
	if err != nil {
		return nil, err
	}
	if perm != PermissionGranted {
		return nil, fmt.Errorf("push: permission is %s", perm)
	}
	if err := m.platform.RegisterWorker(ctx); err != nil {
		return nil, fmt.Errorf("registering push worker: %w", err)
	}

	server := m.server(credential)
	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading push subscription: %w", err)
	}
	if sub == nil {
		key, err := server.PushPublicKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching push public key: %w", err)
		}
		if sub, err = m.platform.Subscribe(ctx, key); err != nil {
			return nil, fmt.Errorf("creating push subscription: %w", err)
		}
	}

	record := api.PushSubscription{
		Endpoint:  sub.Endpoint,
		Keys:      api.SubscriptionKeys{P256dh: sub.P256dh, Auth: sub.Auth},
		UserAgent: m.platform.UserAgent(),
	}
	if err := server.SubscribePush(ctx, record); err != nil {
		return nil, fmt.Errorf("registering push subscription: %w", err)
	}
	slog.Info("push subscribed", "endpoint", sub.Endpoint)
	return sub, nil
}

// Unsubscribe cancels the platform subscription and tells the server. A
// server failure is logged, not returned: the local side is what stops
// delivery.
func (m *Manager) Unsubscribe(ctx context.Context, credential string) error {
	if !m.platform.Supported() {
		return ErrNotSupported
	}
	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("reading push subscription: %w", err)
	}
	if sub == nil {
		return nil
	}
	if err := m.platform.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("cancelling push subscription: %w", err)
	}
	if err := m.server(credential).UnsubscribePush(ctx, sub.Endpoint); err != nil {
		slog.Warn("server push unsubscribe failed", "endpoint", sub.Endpoint, "error", err)
	}
	slog.Info("push unsubscribed", "endpoint", sub.Endpoint)
	return nil
}

// SendTestNotification shows a local notification immediately, without a
// server round trip.
func (m *Manager) SendTestNotification() error {
	if !m.platform.Supported() {
		return ErrNotSupported
	}
	switch m.platform.Permission() {
	case PermissionDenied:
		return ErrPermissionDenied
	case PermissionDefault:
		return errors.New("push: permission not granted yet")
	}
	return m.platform.ShowNotification("Test notification", "Notifications are working.")
}

// SendServerTest asks the server to deliver a test push through the real
// push path.
func (m *Manager) SendServerTest(ctx context.Context, credential string) error {
	if !m.platform.Supported() {
		return ErrNotSupported
	}
	if err := m.server(credential).SendTestPush(ctx); err != nil {
		return fmt.Errorf("server test push: %w", err)
	}
	return nil
}

// Status reports the push channel state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if !m.platform.Supported() {
		return Status{Hint: "push notifications are not supported here"}, nil
	}
	st := Status{Supported: true, Permission: m.platform.Permission()}
	switch st.Permission {
	case PermissionDenied:
		st.Hint = "notifications are blocked; allow them in the platform notification settings"
	case PermissionDefault:
		st.Hint = "permission has not been requested yet"
	}
	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		return st, fmt.Errorf("reading push subscription: %w", err)
	}
	if sub != nil {
		st.Subscribed = true
		st.Endpoint = sub.Endpoint
	}
	return st, nil
}
