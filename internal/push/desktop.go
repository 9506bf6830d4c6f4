package push

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/google/uuid"
)

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// LinePrompter asks on Out and reads a y/n answer from In.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements Prompter. Anything other than y or yes is a no.
func (p LinePrompter) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(p.Out, "%s [y/N]: ", question)

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		return false, fmt.Errorf("reading answer: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// DesktopOptions configures a DesktopPlatform.
type DesktopOptions struct {
	// Endpoint is the push service base; each subscription gets a unique
	// path below it.
	Endpoint string
	Icon     string
	Prompter Prompter
	// Notify shows a local notification. Defaults to beeep.Notify.
	Notify func(title, body, icon string) error
}

// DesktopPlatform is a Platform for headless and desktop sessions. Local
// notifications go through the desktop notification service; subscriptions
// carry a fresh P-256 key pair and a 16-byte auth secret.
type DesktopPlatform struct {
	opts DesktopOptions

	mu         sync.Mutex
	permission Permission
	registered bool
	sub        *Subscription
	key        *ecdh.PrivateKey
}

// NewDesktopPlatform creates a desktop platform in the default permission state.
func NewDesktopPlatform(opts DesktopOptions) *DesktopPlatform {
	if opts.Notify == nil {
		opts.Notify = func(title, body, icon string) error {
			return beeep.Notify(title, body, icon)
		}
	}
	return &DesktopPlatform{opts: opts, permission: PermissionDefault}
}

// Supported reports whether a push endpoint is configured.
func (d *DesktopPlatform) Supported() bool {
	return d.opts.Endpoint != ""
}

func (d *DesktopPlatform) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// SetPermission restores a previously answered permission.
func (d *DesktopPlatform) SetPermission(p Permission) {
	d.mu.Lock()
	d.permission = p
	d.mu.Unlock()
}

func (d *DesktopPlatform) RequestPermission(ctx context.Context) (Permission, error) {
	if d.opts.Prompter == nil {
		return PermissionDefault, errors.New("no prompter configured")
	}
	ok, err := d.opts.Prompter.Confirm(ctx, "Allow dashsync to show notifications?")
	if err != nil {
		return PermissionDefault, err
	}
	p := PermissionDenied
	if ok {
		p = PermissionGranted
	}
	d.SetPermission(p)
	return p, nil
}

func (d *DesktopPlatform) RegisterWorker(context.Context) error {
	d.mu.Lock()
	d.registered = true
	d.mu.Unlock()
	return nil
}

func (d *DesktopPlatform) Subscription(context.Context) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil, nil
	}
	cp := *d.sub
	return &cp, nil
}

// Subscribe creates a subscription for the server application key, which
// must be an uncompressed P-256 point in base64url.
func (d *DesktopPlatform) Subscribe(_ context.Context, serverKey string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registered {
		return nil, errors.New("push worker not registered")
	}

	raw, err := decodeKey(serverKey)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating subscription key: %w", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating auth secret: %w", err)
	}

	d.key = priv
	d.sub = &Subscription{
		Endpoint: strings.TrimRight(d.opts.Endpoint, "/") + "/" + uuid.NewString(),
		P256dh:   base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(secret),
	}
	cp := *d.sub
	return &cp, nil
}

func (d *DesktopPlatform) Unsubscribe(context.Context) error {
	d.mu.Lock()
	d.sub = nil
	d.key = nil
	d.mu.Unlock()
	return nil
}

func (d *DesktopPlatform) ShowNotification(title, body string) error {
	if err := d.opts.Notify(title, body, d.opts.Icon); err != nil {
		return fmt.Errorf("showing notification: %w", err)
	}
	return nil
}

func (d *DesktopPlatform) UserAgent() string {
	return "dashsync (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// decodeKey accepts base64url with or without padding.
func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
