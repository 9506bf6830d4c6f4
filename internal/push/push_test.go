package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/cortexuvula/dashsync/internal/api"
)

type fakePlatform struct {
	supported  bool
	permission Permission
	answer     Permission
	prompts    int
	registered int
	sub        *Subscription
	shown      []string
}

func (f *fakePlatform) Supported() bool        { return f.supported }
func (f *fakePlatform) Permission() Permission { return f.permission }
func (f *fakePlatform) RequestPermission(context.Context) (Permission, error) {
	f.prompts++
	f.permission = f.answer
	return f.answer, nil
}
func (f *fakePlatform) RegisterWorker(context.Context) error { f.registered++; return nil }
func (f *fakePlatform) Subscription(context.Context) (*Subscription, error) {
	return f.sub, nil
}
func (f *fakePlatform) Subscribe(_ context.Context, key string) (*Subscription, error) {
	f.sub = &Subscription{Endpoint: "https://push.test/" + key, P256dh: "pk", Auth: "au"}
	return f.sub, nil
}
func (f *fakePlatform) Unsubscribe(context.Context) error { f.sub = nil; return nil }
func (f *fakePlatform) ShowNotification(title, body string) error {
	f.shown = append(f.shown, title)
	return nil
}
func (f *fakePlatform) UserAgent() string { return "test-agent" }

type fakeServer struct {
	credential   string
	subscribed   []api.PushSubscription
	unsubscribed []string
	tests        int
	unsubErr     error
}

func (f *fakeServer) PushPublicKey(context.Context) (string, error) { return "server-key", nil }
func (f *fakeServer) SubscribePush(_ context.Context, s api.PushSubscription) error {
	f.subscribed = append(f.subscribed, s)
	return nil
}
func (f *fakeServer) UnsubscribePush(_ context.Context, endpoint string) error {
	f.unsubscribed = append(f.unsubscribed, endpoint)
	return f.unsubErr
}
func (f *fakeServer) SendTestPush(context.Context) error { f.tests++; return nil }

func newTestManager(p *fakePlatform) (*Manager, *fakeServer) {
	srv := &fakeServer{}
	return NewManager(p, func(credential string) Server {
		srv.credential = credential
		return srv
	}), srv
}

func TestUnsupportedPlatform(t *testing.T) {
	p := &fakePlatform{supported: false, permission: PermissionGranted}
	m, srv := newTestManager(p)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["RequestPermission"] = m.RequestPermission(ctx)
	_, checks["Subscribe"] = m.Subscribe(ctx, "tok")
	checks["Unsubscribe"] = m.Unsubscribe(ctx, "tok")
	checks["SendTestNotification"] = m.SendTestNotification()
	checks["SendServerTest"] = m.SendServerTest(ctx, "tok")

	for name, err := range checks {
		if !errors.Is(err, ErrNotSupported) {
			t.Errorf("%s error = %v, want ErrNotSupported", name, err)
		}
	}
	if p.prompts != 0 || p.registered != 0 || len(p.shown) != 0 || srv.tests != 0 || len(srv.subscribed) != 0 {
		t.Error("unsupported platform must have no side effects")
	}
	st, _ := m.Status(ctx)
	if st.Supported {
		t.Error("Status should report unsupported")
	}
}

func TestRequestPermission(t *testing.T) {
	tests := []struct {
		name        string
		current     Permission
		answer      Permission
		want        Permission
		wantErr     error
		wantPrompts int
	}{
		{"denied does not prompt", PermissionDenied, PermissionGranted, PermissionDenied, ErrPermissionDenied, 0},
		{"granted does not prompt", PermissionGranted, PermissionDenied, PermissionGranted, nil, 0},
		{"default prompts and grants", PermissionDefault, PermissionGranted, PermissionGranted, nil, 1},
		{"default prompts and denies", PermissionDefault, PermissionDenied, PermissionDenied, ErrPermissionDenied, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePlatform{supported: true, permission: tt.current, answer: tt.answer}
			m, _ := newTestManager(p)

			got, err := m.RequestPermission(context.Background())
			if got != tt.want {
				t.Errorf("permission = %q, want %q", got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if p.prompts != tt.wantPrompts {
				t.Errorf("prompts = %d, want %d", p.prompts, tt.wantPrompts)
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	p := &fakePlatform{supported: true, permission: PermissionDefault, answer: PermissionGranted}
	m, srv := newTestManager(p)

	sub, err := m.Subscribe(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.Endpoint != "https://push.test/server-key" {
		t.Errorf("endpoint = %q, want one created from the server key", sub.Endpoint)
	}
	if p.registered != 1 {
		t.Errorf("worker registrations = %d, want 1", p.registered)
	}
	if srv.credential != "cred-1" || len(srv.subscribed) != 1 {
		t.Fatalf("server calls = %+v", srv)
	}
	rec := srv.subscribed[0]
	if rec.Keys.P256dh != "pk" || rec.Keys.Auth != "au" || rec.UserAgent != "test-agent" {
		t.Errorf("record = %+v", rec)
	}

	// An existing subscription is re-registered, not recreated.
	p.sub.Endpoint = "https://push.test/existing"
	if _, err := m.Subscribe(context.Background(), "cred-1"); err != nil {
		t.Fatal(err)
	}
	if srv.subscribed[1].Endpoint != "https://push.test/existing" {
		t.Errorf("second record endpoint = %q", srv.subscribed[1].Endpoint)
	}
}

func TestSubscribeDenied(t *testing.T) {
	p := &fakePlatform{supported: true, permission: PermissionDenied}
	m, srv := newTestManager(p)

	if _, err := m.Subscribe(context.Background(), "cred"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
	if p.prompts != 0 || len(srv.subscribed) != 0 {
		t.Error("denied subscribe must not prompt or reach the server")
	}
}

func TestUnsubscribeServerFailureIsNotReturned(t *testing.T) {
	p := &fakePlatform{supported: true, permission: PermissionGranted, sub: &Subscription{Endpoint: "https://push.test/a"}}
	m, srv := newTestManager(p)
	srv.unsubErr = errors.New("server down")

	if err := m.Unsubscribe(context.Background(), "cred"); err != nil {
		t.Fatalf("Unsubscribe() error = %v, want nil", err)
	}
	if p.sub != nil {
		t.Error("local subscription should be cancelled")
	}
	if len(srv.unsubscribed) != 1 || srv.unsubscribed[0] != "https://push.test/a" {
		t.Errorf("server unsubscribe = %v", srv.unsubscribed)
	}

	// Nothing to cancel.
	if err := m.Unsubscribe(context.Background(), "cred"); err != nil {
		t.Fatal(err)
	}
	if len(srv.unsubscribed) != 1 {
		t.Error("no server call expected without a subscription")
	}
}

func TestTestNotifications(t *testing.T) {
	p := &fakePlatform{supported: true, permission: PermissionGranted}
	m, srv := newTestManager(p)

	if err := m.SendTestNotification(); err != nil {
		t.Fatal(err)
	}
	if len(p.shown) != 1 || srv.tests != 0 {
		t.Errorf("local test should not reach the server: shown=%d server=%d", len(p.shown), srv.tests)
	}
	if err := m.SendServerTest(context.Background(), "cred"); err != nil {
		t.Fatal(err)
	}
	if srv.tests != 1 {
		t.Errorf("server tests = %d, want 1", srv.tests)
	}

	p.permission = PermissionDenied
	if err := m.SendTestNotification(); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestStatusHints(t *testing.T) {
	p := &fakePlatform{supported: true, permission: PermissionDenied}
	m, _ := newTestManager(p)

	st, err := m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(st.Hint, "settings") {
		t.Errorf("denied hint = %q, want a pointer to platform settings", st.Hint)
	}

	p.permission = PermissionDefault
	st, _ = m.Status(context.Background())
	if !strings.Contains(st.Hint, "not been requested") {
		t.Errorf("default hint = %q", st.Hint)
	}
}

type answer bool

func (a answer) Confirm(context.Context, string) (bool, error) { return bool(a), nil }

func serverKey(t *testing.T) string {
	t.Helper()
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(k.PublicKey().Bytes())
}

func TestDesktopPlatform(t *testing.T) {
	var shown []string
	d := NewDesktopPlatform(DesktopOptions{
		Endpoint: "https://push.example.com/send/",
		Prompter: answer(true),
		Notify: func(title, body, icon string) error {
			shown = append(shown, title)
			return nil
		},
	})
	m := NewManager(d, func(string) Server { return &fakeServerWithKey{key: serverKey(t)} })

	sub, err := m.Subscribe(context.Background(), "cred")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if !strings.HasPrefix(sub.Endpoint, "https://push.example.com/send/") || strings.Contains(sub.Endpoint, "send//") {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}
	pub, err := base64.RawURLEncoding.DecodeString(sub.P256dh)
	if err != nil || len(pub) != 65 {
		t.Errorf("p256dh = %q (%d bytes), want an uncompressed P-256 point", sub.P256dh, len(pub))
	}
	auth, err := base64.RawURLEncoding.DecodeString(sub.Auth)
	if err != nil || len(auth) != 16 {
		t.Errorf("auth = %q, want 16 bytes", sub.Auth)
	}

	if err := m.SendTestNotification(); err != nil || len(shown) != 1 {
		t.Errorf("SendTestNotification() = %v, shown = %v", err, shown)
	}
}

func TestDesktopPlatformRejectsBadServerKey(t *testing.T) {
	d := NewDesktopPlatform(DesktopOptions{Endpoint: "https://push.example.com"})
	d.RegisterWorker(context.Background())
	if _, err := d.Subscribe(context.Background(), "not-a-key"); err == nil {
		t.Error("expected error for an invalid server key")
	}
	if d.Supported() != true {
		t.Error("platform with an endpoint should be supported")
	}
	if NewDesktopPlatform(DesktopOptions{}).Supported() {
		t.Error("platform without an endpoint should be unsupported")
	}
}

func TestLinePrompter(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		var out strings.Builder
		p := LinePrompter{In: strings.NewReader(tt.input), Out: &out}
		got, err := p.Confirm(context.Background(), "Allow?")
		if err != nil || got != tt.want {
			t.Errorf("Confirm(%q) = %v, %v, want %v", tt.input, got, err, tt.want)
		}
		if !strings.HasPrefix(out.String(), "Allow?") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

type fakeServerWithKey struct {
	fakeServer
	key string
}

func (f *fakeServerWithKey) PushPublicKey(context.Context) (string, error) { return f.key, nil }
