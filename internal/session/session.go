// Package session composes one client session: the connection manager and
// every component fed by it. It is the only place that wires them together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cortexuvula/dashsync/internal/api"
	"github.com/cortexuvula/dashsync/internal/chatsync"
	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/notify"
	"github.com/cortexuvula/dashsync/internal/presence"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/push"
	"github.com/cortexuvula/dashsync/internal/realtime"
	"github.com/cortexuvula/dashsync/internal/rooms"
)

// ErrNotStarted is returned by operations that need a running session.
var ErrNotStarted = errors.New("session: not started")

// Options are optional collaborators of a Session.
type Options struct {
	Metrics *metrics.Client
	// Platform enables the push manager. Nil leaves Push nil.
	Platform push.Platform
	// Trace, when set, receives every inbound domain event.
	Trace func(protocol.Envelope)
}

// Snapshot is the session state exposed to health checks and the CLI.
type Snapshot struct {
	Connection realtime.State    `json:"connection"`
	Gate       string            `json:"gate"`
	Rooms      []string          `json:"rooms"`
	Presence   presence.Snapshot `json:"presence"`
	Unread     int               `json:"unread"`
}

// Session is one authenticated client session.
type Session struct {
	cfg   *config.Config
	token string
	opts  Options
	gate  *realtime.Gate

	Manager       *realtime.Manager
	Rooms         *rooms.Registry
	Presence      *presence.Tracker
	Messages      *chatsync.MessageStore
	Notifications *notify.Synchronizer
	Push          *push.Manager
	API           *api.Client

	mu      sync.Mutex
	running bool
	detach  eventbus.Unsubscribe
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a session for token from configuration. Nothing connects
// until Start.
func New(cfg *config.Config, token string, opts Options) (*Session, error) {
	if token == "" {
		return nil, realtime.ErrNoToken
	}

	gate := realtime.NewGate()
	mopts := realtime.OptionsFromConfig(cfg.Client)
	mopts.Gate = gate
	mopts.Metrics = opts.Metrics
	m := realtime.NewManager(mopts)

	client := api.New(cfg.Client.APIURL, token, cfg.Notifications.FetchTimeout)
	reg := rooms.NewRegistry(m)
	if err := reg.JoinKeys(cfg.Client.Rooms); err != nil {
		m.Dispose()
		return nil, fmt.Errorf("configured rooms: %w", err)
	}

	s := &Session{
		cfg:           cfg,
		token:         token,
		opts:          opts,
		gate:          gate,
		Manager:       m,
		Rooms:         reg,
		Presence:      presence.NewTracker(),
		Messages:      chatsync.NewMessageStore(cfg.Notifications.MaxRoomMessages, reg.Has),
		Notifications: notify.New(client, opts.Metrics),
		API:           client,
	}
	if opts.Platform != nil {
		s.Push = push.NewManager(opts.Platform, push.ServerFor(client))
	}
	return s, nil
}

// Start hydrates the session, attaches every component to the manager and
// connects. A failed first dial is not fatal: the manager keeps retrying
// and the error is returned for display.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.detach = s.attach(runCtx)
	done := s.done
	s.mu.Unlock()

	if err := s.Notifications.Load(ctx); err != nil {
		slog.Warn("initial notification load failed", "error", err)
	}
	s.gate.MarkReady()

	go func() {
		defer close(done)
		s.Notifications.Run(runCtx, s.cfg.Notifications.PollInterval)
	}()

	if err := s.Manager.Connect(ctx, s.token); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (s *Session) attach(ctx context.Context) eventbus.Unsubscribe {
	m := s.Manager
	handles := []eventbus.Unsubscribe{
		s.Rooms.Attach(m),
		s.Presence.Attach(m),
		s.Messages.Attach(m),
		s.Notifications.Attach(ctx, m),
		m.OnStatus(func(st realtime.State) {
			slog.Info("connection status", "status", st.Status, "reconnect_attempts", st.ReconnectAttempts)
		}),
		m.OnError(func(err error) {
			if errors.Is(err, realtime.ErrUnauthorized) {
				slog.Error("credential rejected, not retrying", "error", err)
			}
		}),
	}
	if s.opts.Trace != nil {
		for _, event := range protocol.InboundEvents() {
			handles = append(handles, m.On(event, s.opts.Trace))
		}
	}
	return eventbus.All(handles...)
}

// Stop disconnects and stops background polling. The session can be
// started again.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	detach, cancel, done := s.detach, s.cancel, s.done
	s.mu.Unlock()

	detach()
	s.Manager.Disconnect()
	cancel()
	<-done
	s.Presence.Reset()
}

// Close stops the session for good.
func (s *Session) Close() {
	s.Stop()
	s.Manager.Dispose()
}

// Online, Offline and Visible forward environment signals to the manager.
func (s *Session) Online(ctx context.Context) error  { return s.Manager.Online(ctx) }
func (s *Session) Offline()                          { s.Manager.Offline() }
func (s *Session) Visible(ctx context.Context) error { return s.Manager.Visible(ctx) }

// Join adds a room to the desired set.
func (s *Session) Join(room protocol.Room) error {
	return s.Rooms.Join(room.Type, room.ID)
}

// Leave removes a room from the desired set and drops its history.
func (s *Session) Leave(room protocol.Room) error {
	if err := s.Rooms.Leave(room.Type, room.ID); err != nil {
		return err
	}
	if !s.Rooms.Has(room) {
		s.Messages.Forget(room)
	}
	return nil
}

// Send posts a chat message to a joined room.
func (s *Session) Send(room protocol.Room, message string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	if !s.Rooms.Has(room) {
		return fmt.Errorf("room %s is not joined", room)
	}
	return s.Rooms.Send(room, message)
}

// Typing returns an edge-triggered typing tracker for room.
func (s *Session) Typing(room protocol.Room) *rooms.Typing {
	return rooms.NewTyping(s.Manager, room, s.cfg.Client.TypingIdleTimeout)
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	joined := s.Rooms.Rooms()
	keys := make([]string, len(joined))
	for i, r := range joined {
		keys[i] = r.Key()
	}
	return Snapshot{
		Connection: s.Manager.State(),
		Gate:       s.gate.State().String(),
		Rooms:      keys,
		Presence:   s.Presence.Snapshot(),
		Unread:     s.Notifications.UnreadCount(),
	}
}
