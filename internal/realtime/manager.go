// Package realtime owns the single persistent websocket connection of a
// client session: authentication, bounded reconnection, listener dispatch
// and the outbound write queue.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/protocol"
)

// Status is the connection status of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is a snapshot of the connection state.
type State struct {
	Status            Status    `json:"status"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastConnectedAt   time.Time `json:"last_connected_at,omitzero"`
	token             string
}

// HasToken reports whether a credential is bound to the connection.
func (s State) HasToken() bool { return s.token != "" }

// DisconnectInfo describes a connection loss delivered to OnDisconnect.
type DisconnectInfo struct {
	Reason    string
	Err       error
	WillRetry bool
}

// Options configures a Manager.
type Options struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
	SendQueueSize        int

	// Gate, when set, holds the first Connect until it is ready.
	Gate    *Gate
	Metrics *metrics.Client
}

// OptionsFromConfig maps the client configuration onto Options.
func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		URL:                  cfg.ServerURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		DialTimeout:          cfg.DialTimeout,
		PingInterval:         cfg.PingInterval,
		PongTimeout:          cfg.PongTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		ReadLimit:            cfg.MaxMessageSize,
		SendQueueSize:        cfg.SendQueueSize,
	}
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
}

// Manager is the connection manager of one client session. Construct it
// with NewManager and inject it into the components that need it.
//
// All listener callbacks run on one dispatch goroutine in the order the
// events occurred, so no two callbacks ever run concurrently. Callbacks
// may call back into the Manager.
type Manager struct {
	opts Options
	loop *loop

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped on every dial and every teardown
	conn       *websocket.Conn
	connCancel context.CancelFunc
	sendCh     chan []byte
	retryTimer *time.Timer
	offline    bool
	disposed   bool
	gated      bool

	onConnect    *eventbus.Bus[State]
	onDisconnect *eventbus.Bus[DisconnectInfo]
	onError      *eventbus.Bus[error]
	onRejoin     *eventbus.Bus[struct{}]
	onStatus     *eventbus.Bus[State]

	handlersMu sync.Mutex
	handlers   map[string]*eventbus.Bus[protocol.Envelope]
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	opts.URL = toWebSocketURL(opts.URL)

	m := &Manager{
		opts:     opts,
		loop:     newLoop(),
		state:    State{Status: StatusDisconnected},
		handlers: make(map[string]*eventbus.Bus[protocol.Envelope]),
	}
	m.onConnect = eventbus.New[State](protocol.EventConnect, m.listenerPanicked)
	m.onDisconnect = eventbus.New[DisconnectInfo](protocol.EventDisconnect, m.listenerPanicked)
	m.onError = eventbus.New[error](protocol.EventConnectError, m.listenerPanicked)
	m.onRejoin = eventbus.New[struct{}]("rejoin", m.listenerPanicked)
	m.onStatus = eventbus.New[State]("status", m.listenerPanicked)
	opts.Metrics.SetStatus(string(StatusDisconnected))
	return m
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is currently up.
func (m *Manager) Connected() bool {
	return m.State().Status == StatusConnected
}

// Connect opens the channel authenticated with token. It is a no-op while
// connected or connecting. Calling Connect from the error state resets the
// attempt counter.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	gate := m.opts.Gate
	waitGate := gate != nil && !m.gated
	m.mu.Unlock()
	if waitGate {
		if err := gate.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for session hydration: %w", err)
		}
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	switch m.state.Status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return nil
	case StatusError:
		m.state.ReconnectAttempts = 0
	}
	m.gated = true
	m.stopRetryLocked()
	m.offline = false
	m.gen++
	gen := m.gen
	m.state.token = token
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	return m.dial(ctx, gen, token, 0)
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string, attempt int) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, m.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w (HTTP %d)", ErrUnauthorized, resp.StatusCode)
		}
		cerr := &ConnectionError{Attempt: attempt, Err: err}
		m.dialFailed(gen, cerr)
		return cerr
	}
	if m.opts.ReadLimit > 0 {
		conn.SetReadLimit(m.opts.ReadLimit)
	}

	m.mu.Lock()
	if m.gen != gen || m.disposed {
		// Disconnect or Offline ran while the dial was in flight.
		m.mu.Unlock()
		conn.CloseNow()
		return nil
	}
	// The connection outlives the caller's ctx, which only bounds the dial.
	connCtx, connCancel := context.WithCancel(context.Background())
	sendCh := make(chan []byte, m.opts.SendQueueSize)
	m.conn = conn
	m.connCancel = connCancel
	m.sendCh = sendCh
	m.state.ReconnectAttempts = 0
	m.state.LastConnectedAt = time.Now()
	m.setStatusLocked(StatusConnected)
	st := m.state
	m.mu.Unlock()

	slog.Info("realtime connected", "url", m.opts.URL)
	m.loop.post(func() { m.onConnect.Publish(st) })

	go m.readLoop(connCtx, conn, gen)
	go m.writeLoop(connCtx, conn, sendCh, gen)
	// Ping must run concurrently with the reader per coder/websocket docs.
	if m.opts.PingInterval > 0 {
		go m.keepAlive(connCtx, conn, gen)
	}
	return nil
}

func (m *Manager) dialFailed(gen uint64, cerr *ConnectionError) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	unauthorized := errors.Is(cerr, ErrUnauthorized)
	if unauthorized {
		m.setStatusLocked(StatusError)
	}
	m.mu.Unlock()

	slog.Warn("realtime connect failed", "error", cerr.Err, "attempt", cerr.Attempt)
	m.loop.post(func() { m.onError.Publish(cerr) })
	if !unauthorized {
		m.scheduleRetry(gen)
	}
}

// scheduleRetry arms the reconnection timer, or moves to the error state
// once the attempt cap is reached.
func (m *Manager) scheduleRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.disposed || m.offline {
		return
	}
	if m.state.ReconnectAttempts >= m.opts.MaxReconnectAttempts {
		m.setStatusLocked(StatusError)
		slog.Warn("realtime reconnect attempts exhausted", "attempts", m.state.ReconnectAttempts)
		m.loop.post(func() { m.onError.Publish(ErrRetriesExhausted) })
		return
	}
	m.state.ReconnectAttempts++
	attempt := m.state.ReconnectAttempts
	m.setStatusLocked(StatusDisconnected)
	m.retryTimer = time.AfterFunc(m.opts.ReconnectDelay, func() { m.retry(gen, attempt) })
}

func (m *Manager) retry(gen uint64, attempt int) {
	m.mu.Lock()
	if m.gen != gen || m.disposed || m.offline {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.gen++
	next := m.gen
	token := m.state.token
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectAttempts.Inc()
	}
	slog.Info("realtime reconnecting", "attempt", attempt, "max", m.opts.MaxReconnectAttempts)
	m.dial(context.Background(), next, token, attempt)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.dropped(gen, err)
			return
		}
		if typ != websocket.MessageText {
			m.protocolError(&protocol.ProtocolError{Reason: "binary frame"})
			continue
		}
		env, err := protocol.Decode(data, protocol.IsInbound)
		if err != nil {
			m.protocolError(err)
			continue
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.EventsTotal.WithLabelValues("inbound", env.Event).Inc()
		}
		m.loop.post(func() {
			if m.current(gen) {
				m.route(env)
			}
		})
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.dropped(gen, err)
				}
				return
			}
		}
	}
}

func (m *Manager) keepAlive(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("keepalive ping failed", "error", err)
					m.dropped(gen, fmt.Errorf("keepalive: %w", err))
				}
				return
			}
		}
	}
}

// dropped handles an unexpected loss of the connection identified by gen.
// The first caller wins; later calls for the same connection are ignored.
func (m *Manager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	conn, cancel := m.detachLocked()
	m.setStatusLocked(StatusDisconnected)
	info := DisconnectInfo{
		Reason:    "transport closed",
		Err:       cause,
		WillRetry: !m.offline && m.state.ReconnectAttempts < m.opts.MaxReconnectAttempts,
	}
	m.mu.Unlock()

	closeConn(conn, cancel)
	slog.Warn("realtime connection lost", "error", cause, "will_retry", info.WillRetry)
	m.loop.post(func() { m.onDisconnect.Publish(info) })
	m.scheduleRetry(next)
}

// Disconnect tears down the channel, cancels any pending reconnection and
// detaches every listener. It never triggers an automatic reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	conn, cancel := m.detachLocked()
	prev := m.state.Status
	m.offline = false
	m.state.ReconnectAttempts = 0
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.clearListeners()
	closeConn(conn, cancel)
	if prev != StatusDisconnected {
		slog.Info("realtime disconnected", "previous_status", prev)
	}
}

// Dispose disconnects and permanently shuts the Manager down.
func (m *Manager) Dispose() {
	m.Disconnect()
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()
	m.loop.stop()
}

// Emit sends event with payload if the channel is up. It never blocks:
// the event is dropped when disconnected or when the send queue is full.
func (m *Manager) Emit(event string, payload any) {
	m.mu.Lock()
	sendCh := m.sendCh
	connected := m.state.Status == StatusConnected
	m.mu.Unlock()

	if !connected || sendCh == nil {
		slog.Debug("emit dropped, not connected", "event", event)
		m.countDrop("not_connected")
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Warn("emit dropped, encode failed", "event", event, "error", err)
		m.countDrop("encode")
		return
	}
	select {
	case sendCh <- frame:
		if m.opts.Metrics != nil {
			m.opts.Metrics.EventsTotal.WithLabelValues("outbound", event).Inc()
		}
	default:
		slog.Warn("emit dropped, send queue full", "event", event)
		m.countDrop("queue_full")
	}
}

// Online resumes after a connectivity loss by connecting with the last
// credential when not already connected.
func (m *Manager) Online(ctx context.Context) error {
	m.mu.Lock()
	m.offline = false
	status := m.state.Status
	token := m.state.token
	m.mu.Unlock()

	if status == StatusConnected || status == StatusConnecting {
		return nil
	}
	if token == "" {
		return ErrNoToken
	}
	return m.Connect(ctx, token)
}

// Offline marks the network as gone: the channel is dropped, any pending
// retry is cancelled and nothing reconnects until Online.
func (m *Manager) Offline() {
	m.mu.Lock()
	m.offline = true
	m.gen++
	m.stopRetryLocked()
	conn, cancel := m.detachLocked()
	prev := m.state.Status
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	closeConn(conn, cancel)
	if prev == StatusConnected {
		slog.Info("realtime offline, connection dropped")
		info := DisconnectInfo{Reason: "offline"}
		m.loop.post(func() { m.onDisconnect.Publish(info) })
	}
}

// Visible handles the session becoming visible again. A live channel
// publishes a rejoin broadcast; otherwise it behaves like Online.
func (m *Manager) Visible(ctx context.Context) error {
	m.mu.Lock()
	status := m.state.Status
	offline := m.offline
	m.mu.Unlock()

	if offline {
		return nil
	}
	if status == StatusConnected {
		m.loop.post(func() { m.onRejoin.Publish(struct{}{}) })
		return nil
	}
	return m.Online(ctx)
}

// Settle blocks until every event queued before the call has been
// dispatched. It must not be called from a listener.
func (m *Manager) Settle() {
	done := make(chan struct{})
	if !m.loop.post(func() { close(done) }) {
		return
	}
	<-done
}

// OnConnect registers fn for every successful connection, including reconnects.
func (m *Manager) OnConnect(fn func(State)) eventbus.Unsubscribe {
	return m.onConnect.Subscribe(fn)
}

// OnDisconnect registers fn for unexpected connection losses.
func (m *Manager) OnDisconnect(fn func(DisconnectInfo)) eventbus.Unsubscribe {
	return m.onDisconnect.Subscribe(fn)
}

// OnError registers fn for connection errors.
func (m *Manager) OnError(fn func(error)) eventbus.Unsubscribe {
	return m.onError.Subscribe(fn)
}

// OnRejoin registers fn for rejoin broadcasts published by Visible.
func (m *Manager) OnRejoin(fn func()) eventbus.Unsubscribe {
	return m.onRejoin.Subscribe(func(struct{}) { fn() })
}

// OnStatus registers fn for every status transition.
func (m *Manager) OnStatus(fn func(State)) eventbus.Unsubscribe {
	return m.onStatus.Subscribe(fn)
}

// On registers fn for the inbound domain event.
func (m *Manager) On(event string, fn func(protocol.Envelope)) eventbus.Unsubscribe {
	m.handlersMu.Lock()
	b, ok := m.handlers[event]
	if !ok {
		b = eventbus.New[protocol.Envelope](event, m.listenerPanicked)
		m.handlers[event] = b
	}
	m.handlersMu.Unlock()
	return b.Subscribe(fn)
}

// Handle registers fn for event with its payload decoded as T. Payloads that
// fail to decode or validate are logged and dropped.
func Handle[T any](m *Manager, event string, fn func(T)) eventbus.Unsubscribe {
	return m.On(event, func(env protocol.Envelope) {
		v, err := protocol.DecodeData[T](env)
		if err != nil {
			m.protocolError(err)
			return
		}
		fn(v)
	})
}

func (m *Manager) route(env protocol.Envelope) {
	m.handlersMu.Lock()
	b := m.handlers[env.Event]
	m.handlersMu.Unlock()
	if b == nil {
		slog.Debug("no listeners for event", "event", env.Event)
		return
	}
	b.Publish(env)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) clearListeners() {
	m.onConnect.Clear()
	m.onDisconnect.Clear()
	m.onError.Clear()
	m.onRejoin.Clear()
	m.onStatus.Clear()

	m.handlersMu.Lock()
	for _, b := range m.handlers {
		b.Clear()
	}
	m.handlers = make(map[string]*eventbus.Bus[protocol.Envelope])
	m.handlersMu.Unlock()
}

// setStatusLocked records the status and queues a status notification.
// Callers hold m.mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.state.Status == s {
		return
	}
	m.state.Status = s
	m.opts.Metrics.SetStatus(string(s))
	st := m.state
	m.loop.post(func() { m.onStatus.Publish(st) })
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) detachLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := m.conn, m.connCancel
	m.conn = nil
	m.connCancel = nil
	m.sendCh = nil
	return conn, cancel
}

func closeConn(conn *websocket.Conn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.CloseNow()
	}
}

func (m *Manager) protocolError(err error) {
	slog.Warn("dropping inbound frame", "error", err)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ProtocolErrorsTotal.Inc()
	}
}

func (m *Manager) countDrop(reason string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.DroppedEmitsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) listenerPanicked(string, any) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ListenerPanicsTotal.Inc()
	}
}

// toWebSocketURL converts http(s) URLs to ws(s). Other URLs pass through.
func toWebSocketURL(u string) string {
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}
