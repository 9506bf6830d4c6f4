// Package hub is a development event hub: the server side of the realtime
// wire contract plus the notifications and push REST API, all in memory.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/dashsync/internal/api"
	"github.com/cortexuvula/dashsync/internal/chatsync"
	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/security"
)

// Hub accepts realtime connections on /socket and serves the REST API
// under /api.
type Hub struct {
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Hub // optional, nil if metrics disabled

	// apiLimiter bounds REST calls per user; nil when rate limiting is off.
	apiLimiter *security.RateLimiter

	conns  *Connections
	rooms  *chatsync.Registry
	store  *Store
	router chi.Router

	// ctx bounds fan-out writes; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// drainCtx is cancelled when the hub begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[string]*client

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalMessages     int64 `json:"total_messages"`
	Rooms             int   `json:"rooms"`
	OnlineUsers       int   `json:"online_users"`
}

// New creates a hub. rl may be nil to disable connection rate limiting.
func New(cfg *config.Config, rl *security.RateLimiter, m *metrics.Hub) (*Hub, error) {
	store, err := NewStore()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	drainCtx, drainCancel := context.WithCancel(context.Background())

	h := &Hub{
		RateLimiter: rl,
		Metrics:     m,
		conns:       NewConnections(),
		rooms:       chatsync.NewRegistry(cfg.Hub.WriteTimeout),
		store:       store,
		ctx:         ctx,
		cancel:      cancel,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		clients:     make(map[string]*client),
		cfg:         cfg,
	}
	if rl := cfg.Hub.RateLimit; rl.Enabled && rl.MessagesPerSecond > 0 {
		h.apiLimiter = security.NewRateLimiter(rate.Limit(rl.MessagesPerSecond), rl.MessagesPerSecond)
	}
	if len(cfg.Hub.Users) == 0 {
		slog.Warn("hub.users is empty; any bearer token is accepted as its own user id")
	}
	h.router = h.routes()
	return h, nil
}

func (h *Hub) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/socket", h.serveSocket)
	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireUser)
		if h.apiLimiter != nil {
			r.Use(h.apiLimiter.Middleware(userFrom, h.rejectLimited))
		}
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.listNotifications)
			r.Post("/", h.createNotification)
			r.Delete("/", h.deleteAllNotifications)
			r.Get("/unread-count", h.unreadCount)
			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.putSettings)
			r.Put("/read-all", h.markAllRead)
			r.Put("/{id}/read", h.markRead)
			r.Delete("/{id}", h.deleteNotification)
		})
		r.Route("/push", func(r chi.Router) {
			r.Get("/public-key", h.publicKey)
			r.Post("/subscribe", h.subscribePush)
			r.Post("/unsubscribe", h.unsubscribePush)
			r.Post("/test", h.testPush)
		})
	})
	return r
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Hub) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Hub) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()

	if rl := cfg.Hub.RateLimit; h.apiLimiter != nil && rl.MessagesPerSecond > 0 {
		h.apiLimiter.UpdateRate(rate.Limit(rl.MessagesPerSecond), rl.MessagesPerSecond)
	}
}

// Store exposes the notification store.
func (h *Hub) Store() *Store {
	return h.store
}

// StartDrain signals all active connections to close with StatusGoingAway.
func (h *Hub) StartDrain() {
	h.drainCancel()
}

// Close drains connections and cancels pending fan-out writes.
func (h *Hub) Close() {
	h.drainCancel()
	h.cancel()
	if h.apiLimiter != nil {
		h.apiLimiter.Stop()
	}
}

// Stats returns connection, message, room and presence counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections: h.conns.Count(),
		TotalConnections:  h.conns.Total(),
		TotalMessages:     h.conns.TotalMessages(),
		Rooms:             h.rooms.RoomCount(),
		OnlineUsers:       len(h.OnlineUsers()),
	}
}

// OnlineUsers returns the ids of users with at least one connection, sorted.
func (h *Hub) OnlineUsers() []string {
	h.clientsMu.RLock()
	seen := make(map[string]struct{})
	for _, c := range h.clients {
		seen[c.userID] = struct{}{}
	}
	h.clientsMu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Notify stores a notification for userID and delivers it as a
// notification event to every connection of that user.
func (h *Hub) Notify(userID string, n api.Notification) api.Notification {
	n = h.store.Add(userID, n)

	ev := protocol.Notification{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Timestamp: n.CreatedAt,
	}
	if n.RelatedID != "" {
		ev.Data, _ = json.Marshal(map[string]string{"relatedId": n.RelatedID})
	}
	sent := h.sendToUser(userID, protocol.EventNotification, ev)
	slog.Debug("notification delivered", "user", userID, "id", n.ID, "connections", sent)
	return n
}

func (h *Hub) sendToUser(userID, event string, payload any) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return 0
	}
	h.clientsMu.RLock()
	var targets []*client
	for _, c := range h.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		h.write(c, frame)
	}
	return len(targets)
}

// broadcast sends an event to every connection except exceptClientID.
func (h *Hub) broadcast(exceptClientID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return
	}
	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exceptClientID {
			targets = append(targets, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		h.write(c, frame)
	}
}

// broadcastRoom sends an event to the members of room except exceptClientID.
func (h *Hub) broadcastRoom(room, exceptClientID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return
	}
	n := h.rooms.Broadcast(h.ctx, room, exceptClientID, frame)
	if h.Metrics != nil {
		h.Metrics.MessagesTotal.WithLabelValues("downstream").Add(float64(n))
	}
}

func (h *Hub) write(c *client, frame []byte) {
	ctx, cancel := context.WithTimeout(h.ctx, h.GetConfig().Hub.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		slog.Debug("write failed", "client", c.id, "error", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.MessagesTotal.WithLabelValues("downstream").Inc()
	}
}

func (h *Hub) countError(kind string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func now() time.Time {
	return time.Now().UTC()
}
