package hub

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/dashsync/internal/chatsync"
	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/security"
)

// client is one accepted websocket connection.
type client struct {
	id     string
	userID string
	ip     string
	conn   *websocket.Conn
	member *chatsync.Member
}

// authenticate resolves the bearer credential of r to a user id. The
// Authorization header is preferred; the token query parameter is accepted
// with a warning.
func (h *Hub) authenticate(r *http.Request, cfg *config.Config, clientIP string) (string, bool) {
	token := security.ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
		if token != "" {
			slog.Warn("auth token provided via query parameter; use Authorization header instead", "client_ip", clientIP)
		}
	}
	return security.ResolveUser(token, cfg.Hub.Users)
}

func (h *Hub) serveSocket(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	// 1. Parse client IP (needed for auth logging, rate limiting, and connection tracking)
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// 2. Credential check
	userID, ok := h.authenticate(r, cfg, clientIP)
	if !ok {
		slog.Warn("rejected invalid auth token", "client_ip", clientIP)
		h.countError("unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// 3. Rate limit check
	if cfg.Hub.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		h.countError("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 4. Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.conns.TryAcquire(clientIP, cfg.Hub.MaxConnections, cfg.Hub.MaxConnectionsPerIP); reason != "" {
		h.countError(reason)
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.conns.Count(), "max", cfg.Hub.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.conns.CountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	// 5. Accept
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.conns.Release(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
		}
		h.countError("accept_failure")
		slog.Error("failed to accept client WebSocket", "error", err)
		return
	}
	conn.SetReadLimit(cfg.Hub.MaxMessageSize)

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		ip:     clientIP,
		conn:   conn,
	}
	c.member = &chatsync.Member{ClientID: c.id, UserID: userID, DisplayName: userID, Conn: conn}

	connCtx, connCancel := context.WithCancel(h.ctx)
	defer connCancel()

	if cfg.Hub.PingInterval > 0 {
		go keepAlive(connCtx, conn, cfg.Hub.PingInterval, cfg.Hub.PongTimeout, connCancel)
	}

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}

	// Drain watcher: a graceful close frame makes Read return.
	go func() {
		select {
		case <-h.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	start := time.Now()
	h.register(c)
	slog.Info("connection established", "client_ip", clientIP, "client", c.id, "user", userID)

	// Per-connection message rate limiter
	var msgLimiter *rate.Limiter
	if cfg.Hub.RateLimit.Enabled && cfg.Hub.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Hub.RateLimit.MessagesPerSecond), cfg.Hub.RateLimit.MessagesPerSecond)
	}

	h.readLoop(connCtx, c, msgLimiter)

	connCancel()
	closeConn(websocket.StatusGoingAway, "")
	h.unregister(c)
	h.conns.Release(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
	}
	slog.Info("connection closed", "client_ip", clientIP, "client", c.id, "duration", time.Since(start).String())
}

// readLoop handles client frames until the connection ends.
func (h *Hub) readLoop(ctx context.Context, c *client, msgLimiter *rate.Limiter) {
	for {
		typ, frame, err := c.conn.Read(ctx)
		if err != nil {
			slog.Debug("read stopped", "client", c.id, "reason", err)
			return
		}
		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "client", c.id, "reason", err)
				return
			}
		}
		h.conns.IncrementMessages()
		if h.Metrics != nil {
			h.Metrics.MessagesTotal.WithLabelValues("upstream").Inc()
		}
		if typ != websocket.MessageText {
			h.countError("binary_frame")
			continue
		}
		h.handleFrame(c, frame)
	}
}

// register adds c to the client set and announces its user when this is
// the user's first connection. The new client is told about everyone
// already online.
func (h *Hub) register(c *client) {
	h.clientsMu.Lock()
	first := true
	others := make(map[string]struct{})
	for _, o := range h.clients {
		if o.userID == c.userID {
			first = false
		} else {
			others[o.userID] = struct{}{}
		}
	}
	h.clients[c.id] = c
	h.clientsMu.Unlock()

	ts := now()
	for u := range others {
		h.sendTo(c, protocol.EventUserConnected, protocol.UserConnected{UserID: u, DisplayName: u, Timestamp: ts})
	}
	if first {
		h.broadcast(c.id, protocol.EventUserConnected, protocol.UserConnected{UserID: c.userID, DisplayName: c.userID, Timestamp: ts})
	}
}

// unregister removes c from its rooms and the client set. The user is
// announced as disconnected once their last connection is gone.
func (h *Hub) unregister(c *client) {
	for _, room := range h.rooms.LeaveAll(c.id) {
		h.announceRoomUsers(room)
	}
	h.setRoomsGauge()

	h.clientsMu.Lock()
	delete(h.clients, c.id)
	last := true
	for _, o := range h.clients {
		if o.userID == c.userID {
			last = false
			break
		}
	}
	h.clientsMu.Unlock()

	if last {
		h.broadcast("", protocol.EventUserDisconnected, protocol.UserDisconnected{UserID: c.userID, Timestamp: now()})
	}
}

func (h *Hub) sendTo(c *client, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return
	}
	h.write(c, frame)
}

// handleFrame applies one client intent. Malformed or unauthorized intents
// are logged and dropped; the connection stays up.
func (h *Hub) handleFrame(c *client, frame []byte) {
	env, err := protocol.Decode(frame, protocol.IsOutbound)
	if err != nil {
		slog.Debug("dropping client frame", "client", c.id, "error", err)
		h.countError("protocol")
		return
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		room, err := protocol.DecodeData[protocol.Room](env)
		if err != nil {
			h.dropInvalid(c, err)
			return
		}
		h.join(c, room)

	case protocol.EventLeaveRoom:
		room, err := protocol.DecodeData[protocol.Room](env)
		if err != nil {
			h.dropInvalid(c, err)
			return
		}
		h.leave(c, room)

	case protocol.EventTyping:
		t, err := protocol.DecodeData[protocol.TypingIntent](env)
		if err != nil {
			h.dropInvalid(c, err)
			return
		}
		room := protocol.Room{Type: t.Type, ID: t.ID}
		if !h.member(c, room) {
			return
		}
		h.broadcastRoom(room.Key(), c.id, protocol.EventUserTyping, protocol.UserTyping{
			UserID:    c.userID,
			IsTyping:  t.IsTyping,
			RoomType:  room.Type,
			RoomID:    room.ID,
			Timestamp: now(),
		})

	case protocol.EventSendGroupMessage:
		m, err := protocol.DecodeData[protocol.SendGroupMessage](env)
		if err != nil {
			h.dropInvalid(c, err)
			return
		}
		h.chat(c, protocol.Room{Type: protocol.RoomGroup, ID: m.GroupID}, m.Message)

	case protocol.EventSendProjectMessage:
		m, err := protocol.DecodeData[protocol.SendProjectMessage](env)
		if err != nil {
			h.dropInvalid(c, err)
			return
		}
		h.chat(c, protocol.Room{Type: protocol.RoomProject, ID: m.ProjectID}, m.Message)
	}
}

func (h *Hub) dropInvalid(c *client, err error) {
	slog.Debug("dropping invalid intent", "client", c.id, "error", err)
	h.countError("protocol")
}

func (h *Hub) member(c *client, room protocol.Room) bool {
	if h.rooms.IsMember(room.Key(), c.id) {
		return true
	}
	slog.Debug("intent for a room the client has not joined", "client", c.id, "room", room.Key())
	h.countError("not_member")
	return false
}

func (h *Hub) join(c *client, room protocol.Room) {
	key := room.Key()
	h.rooms.Join(key, c.member)
	h.setRoomsGauge()
	h.sendTo(c, protocol.EventRoomJoined, protocol.RoomMembership{Type: room.Type, ID: room.ID, UserID: c.userID})
	h.announceRoomUsers(key)
}

func (h *Hub) leave(c *client, room protocol.Room) {
	key := room.Key()
	left := h.rooms.Leave(key, c.id)
	h.setRoomsGauge()
	h.sendTo(c, protocol.EventRoomLeft, protocol.RoomMembership{Type: room.Type, ID: room.ID, UserID: c.userID})
	if left {
		h.announceRoomUsers(key)
	}
}

func (h *Hub) announceRoomUsers(key string) {
	users := h.rooms.Users(key)
	h.broadcastRoom(key, "", protocol.EventRoomUsers, protocol.RoomUsers{Room: key, Users: users, Count: len(users)})
}

func (h *Hub) chat(c *client, room protocol.Room, text string) {
	if room.ID == "" || text == "" {
		h.dropInvalid(c, &protocol.ProtocolError{Reason: "empty room id or message"})
		return
	}
	if !h.member(c, room) {
		return
	}
	msg := protocol.ChatMessage{
		ID:         ulid.Make().String(),
		SenderID:   c.userID,
		SenderName: c.member.DisplayName,
		Message:    text,
		Timestamp:  now(),
	}
	event := protocol.EventNewGroupMessage
	if room.Type == protocol.RoomProject {
		msg.ProjectID = room.ID
		event = protocol.EventNewProjectMessage
	} else {
		msg.GroupID = room.ID
	}
	h.broadcastRoom(room.Key(), "", event, msg)
}

func (h *Hub) setRoomsGauge() {
	if h.Metrics != nil {
		h.Metrics.RoomsActive.Set(float64(h.rooms.RoomCount()))
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and cancels ctx.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
