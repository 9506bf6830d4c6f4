package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/dashsync/internal/protocol"
)

// Member is one hub connection inside a room.
type Member struct {
	ClientID    string
	UserID      string
	DisplayName string
	Conn        *websocket.Conn
}

// Registry tracks hub connections per room for broadcasting.
// Thread-safe via sync.RWMutex.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]*Member
	writeTimeout time.Duration
}

// NewRegistry creates an empty registry. Each broadcast write is bounded by
// writeTimeout when it is positive.
func NewRegistry(writeTimeout time.Duration) *Registry {
	return &Registry{
		rooms:        make(map[string]map[string]*Member),
		writeTimeout: writeTimeout,
	}
}

// Join adds a member to a room. Returns false if the client was already in it.
func (r *Registry) Join(room string, m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Member)
		r.rooms[room] = members
	}
	if _, ok := members[m.ClientID]; ok {
		return false
	}
	members[m.ClientID] = m
	slog.Debug("room registry: joined", "room", room, "client", m.ClientID, "user", m.UserID)
	return true
}

// Leave removes a client from a room. Returns false if it was not a member.
func (r *Registry) Leave(room, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, clientID)
}

func (r *Registry) leaveLocked(room, clientID string) bool {
	members := r.rooms[room]
	if members == nil {
		return false
	}
	if _, ok := members[clientID]; !ok {
		return false
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	slog.Debug("room registry: left", "room", room, "client", clientID)
	return true
}

// LeaveAll removes a client from every room and returns the rooms it left,
// sorted.
func (r *Registry) LeaveAll(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room, members := range r.rooms {
		if _, ok := members[clientID]; ok {
			left = append(left, room)
		}
	}
	for _, room := range left {
		r.leaveLocked(room, clientID)
	}
	sort.Strings(left)
	return left
}

// Broadcast sends payload to every member of room except exceptClientID
// (pass "" to include everyone) and returns the number of writes attempted.
// Takes a snapshot under RLock, then writes without holding the lock.
// coder/websocket Write() serializes internally, so concurrent broadcasts
// to the same connection are safe.
func (r *Registry) Broadcast(ctx context.Context, room, exceptClientID string, payload []byte) int {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]*Member, 0, len(members))
	for id, m := range members {
		if id != exceptClientID {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range targets {
		writeCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.writeTimeout > 0 {
			writeCtx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		}
		if err := m.Conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
			slog.Debug("room broadcast: write failed", "room", room, "client", m.ClientID, "error", err)
		}
		cancel()
	}
	return len(targets)
}

// Users returns the distinct users present in room ordered by user id.
func (r *Registry) Users(room string) []protocol.RoomUser {
	r.mu.RLock()
	seen := make(map[string]protocol.RoomUser)
	for _, m := range r.rooms[room] {
		seen[m.UserID] = protocol.RoomUser{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	r.mu.RUnlock()

	users := make([]protocol.RoomUser, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// IsMember reports whether clientID is in room.
func (r *Registry) IsMember(room, clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][clientID]
	return ok
}

// MemberCount returns the number of connections in a room.
func (r *Registry) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
