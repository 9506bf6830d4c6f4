// Package presence tracks which users are online, who is typing in which
// room and the member list of each joined room, as reported by the server.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/realtime"
)

// Entry is an online user.
type Entry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

// TypingEntry is a user typing in a room.
type TypingEntry struct {
	UserID string        `json:"user_id"`
	Room   protocol.Room `json:"room"`
	Since  time.Time     `json:"since,omitzero"`
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	Online []Entry                        `json:"online"`
	Typing []TypingEntry                  `json:"typing"`
	Rooms  map[string][]protocol.RoomUser `json:"rooms"`
}

type typingKey struct {
	user string
	room string
}

// Tracker holds presence state. Every update is idempotent and the tracker
// never expires entries on its own: it reflects the last event per key.
type Tracker struct {
	mu             sync.RWMutex
	online         map[string]Entry
	lastDisconnect map[string]time.Time
	typing         map[typingKey]TypingEntry
	roomUsers      map[string][]protocol.RoomUser
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.clear()
	return t
}

func (t *Tracker) clear() {
	t.online = make(map[string]Entry)
	t.lastDisconnect = make(map[string]time.Time)
	t.typing = make(map[typingKey]TypingEntry)
	t.roomUsers = make(map[string][]protocol.RoomUser)
}

// Attach subscribes the tracker to the presence events of m. Our own
// connection drop resets the tracker since events are missed while down.
func (t *Tracker) Attach(m *realtime.Manager) eventbus.Unsubscribe {
	return eventbus.All(
		realtime.Handle(m, protocol.EventUserConnected, t.UserConnected),
		realtime.Handle(m, protocol.EventUserDisconnected, t.UserDisconnected),
		realtime.Handle(m, protocol.EventUserTyping, t.UserTyping),
		realtime.Handle(m, protocol.EventRoomUsers, t.RoomUsersChanged),
		m.OnDisconnect(func(realtime.DisconnectInfo) { t.Reset() }),
	)
}

// UserConnected upserts the user. A connect that is not newer than the
// user's recorded disconnect arrived out of order and is discarded.
func (t *Tracker) UserConnected(ev protocol.UserConnected) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gone, ok := t.lastDisconnect[ev.UserID]; ok {
		if !ev.Timestamp.IsZero() && !ev.Timestamp.After(gone) {
			slog.Debug("discarding stale userConnected", "user", ev.UserID)
			return
		}
		delete(t.lastDisconnect, ev.UserID)
	}
	t.online[ev.UserID] = Entry{
		UserID:      ev.UserID,
		DisplayName: ev.DisplayName,
		Avatar:      ev.Avatar,
		ConnectedAt: ev.Timestamp,
	}
}

// UserDisconnected removes the user and their typing entries. Unknown
// users are a no-op.
func (t *Tracker) UserDisconnected(ev protocol.UserDisconnected) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ev.Timestamp.IsZero() {
		t.lastDisconnect[ev.UserID] = ev.Timestamp
	}
	delete(t.online, ev.UserID)
	for k := range t.typing {
		if k.user == ev.UserID {
			delete(t.typing, k)
		}
	}
}

// UserTyping upserts or removes the typing entry for (user, room).
func (t *Tracker) UserTyping(ev protocol.UserTyping) {
	room := ev.Room()
	key := typingKey{user: ev.UserID, room: room.Key()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ev.IsTyping {
		delete(t.typing, key)
		return
	}
	t.typing[key] = TypingEntry{UserID: ev.UserID, Room: room, Since: ev.Timestamp}
}

// RoomUsersChanged replaces the member list of a room.
func (t *Tracker) RoomUsersChanged(ev protocol.RoomUsers) {
	users := append([]protocol.RoomUser(nil), ev.Users...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomUsers[ev.Room] = users
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
}

// Online returns online users ordered by user id.
func (t *Tracker) Online() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.online))
	for _, e := range t.online {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsOnline reports whether userID is online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Typing returns the users typing in room ordered by user id.
func (t *Tracker) Typing(room protocol.Room) []TypingEntry {
	key := room.Key()

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TypingEntry
	for k, e := range t.typing {
		if k.room == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RoomUsers returns the last member list received for room.
func (t *Tracker) RoomUsers(room protocol.Room) []protocol.RoomUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]protocol.RoomUser(nil), t.roomUsers[room.Key()]...)
}

// Snapshot copies the whole tracker.
func (t *Tracker) Snapshot() Snapshot {
	snap := Snapshot{
		Online: t.Online(),
		Rooms:  make(map[string][]protocol.RoomUser),
	}

	t.mu.RLock()
	for _, e := range t.typing {
		snap.Typing = append(snap.Typing, e)
	}
	for room, users := range t.roomUsers {
		snap.Rooms[room] = append([]protocol.RoomUser(nil), users...)
	}
	t.mu.RUnlock()

	sort.Slice(snap.Typing, func(i, j int) bool {
		a, b := snap.Typing[i], snap.Typing[j]
		if a.Room.Key() != b.Room.Key() {
			return a.Room.Key() < b.Room.Key()
		}
		return a.UserID < b.UserID
	})
	return snap
}
