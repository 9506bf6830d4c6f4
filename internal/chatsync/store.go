// Package chatsync keeps chat history per room. On the client it is the
// message view fed by newGroupMessage and newProjectMessage; on the hub its
// Registry fans frames out to the members of a room.
package chatsync

import (
	"log/slog"
	"sync"

	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/realtime"
)

// seenFactor sizes the per-room set of remembered ids relative to the ring.
const seenFactor = 4

// MessageStore is a per-room in-memory ring buffer of chat messages,
// deduplicated by message id. Ids stay remembered after their message
// leaves the ring, up to seenFactor times maxSize ids per room, so late
// redeliveries are still dropped. Thread-safe via sync.RWMutex.
type MessageStore struct {
	mu      sync.RWMutex
	rooms   map[string]*roomStore
	maxSize int
	accept  func(protocol.Room) bool

	onMessage *eventbus.Bus[protocol.ChatMessage]
}

type roomStore struct {
	messages []protocol.ChatMessage
	ids      map[string]struct{}
	seen     []string // ids in arrival order, oldest first
}

// NewMessageStore creates a store that retains up to maxSize messages per
// room. accept, when non-nil, filters the rooms messages are kept for.
func NewMessageStore(maxSize int, accept func(protocol.Room) bool) *MessageStore {
	return &MessageStore{
		rooms:     make(map[string]*roomStore),
		maxSize:   maxSize,
		accept:    accept,
		onMessage: eventbus.New[protocol.ChatMessage]("chat message", nil),
	}
}

// Attach feeds the store from the chat events of m.
func (s *MessageStore) Attach(m *realtime.Manager) eventbus.Unsubscribe {
	add := func(msg protocol.ChatMessage) { s.Append(msg) }
	return eventbus.All(
		realtime.Handle(m, protocol.EventNewGroupMessage, add),
		realtime.Handle(m, protocol.EventNewProjectMessage, add),
	)
}

// OnMessage registers fn for every message the store accepts.
func (s *MessageStore) OnMessage(fn func(protocol.ChatMessage)) eventbus.Unsubscribe {
	return s.onMessage.Subscribe(fn)
}

// Append adds msg to its room. It returns false when the room is filtered
// out or the id was already seen. When the buffer exceeds maxSize, the
// oldest message is dropped; its id is forgotten only once seenFactor times
// maxSize newer ids have arrived.
func (s *MessageStore) Append(msg protocol.ChatMessage) bool {
	room := msg.Room()
	if s.accept != nil && !s.accept(room) {
		slog.Debug("chat message for unjoined room dropped", "room", room.Key(), "id", msg.ID)
		return false
	}

	s.mu.Lock()
	rs, ok := s.rooms[room.Key()]
	if !ok {
		rs = &roomStore{ids: make(map[string]struct{})}
		s.rooms[room.Key()] = rs
	}
	if _, dup := rs.ids[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	rs.ids[msg.ID] = struct{}{}
	rs.seen = append(rs.seen, msg.ID)
	rs.messages = append(rs.messages, msg)
	if s.maxSize > 0 {
		if excess := len(rs.messages) - s.maxSize; excess > 0 {
			rs.messages = rs.messages[excess:]
		}
		if excess := len(rs.seen) - seenFactor*s.maxSize; excess > 0 {
			for _, id := range rs.seen[:excess] {
				delete(rs.ids, id)
			}
			rs.seen = rs.seen[excess:]
		}
	}
	s.mu.Unlock()

	s.onMessage.Publish(msg)
	return true
}

// History returns up to limit messages for room in arrival order.
// Returns nil if the room has no stored messages.
func (s *MessageStore) History(room protocol.Room, limit int) []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[room.Key()]
	if !ok {
		return nil
	}

	msgs := rs.messages
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]protocol.ChatMessage, len(msgs))
	copy(result, msgs)
	return result
}

// Count returns the number of stored messages for room.
func (s *MessageStore) Count(room protocol.Room) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[room.Key()]
	if !ok {
		return 0
	}
	return len(rs.messages)
}

// Forget drops the history of room.
func (s *MessageStore) Forget(room protocol.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room.Key())
}
