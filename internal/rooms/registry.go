// Package rooms keeps the desired set of subscribed rooms and replays it
// onto the realtime channel after every (re)connection.
package rooms

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/realtime"
)

// Emitter sends fire-and-forget events on the realtime channel.
type Emitter interface {
	Emit(event string, payload any)
	Connected() bool
}

// Registry is the desired room set. The set survives disconnects; joins
// are re-emitted by OnReconnected. Joining a room already in the set only
// increments its reference count, so Join followed by Leave always restores
// the previous set.
type Registry struct {
	em Emitter

	mu     sync.Mutex
	order  []protocol.Room
	counts map[string]int
}

// NewRegistry creates an empty registry emitting through em.
func NewRegistry(em Emitter) *Registry {
	return &Registry{
		em:     em,
		counts: make(map[string]int),
	}
}

// Join adds the room to the desired set and joins it on the channel when
// connected. While disconnected the join happens on the next OnReconnected.
func (r *Registry) Join(t protocol.RoomType, id string) error {
	room := protocol.Room{Type: t, ID: id}
	if err := room.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	key := room.Key()
	r.counts[key]++
	added := r.counts[key] == 1
	if added {
		r.order = append(r.order, room)
	}
	r.mu.Unlock()

	if added && r.em.Connected() {
		r.em.Emit(protocol.EventJoinRoom, room)
	}
	return nil
}

// Leave releases one reference to the room. The room leaves the set, and
// the channel, when its last reference is released.
func (r *Registry) Leave(t protocol.RoomType, id string) error {
	room := protocol.Room{Type: t, ID: id}
	if err := room.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	key := room.Key()
	n, ok := r.counts[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	removed := n == 1
	if removed {
		delete(r.counts, key)
		for i, cur := range r.order {
			if cur.Key() == key {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	} else {
		r.counts[key] = n - 1
	}
	r.mu.Unlock()

	if removed && r.em.Connected() {
		r.em.Emit(protocol.EventLeaveRoom, room)
	}
	return nil
}

// OnReconnected emits join-room for every room in the set, in join order.
// It runs after every successful connection, including the first, and on
// rejoin broadcasts.
func (r *Registry) OnReconnected() {
	rooms := r.Rooms()
	for _, room := range rooms {
		r.em.Emit(protocol.EventJoinRoom, room)
	}
	if len(rooms) > 0 {
		slog.Debug("rooms rejoined", "count", len(rooms))
	}
}

// Rooms returns the desired set in join order.
func (r *Registry) Rooms() []protocol.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Room(nil), r.order...)
}

// Has reports whether room is in the desired set.
func (r *Registry) Has(room protocol.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[room.Key()] > 0
}

// JoinKeys joins every "<type>:<id>" key, stopping at the first invalid one.
func (r *Registry) JoinKeys(keys []string) error {
	for _, key := range keys {
		room, err := protocol.ParseRoom(key)
		if err != nil {
			return err
		}
		if err := r.Join(room.Type, room.ID); err != nil {
			return err
		}
	}
	return nil
}

// SendGroupMessage posts message to a group room.
func (r *Registry) SendGroupMessage(groupID, message string) error {
	if err := checkMessage(groupID, message); err != nil {
		return fmt.Errorf("group message: %w", err)
	}
	r.em.Emit(protocol.EventSendGroupMessage, protocol.SendGroupMessage{GroupID: groupID, Message: message})
	return nil
}

// SendProjectMessage posts message to a project room.
func (r *Registry) SendProjectMessage(projectID, message string) error {
	if err := checkMessage(projectID, message); err != nil {
		return fmt.Errorf("project message: %w", err)
	}
	r.em.Emit(protocol.EventSendProjectMessage, protocol.SendProjectMessage{ProjectID: projectID, Message: message})
	return nil
}

// Send posts message to room, whichever its type.
func (r *Registry) Send(room protocol.Room, message string) error {
	switch room.Type {
	case protocol.RoomGroup:
		return r.SendGroupMessage(room.ID, message)
	case protocol.RoomProject:
		return r.SendProjectMessage(room.ID, message)
	default:
		return room.Validate()
	}
}

func checkMessage(id, message string) error {
	if id == "" {
		return fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is empty")
	}
	return nil
}

// Attach replays the desired set on every connection and rejoin broadcast
// of m.
func (r *Registry) Attach(m *realtime.Manager) eventbus.Unsubscribe {
	return eventbus.All(
		m.OnConnect(func(realtime.State) { r.OnReconnected() }),
		m.OnRejoin(r.OnReconnected),
	)
}
