// Package protocol defines the realtime wire contract: the frame envelope,
// event names, and payload shapes exchanged with the event server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Outbound event names (client -> server).
const (
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventTyping             = "typing"
	EventSendGroupMessage   = "sendGroupMessage"
	EventSendProjectMessage = "sendProjectMessage"
)

// Inbound event names (server -> client). EventConnect, EventDisconnect and
// EventConnectError are lifecycle events synthesized by the client.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventNewGroupMessage   = "newGroupMessage"
	EventNewProjectMessage = "newProjectMessage"
	EventUserTyping        = "userTyping"
	EventUserConnected     = "userConnected"
	EventUserDisconnected  = "userDisconnected"
	EventNotification      = "notification"
	EventRoomJoined        = "roomJoined"
	EventRoomLeft          = "roomLeft"
	EventRoomUsers         = "roomUsers"
)

var inboundEvents = map[string]struct{}{
	EventNewGroupMessage:   {},
	EventNewProjectMessage: {},
	EventUserTyping:        {},
	EventUserConnected:     {},
	EventUserDisconnected:  {},
	EventNotification:      {},
	EventRoomJoined:        {},
	EventRoomLeft:          {},
	EventRoomUsers:         {},
}

var outboundEvents = map[string]struct{}{
	EventJoinRoom:           {},
	EventLeaveRoom:          {},
	EventTyping:             {},
	EventSendGroupMessage:   {},
	EventSendProjectMessage: {},
}

// IsInbound reports whether event is a server-sent domain event.
func IsInbound(event string) bool {
	_, ok := inboundEvents[event]
	return ok
}

// InboundEvents returns the server-sent domain event names, sorted.
func InboundEvents() []string {
	out := make([]string, 0, len(inboundEvents))
	for e := range inboundEvents {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// IsOutbound reports whether event is a client-sent intent.
func IsOutbound(event string) bool {
	_, ok := outboundEvents[event]
	return ok
}

// Envelope is a single websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ProtocolError reports a malformed or unrecognized frame. The frame is
// dropped; it never tears down the connection.
type ProtocolError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Event != "" {
		msg += " (" + e.Event + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Encode marshals payload into an envelope frame for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a frame into an envelope. accept decides which event names
// are recognized; IsInbound on the client, IsOutbound on the server.
func Decode(frame []byte, accept func(string) bool) (Envelope, error) {
	if !gjson.ValidBytes(frame) {
		return Envelope{}, &ProtocolError{Reason: "frame is not valid JSON"}
	}
	ev := gjson.GetBytes(frame, "event")
	if ev.Type != gjson.String || ev.Str == "" {
		return Envelope{}, &ProtocolError{Reason: "missing event name"}
	}
	if accept != nil && !accept(ev.Str) {
		return Envelope{}, &ProtocolError{Event: ev.Str, Reason: "unrecognized event"}
	}
	data := gjson.GetBytes(frame, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return Envelope{}, &ProtocolError{Event: ev.Str, Reason: "missing data"}
	}
	return Envelope{Event: ev.Str, Data: json.RawMessage(data.Raw)}, nil
}

type validator interface {
	Validate() error
}

// DecodeData unmarshals an envelope payload into T and validates it when T
// implements Validate. Failures are reported as *ProtocolError.
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, &ProtocolError{Event: env.Event, Reason: "malformed payload", Err: err}
	}
	if val, ok := any(&v).(validator); ok {
		if err := val.Validate(); err != nil {
			return v, &ProtocolError{Event: env.Event, Reason: "invalid payload", Err: err}
		}
	}
	return v, nil
}

// RoomType is the scope of a room.
type RoomType string

const (
	RoomGroup   RoomType = "group"
	RoomProject RoomType = "project"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomGroup || t == RoomProject
}

// Room identifies a chat channel.
type Room struct {
	Type RoomType `json:"type"`
	ID   string   `json:"id"`
}

// Key returns the canonical "<type>:<id>" form.
func (r Room) Key() string {
	return string(r.Type) + ":" + r.ID
}

func (r Room) String() string { return r.Key() }

// Validate checks the room type and id.
func (r Room) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown room type %q", r.Type)
	}
	if r.ID == "" {
		return errors.New("missing room id")
	}
	return nil
}

// ParseRoom parses a "<type>:<id>" key.
func ParseRoom(key string) (Room, error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok {
		return Room{}, fmt.Errorf("room %q: expected <type>:<id>", key)
	}
	r := Room{Type: RoomType(typ), ID: id}
	if err := r.Validate(); err != nil {
		return Room{}, fmt.Errorf("room %q: %w", key, err)
	}
	return r, nil
}

// TypingIntent is the payload of the outbound typing event.
type TypingIntent struct {
	Type     RoomType `json:"type"`
	ID       string   `json:"id"`
	IsTyping bool     `json:"isTyping"`
}

// SendGroupMessage is the payload of sendGroupMessage.
type SendGroupMessage struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

// SendProjectMessage is the payload of sendProjectMessage.
type SendProjectMessage struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

// ChatMessage is the payload of newGroupMessage and newProjectMessage.
type ChatMessage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId,omitempty"`
	ProjectID  string    `json:"projectId,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Room returns the room the message is addressed to.
func (m ChatMessage) Room() Room {
	if m.ProjectID != "" {
		return Room{Type: RoomProject, ID: m.ProjectID}
	}
	return Room{Type: RoomGroup, ID: m.GroupID}
}

func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return errors.New("missing message id")
	}
	if m.GroupID == "" && m.ProjectID == "" {
		return errors.New("message has neither groupId nor projectId")
	}
	return nil
}

// UserTyping is the payload of userTyping.
type UserTyping struct {
	UserID    string    `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	RoomType  RoomType  `json:"roomType"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

// Room returns the room the typing state applies to.
func (u UserTyping) Room() Room {
	return Room{Type: u.RoomType, ID: u.RoomID}
}

func (u *UserTyping) Validate() error {
	if u.UserID == "" {
		return errors.New("missing userId")
	}
	return u.Room().Validate()
}

// UserConnected is the payload of userConnected.
type UserConnected struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (u *UserConnected) Validate() error {
	if u.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

// UserDisconnected is the payload of userDisconnected.
type UserDisconnected struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (u *UserDisconnected) Validate() error {
	if u.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

// Notification is the payload of the notification event.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (n *Notification) Validate() error {
	if n.ID == "" {
		return errors.New("missing notification id")
	}
	return nil
}

// RelatedID extracts data.relatedId, the entity the notification refers to.
func (n Notification) RelatedID() string {
	if len(n.Data) == 0 {
		return ""
	}
	return gjson.GetBytes(n.Data, "relatedId").String()
}

// RoomMembership is the payload of roomJoined and roomLeft.
type RoomMembership struct {
	Type   RoomType `json:"type"`
	ID     string   `json:"id"`
	UserID string   `json:"userId,omitempty"`
}

func (m *RoomMembership) Validate() error {
	return Room{Type: m.Type, ID: m.ID}.Validate()
}

// RoomUser is a member entry inside roomUsers.
type RoomUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// RoomUsers is the payload of roomUsers. Room is the "<type>:<id>" key.
type RoomUsers struct {
	Room  string     `json:"room"`
	Users []RoomUser `json:"users"`
	Count int        `json:"count"`
}

func (r *RoomUsers) Validate() error {
	_, err := ParseRoom(r.Room)
	return err
}

// ConnectError is the payload surfaced for connect_error.
type ConnectError struct {
	Message string `json:"message"`
}
