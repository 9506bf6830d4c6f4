package hub

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cortexuvula/dashsync/internal/api"
)

type userState struct {
	notifications []api.Notification // newest first
	settings      api.Settings
	subs          map[string]api.PushSubscription // by endpoint
}

// Store keeps per-user notifications, settings and push subscriptions in
// memory. Nothing survives a restart.
type Store struct {
	mu        sync.Mutex
	users     map[string]*userState
	publicKey string
	now       func() time.Time
}

// NewStore creates an empty store with a fresh P-256 application server key.
func NewStore() (*Store, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating push key: %w", err)
	}
	return &Store{
		users:     make(map[string]*userState),
		publicKey: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		now:       time.Now,
	}, nil
}

// PublicKey returns the application server public key, unpadded base64url.
func (s *Store) PublicKey() string {
	return s.publicKey
}

func (s *Store) user(id string) *userState {
	u := s.users[id]
	if u == nil {
		u = &userState{
			settings: api.DefaultSettings(),
			subs:     make(map[string]api.PushSubscription),
		}
		s.users[id] = u
	}
	return u
}

// Add stores n for userID, assigning an id and creation time when missing.
func (s *Store) Add(userID string, n api.Notification) api.Notification {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	n.IsRead = false

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.notifications = append([]api.Notification{n}, u.notifications...)
	return n
}

// List returns the user's notifications, newest first, with the unread count.
func (s *Store) List(userID string) api.NotificationList {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	out := api.NotificationList{Notifications: make([]api.Notification, len(u.notifications))}
	copy(out.Notifications, u.notifications)
	out.UnreadCount = unread(u)
	return out
}

// Unread returns the user's unread count.
func (s *Store) Unread(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unread(s.user(userID))
}

func unread(u *userState) int {
	n := 0
	for _, x := range u.notifications {
		if !x.IsRead {
			n++
		}
	}
	return n
}

// MarkRead marks one notification read. Returns false if it does not exist.
func (s *Store) MarkRead(userID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	for i := range u.notifications {
		if u.notifications[i].ID == id {
			u.notifications[i].IsRead = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every notification of the user read.
func (s *Store) MarkAllRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	for i := range u.notifications {
		u.notifications[i].IsRead = true
	}
}

// Delete removes one notification. Returns false if it does not exist.
func (s *Store) Delete(userID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	for i := range u.notifications {
		if u.notifications[i].ID == id {
			u.notifications = append(u.notifications[:i], u.notifications[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteAll removes every notification of the user.
func (s *Store) DeleteAll(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).notifications = nil
}

// Settings returns the user's notification preferences.
func (s *Store) Settings(userID string) api.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(userID).settings
}

// SetSettings replaces the user's notification preferences.
func (s *Store) SetSettings(userID string, settings api.Settings) api.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).settings = settings
	return settings
}

// Subscribe records a push subscription, replacing any with the same endpoint.
func (s *Store) Subscribe(userID string, sub api.PushSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).subs[sub.Endpoint] = sub
}

// Unsubscribe forgets a push subscription. Returns false if it was unknown.
func (s *Store) Unsubscribe(userID, endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	if _, ok := u.subs[endpoint]; !ok {
		return false
	}
	delete(u.subs, endpoint)
	return true
}

// Subscriptions returns the user's push subscriptions ordered by endpoint.
func (s *Store) Subscriptions(userID string) []api.PushSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	out := make([]api.PushSubscription, 0, len(u.subs))
	for _, sub := range u.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
