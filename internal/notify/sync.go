// Package notify reconciles the notification list and unread counter from
// three sources: full fetches, realtime pushes and local optimistic
// mutations. A periodic re-poll overwrites the counter with the server's.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/dashsync/internal/api"
	"github.com/cortexuvula/dashsync/internal/eventbus"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/realtime"
)

// DefaultPollInterval is the re-poll period used when Run gets a
// non-positive interval.
const DefaultPollInterval = 30 * time.Second

// Store is the REST collaborator of the synchronizer. *api.Client implements it.
type Store interface {
	Notifications(ctx context.Context) (api.NotificationList, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Settings(ctx context.Context) (api.Settings, error)
	UpdateSettings(ctx context.Context, s api.Settings) (api.Settings, error)
}

// State is a snapshot of the synchronizer.
type State struct {
	Notifications []api.Notification `json:"notifications"`
	UnreadCount   int                `json:"unread_count"`
	Loaded        bool               `json:"loaded"`
	LastSync      time.Time          `json:"last_sync,omitzero"`
}

// Synchronizer owns the client view of notifications, newest first.
type Synchronizer struct {
	store   Store
	metrics *metrics.Client

	mu       sync.Mutex
	list     []api.Notification
	unread   int
	loaded   bool
	lastSync time.Time

	// Pushes received while at least one Load is fetching.
	fetching int
	arrived  map[string]struct{}

	onChange *eventbus.Bus[State]
}

// New creates an empty synchronizer. mc may be nil.
func New(store Store, mc *metrics.Client) *Synchronizer {
	return &Synchronizer{
		store:    store,
		metrics:  mc,
		onChange: eventbus.New[State]("notifications", nil),
	}
}

// Attach feeds realtime notification pushes into s. Every (re)connection
// refreshes the counter, since pushes are missed while disconnected, and
// every rejoin broadcast reloads the list. The background fetches use ctx.
func (s *Synchronizer) Attach(ctx context.Context, m *realtime.Manager) eventbus.Unsubscribe {
	return eventbus.All(
		realtime.Handle(m, protocol.EventNotification, func(n protocol.Notification) { s.Receive(n) }),
		m.OnConnect(func(realtime.State) {
			go func() {
				if err := s.Refresh(ctx); err != nil {
					slog.Warn("notification refresh after connect failed", "error", err)
				}
			}()
		}),
		m.OnRejoin(func() {
			go func() {
				if err := s.Load(ctx); err != nil {
					slog.Warn("notification reload failed", "error", err)
				}
			}()
		}),
	)
}

// OnChange registers fn for every state change.
func (s *Synchronizer) OnChange(fn func(State)) eventbus.Unsubscribe {
	return s.onChange.Subscribe(fn)
}

// Load replaces the list and counter with a full fetch. Pushes received
// while the fetch was in flight and missing from its result are kept on
// top and counted.
func (s *Synchronizer) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.fetching == 0 {
		s.arrived = make(map[string]struct{})
	}
	s.fetching++
	s.mu.Unlock()

	list, err := s.store.Notifications(ctx)

	s.mu.Lock()
	s.fetching--
	if err != nil {
		s.doneFetchingLocked()
		s.mu.Unlock()
		return err
	}

	fetched := dedupe(list.Notifications)
	unread := max(list.UnreadCount, 0)
	have := make(map[string]struct{}, len(fetched))
	for _, n := range fetched {
		have[n.ID] = struct{}{}
	}
	var kept []api.Notification
	for _, n := range s.list {
		if _, ok := s.arrived[n.ID]; !ok {
			continue
		}
		if _, ok := have[n.ID]; ok {
			continue
		}
		kept = append(kept, n)
		if !n.IsRead {
			unread++
		}
	}
	s.list = append(kept, fetched...)
	s.unread = unread
	s.loaded = true
	s.lastSync = time.Now()
	s.doneFetchingLocked()
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Synchronizer) doneFetchingLocked() {
	if s.fetching == 0 {
		s.arrived = nil
	}
}

// Refresh overwrites the counter with the server's unread count.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	n, err := s.store.UnreadCount(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	drift := n != s.unread
	s.unread = max(n, 0)
	s.lastSync = time.Now()
	s.mu.Unlock()

	if drift {
		slog.Debug("unread counter reconciled with server", "unread", n)
	}
	s.changed()
	return nil
}

// Run re-polls the unread count every interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("notification re-poll failed", "error", err)
			}
		}
	}
}

// Receive inserts a pushed notification. Returns false for an id already
// in the list.
func (s *Synchronizer) Receive(ev protocol.Notification) bool {
	n := FromEvent(ev)

	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		slog.Debug("duplicate notification ignored", "id", n.ID)
		return false
	}
	s.list = append([]api.Notification{n}, s.list...)
	s.unread++
	if s.fetching > 0 {
		s.arrived[n.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.changed()
	return true
}

// MarkAsRead marks id read locally, then on the server. The local change
// decrements the counter at most once however often it is repeated; the
// server response re-applies the same transition. A failed server call is
// logged and returned without rolling back.
func (s *Synchronizer) MarkAsRead(ctx context.Context, id string) error {
	if s.markRead(id) {
		s.changed()
	}
	if err := s.store.MarkRead(ctx, id); err != nil {
		slog.Warn("mark notification read failed", "id", id, "error", err)
		return err
	}
	if s.markRead(id) {
		s.changed()
	}
	return nil
}

func (s *Synchronizer) markRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 || s.list[i].IsRead {
		return false
	}
	s.list[i].IsRead = true
	s.unread = max(s.unread-1, 0)
	return true
}

// MarkAllAsRead marks every loaded notification read and zeroes the counter.
func (s *Synchronizer) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.list {
		s.list[i].IsRead = true
	}
	s.unread = 0
	s.mu.Unlock()
	s.changed()

	if err := s.store.MarkAllRead(ctx); err != nil {
		slog.Warn("mark all notifications read failed", "error", err)
		return err
	}
	return nil
}

// Delete removes id, decrementing the counter if it was unread.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	removed := false
	if i := s.indexLocked(id); i >= 0 {
		if !s.list[i].IsRead {
			s.unread = max(s.unread-1, 0)
		}
		s.list = append(s.list[:i:i], s.list[i+1:]...)
		removed = true
	}
	s.mu.Unlock()
	if removed {
		s.changed()
	}

	if err := s.store.Delete(ctx, id); err != nil {
		slog.Warn("delete notification failed", "id", id, "error", err)
		return err
	}
	return nil
}

// DeleteAll clears the list and zeroes the counter.
func (s *Synchronizer) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	s.list = nil
	s.unread = 0
	s.mu.Unlock()
	s.changed()

	if err := s.store.DeleteAll(ctx); err != nil {
		slog.Warn("delete all notifications failed", "error", err)
		return err
	}
	return nil
}

// Settings fetches the notification settings.
func (s *Synchronizer) Settings(ctx context.Context) (api.Settings, error) {
	return s.store.Settings(ctx)
}

// UpdateSettings stores new notification settings.
func (s *Synchronizer) UpdateSettings(ctx context.Context, settings api.Settings) (api.Settings, error) {
	out, err := s.store.UpdateSettings(ctx, settings)
	if err != nil {
		slog.Warn("update notification settings failed", "error", err)
		return api.Settings{}, err
	}
	return out, nil
}

// UnreadCount returns the local counter.
func (s *Synchronizer) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// State returns a snapshot.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Synchronizer) stateLocked() State {
	return State{
		Notifications: append([]api.Notification(nil), s.list...),
		UnreadCount:   s.unread,
		Loaded:        s.loaded,
		LastSync:      s.lastSync,
	}
}

func (s *Synchronizer) indexLocked(id string) int {
	for i, n := range s.list {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) changed() {
	st := s.State()
	if s.metrics != nil {
		s.metrics.UnreadNotifications.Set(float64(st.UnreadCount))
	}
	s.onChange.Publish(st)
}

// FromEvent converts a realtime notification push into the list form.
// Pushed notifications are unread.
func FromEvent(ev protocol.Notification) api.Notification {
	created := ev.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return api.Notification{
		ID:        ev.ID,
		Type:      ev.Type,
		Title:     ev.Title,
		Message:   ev.Message,
		RelatedID: ev.RelatedID(),
		CreatedAt: created,
	}
}

func dedupe(in []api.Notification) []api.Notification {
	seen := make(map[string]struct{}, len(in))
	out := make([]api.Notification, 0, len(in))
	for _, n := range in {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}
