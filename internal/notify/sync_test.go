package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cortexuvula/dashsync/internal/api"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/protocol"
)

type fakeStore struct {
	mu           sync.Mutex
	list         api.NotificationList
	unread       int
	err          error
	markRead     []string
	markAll      int
	deleted      []string
	deleteAll    int
	settings     api.Settings
	markReadHook func()
	fetchHook    func()
}

func (f *fakeStore) Notifications(context.Context) (api.NotificationList, error) {
	f.mu.Lock()
	hook := f.fetchHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, f.err
}

func (f *fakeStore) UnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.err
}

func (f *fakeStore) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	hook := f.markReadHook
	f.markRead = append(f.markRead, id)
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeStore) MarkAllRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAll++
	return f.err
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeStore) DeleteAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteAll++
	return f.err
}

func (f *fakeStore) Settings(context.Context) (api.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.err
}

func (f *fakeStore) UpdateSettings(_ context.Context, s api.Settings) (api.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return api.Settings{}, f.err
	}
	f.settings = s
	return s, nil
}

func unreadList(ids ...string) api.NotificationList {
	list := api.NotificationList{UnreadCount: len(ids)}
	for _, id := range ids {
		list.Notifications = append(list.Notifications, api.Notification{ID: id, Title: "t " + id})
	}
	return list
}

func loaded(t *testing.T, ids ...string) (*Synchronizer, *fakeStore) {
	t.Helper()
	store := &fakeStore{list: unreadList(ids...)}
	s := New(store, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return s, store
}

func TestLoad(t *testing.T) {
	store := &fakeStore{list: unreadList("n1", "n2", "n1")}
	store.list.UnreadCount = 2
	s := New(store, nil)

	if s.State().Loaded {
		t.Fatal("state should not be loaded before Load")
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if !st.Loaded || len(st.Notifications) != 2 || st.UnreadCount != 2 {
		t.Errorf("state = %+v, want 2 deduplicated notifications", st)
	}
}

func TestLoadKeepsPushesReceivedDuringFetch(t *testing.T) {
	s, store := loaded(t, "n1")

	release := make(chan struct{})
	entered := make(chan struct{})
	store.fetchHook = func() {
		close(entered)
		<-release
	}
	done := make(chan error, 1)
	go func() { done <- s.Load(context.Background()) }()
	<-entered

	s.Receive(protocol.Notification{ID: "n2"})
	s.Receive(protocol.Notification{ID: "n0"})
	// n0 is already part of the server's answer.
	store.mu.Lock()
	store.list = unreadList("n0", "n1")
	store.mu.Unlock()

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	st := s.State()
	var ids []string
	for _, n := range st.Notifications {
		ids = append(ids, n.ID)
	}
	if len(ids) != 3 || ids[0] != "n2" || ids[1] != "n0" || ids[2] != "n1" {
		t.Errorf("ids = %v, want [n2 n0 n1]", ids)
	}
	if st.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", st.UnreadCount)
	}

	// Without a fetch in flight, Load replaces the list again.
	store.fetchHook = nil
	store.list = unreadList("n1")
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); len(st.Notifications) != 1 || st.UnreadCount != 1 {
		t.Errorf("state after plain reload = %+v, want only n1", st)
	}
}

func TestReceiveDeduplicates(t *testing.T) {
	s, _ := loaded(t, "n1")

	ev := protocol.Notification{ID: "n2", Type: "mention", Title: "hi", Data: []byte(`{"relatedId":"task-9"}`)}
	if !s.Receive(ev) {
		t.Fatal("first push should be accepted")
	}
	if s.Receive(ev) {
		t.Error("second push with the same id should be ignored")
	}
	if s.Receive(protocol.Notification{ID: "n1"}) {
		t.Error("push of an already fetched id should be ignored")
	}

	st := s.State()
	if len(st.Notifications) != 2 || st.UnreadCount != 2 {
		t.Fatalf("state = %+v, want 2 entries and 2 unread", st)
	}
	if first := st.Notifications[0]; first.ID != "n2" || first.RelatedID != "task-9" || first.CreatedAt.IsZero() {
		t.Errorf("newest = %+v, want n2 with relatedId task-9", first)
	}
}

func TestMarkAsReadDecrementsOnce(t *testing.T) {
	s, store := loaded(t, "n1", "n2")

	for i := 0; i < 2; i++ {
		if err := s.MarkAsRead(context.Background(), "n1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	if err := s.MarkAsRead(context.Background(), "missing"); err != nil {
		t.Fatal(err)
	}
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("unread after unknown id = %d, want 1", got)
	}
	if len(store.markRead) != 3 {
		t.Errorf("server calls = %d, want 3", len(store.markRead))
	}
}

func TestStaleMarkReadAfterMarkAll(t *testing.T) {
	s, store := loaded(t, "n1", "n2", "n3")

	s.Receive(protocol.Notification{ID: "n4"})
	if got := s.UnreadCount(); got != 4 {
		t.Fatalf("unread after push = %d, want 4", got)
	}

	release := make(chan struct{})
	entered := make(chan struct{})
	store.markReadHook = func() {
		close(entered)
		<-release
	}
	done := make(chan error, 1)
	go func() { done <- s.MarkAsRead(context.Background(), "n1") }()
	<-entered

	if err := s.MarkAllAsRead(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.UnreadCount(); got != 0 {
		t.Fatalf("unread after MarkAllAsRead = %d, want 0", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("unread after stale mark-read response = %d, want 0", got)
	}

	// Later pushes still count.
	s.Receive(protocol.Notification{ID: "n5"})
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("unread after new push = %d, want 1", got)
	}
}

func TestDelete(t *testing.T) {
	s, store := loaded(t, "n1", "n2")
	s.MarkAsRead(context.Background(), "n2")

	s.Delete(context.Background(), "n2")
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("unread after deleting a read entry = %d, want 1", got)
	}
	s.Delete(context.Background(), "n1")
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("unread after deleting an unread entry = %d, want 0", got)
	}
	s.Delete(context.Background(), "n1")
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("unread after repeated delete = %d, want 0", got)
	}
	if len(store.deleted) != 3 {
		t.Errorf("server deletes = %d, want 3", len(store.deleted))
	}

	s.Receive(protocol.Notification{ID: "n9"})
	s.DeleteAll(context.Background())
	if st := s.State(); len(st.Notifications) != 0 || st.UnreadCount != 0 {
		t.Errorf("state after DeleteAll = %+v", st)
	}
}

func TestFailedMutationKeepsLocalState(t *testing.T) {
	s, store := loaded(t, "n1")
	store.err = errors.New("server down")

	if err := s.MarkAsRead(context.Background(), "n1"); err == nil {
		t.Fatal("expected error from server")
	}
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("unread = %d, want optimistic 0 without rollback", got)
	}
}

func TestRefreshServerWins(t *testing.T) {
	s, store := loaded(t, "n1")
	s.Receive(protocol.Notification{ID: "n2"})
	s.Receive(protocol.Notification{ID: "n3"})

	store.unread = 1
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.UnreadCount(); got != 1 {
		t.Errorf("unread = %d, want server value 1", got)
	}

	store.unread = -4
	s.Refresh(context.Background())
	if got := s.UnreadCount(); got != 0 {
		t.Errorf("unread = %d, want clamp to 0", got)
	}
}

func TestRunPolls(t *testing.T) {
	store := &fakeStore{unread: 7}
	s := New(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.UnreadCount() != 7 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := s.UnreadCount(); got != 7 {
		t.Errorf("unread = %d, want 7 after poll", got)
	}
}

func TestOnChangeAndGauge(t *testing.T) {
	mc := metrics.NewClient(prometheus.NewRegistry())
	s := New(&fakeStore{}, mc)

	var counts []int
	unsub := s.OnChange(func(st State) { counts = append(counts, st.UnreadCount) })
	s.Receive(protocol.Notification{ID: "a"})
	s.Receive(protocol.Notification{ID: "b"})
	unsub()
	s.Receive(protocol.Notification{ID: "c"})

	if len(counts) != 2 || counts[1] != 2 {
		t.Errorf("OnChange counts = %v, want [1 2]", counts)
	}
	if v := testutil.ToFloat64(mc.UnreadNotifications); v != 3 {
		t.Errorf("unread gauge = %v, want 3", v)
	}
}

func TestSettings(t *testing.T) {
	store := &fakeStore{settings: api.DefaultSettings()}
	s := New(store, nil)

	got, err := s.Settings(context.Background())
	if err != nil || !got.Push.Mention {
		t.Fatalf("Settings() = %+v, %v", got, err)
	}
	got.Push.Mention = false
	updated, err := s.UpdateSettings(context.Background(), got)
	if err != nil || updated.Push.Mention {
		t.Errorf("UpdateSettings() = %+v, %v", updated, err)
	}
}
