package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClient(reg)

	m.SetStatus("connected")
	m.ReconnectAttempts.Inc()
	m.EventsTotal.WithLabelValues("inbound", "userTyping").Inc()
	m.DroppedEmitsTotal.WithLabelValues("not_connected").Inc()
	m.ProtocolErrorsTotal.Inc()
	m.ListenerPanicsTotal.Inc()
	m.UnreadNotifications.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"dashsync_client_connection_status",
		"dashsync_client_reconnect_attempts_total",
		"dashsync_client_events_total",
		"dashsync_client_dropped_emits_total",
		"dashsync_client_protocol_errors_total",
		"dashsync_client_listener_panics_total",
		"dashsync_client_unread_notifications",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}

func TestSetStatusIsExclusive(t *testing.T) {
	m := NewClient(prometheus.NewRegistry())

	m.SetStatus("connecting")
	m.SetStatus("error")

	if v := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("error")); v != 1 {
		t.Errorf("error status = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connecting")); v != 0 {
		t.Errorf("connecting status = %v, want 0", v)
	}
}

func TestSetStatusNilSafe(t *testing.T) {
	var m *Client
	m.SetStatus("connected") // must not panic
}

func TestNewHub(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHub(reg)

	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Set(2)
	m.MessagesTotal.WithLabelValues("inbound").Inc()
	m.ErrorsTotal.WithLabelValues("accept_failure").Inc()
	m.RoomsActive.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("gathered %d families, want 5", len(families))
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two sessions in one process must not collide on registration.
	NewClient(prometheus.NewRegistry())
	NewClient(prometheus.NewRegistry())
}
