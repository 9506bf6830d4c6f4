package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client holds the Prometheus metrics of a realtime client session.
type Client struct {
	ConnectionStatus    *prometheus.GaugeVec
	ReconnectAttempts   prometheus.Counter
	EventsTotal         *prometheus.CounterVec
	DroppedEmitsTotal   *prometheus.CounterVec
	ProtocolErrorsTotal prometheus.Counter
	ListenerPanicsTotal prometheus.Counter
	UnreadNotifications prometheus.Gauge
}

// Hub holds the Prometheus metrics of the development hub.
type Hub struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	RoomsActive       prometheus.Gauge
}

// NewClient creates and registers the client metrics with reg.
// A nil reg registers with the default registry.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(registerer(reg))
	return &Client{
		ConnectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashsync_client_connection_status",
			Help: "Current connection status (1 for the active status label)",
		}, []string{"status"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_client_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_client_events_total",
			Help: "Events exchanged over the realtime channel",
		}, []string{"direction", "event"}),
		DroppedEmitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_client_dropped_emits_total",
			Help: "Outbound events dropped",
		}, []string{"reason"}),
		ProtocolErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_client_protocol_errors_total",
			Help: "Malformed or unrecognized inbound frames",
		}),
		ListenerPanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_client_listener_panics_total",
			Help: "Recovered panics raised by event listeners",
		}),
		UnreadNotifications: f.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_client_unread_notifications",
			Help: "Unread notification counter",
		}),
	}
}

// NewHub creates and registers the hub metrics with reg.
// A nil reg registers with the default registry.
func NewHub(reg prometheus.Registerer) *Hub {
	f := promauto.With(registerer(reg))
	return &Hub{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_hub_connections_total",
			Help: "Total connections handled",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_hub_active_connections",
			Help: "Current active connections",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_hub_messages_total",
			Help: "Total frames handled",
		}, []string{"direction"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_hub_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_hub_rooms_active",
			Help: "Rooms with at least one member",
		}),
	}
}

// SetStatus marks status as the only active connection status.
func (c *Client) SetStatus(status string) {
	if c == nil {
		return
	}
	for _, s := range []string{"disconnected", "connecting", "connected", "error"} {
		v := 0.0
		if s == status {
			v = 1
		}
		c.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}
