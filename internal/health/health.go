package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/dashsync/internal/hub"
	"github.com/cortexuvula/dashsync/internal/realtime"
	"github.com/cortexuvula/dashsync/internal/session"
)

// Response is the JSON response from the health endpoint.
type Response struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp"`
	Session   *session.Snapshot `json:"session,omitempty"`
	Hub       *hub.Stats        `json:"hub,omitempty"`
	Details   *Details          `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	Goroutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint for a client session, a hub, or
// both when they share a process.
type Handler struct {
	startTime time.Time
	version   string
	detailed  bool
	session   func() session.Snapshot
	hub       func() hub.Stats
}

// NewHandler creates a health handler with no sources attached.
func NewHandler(version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		version:   version,
		detailed:  detailed,
	}
}

// SetSession reports the given session snapshot. The endpoint is degraded
// while the session is not connected.
func (h *Handler) SetSession(fn func() session.Snapshot) {
	h.session = fn
}

// SetHub reports the given hub statistics.
func (h *Handler) SetHub(fn func() hub.Stats) {
	h.hub = fn
}

// ServeHTTP handles health check requests.
// The health listener binds to loopback, separate from the hub listener.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK

	resp := Response{
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.session != nil {
		snap := h.session()
		resp.Session = &snap
		if snap.Connection.Status != realtime.StatusConnected {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}
	}
	if h.hub != nil {
		stats := h.hub()
		resp.Hub = &stats
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			Goroutines: runtime.NumGoroutine(),
			MemoryMB:   float64(memStats.Alloc) / 1024 / 1024,
		}
	}
	resp.Status = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
