package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cortexuvula/dashsync/internal/hub"
	"github.com/cortexuvula/dashsync/internal/realtime"
	"github.com/cortexuvula/dashsync/internal/session"
)

func serve(t *testing.T, h *Handler) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestHealthHandler_SessionConnected(t *testing.T) {
	h := NewHandler("test-version", true)
	h.SetSession(func() session.Snapshot {
		return session.Snapshot{
			Connection: realtime.State{Status: realtime.StatusConnected},
			Gate:       "ready",
			Rooms:      []string{"group:42"},
			Unread:     3,
		}
	})

	rec, resp := serve(t, h)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.Session == nil || resp.Session.Unread != 3 || len(resp.Session.Rooms) != 1 {
		t.Errorf("session = %+v", resp.Session)
	}
	if resp.Hub != nil {
		t.Error("hub should be omitted when no hub is attached")
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_SessionDisconnected(t *testing.T) {
	tests := []realtime.Status{
		realtime.StatusDisconnected,
		realtime.StatusConnecting,
		realtime.StatusError,
	}

	for _, st := range tests {
		t.Run(string(st), func(t *testing.T) {
			h := NewHandler("test-version", false)
			h.SetSession(func() session.Snapshot {
				return session.Snapshot{Connection: realtime.State{Status: st}}
			})

			rec, resp := serve(t, h)

			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
			}
			if resp.Status != "degraded" {
				t.Errorf("status = %q, want %q", resp.Status, "degraded")
			}
			if resp.Version != "" || resp.Details != nil {
				t.Error("version and details are only reported in detailed mode")
			}
		})
	}
}

func TestHealthHandler_Hub(t *testing.T) {
	h := NewHandler("test-version", false)
	h.SetHub(func() hub.Stats {
		return hub.Stats{ActiveConnections: 2, Rooms: 1, OnlineUsers: 2}
	})

	rec, resp := serve(t, h)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp.Hub == nil || resp.Hub.ActiveConnections != 2 || resp.Hub.OnlineUsers != 2 {
		t.Errorf("hub = %+v", resp.Hub)
	}
	if resp.Session != nil {
		t.Error("session should be omitted when no session is attached")
	}
}
