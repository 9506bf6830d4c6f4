package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cortexuvula/dashsync/internal/api"
)

type userKey struct{}

// requireUser authenticates REST calls and stores the user id in the
// request context.
func (h *Hub) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userID, ok := h.authenticate(r, h.GetConfig(), clientIP)
		if !ok {
			h.countError("unauthorized")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

// rejectLimited answers REST calls over the per-user budget.
func (h *Hub) rejectLimited(w http.ResponseWriter, _ *http.Request) {
	h.countError("rate_limited")
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Hub) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List(userFrom(r)))
}

// createNotification stores a notification for the caller and delivers it
// over the realtime channel. It stands in for the application events that
// raise notifications in production.
func (h *Hub) createNotification(w http.ResponseWriter, r *http.Request) {
	var n api.Notification
	if !decodeBody(w, r, &n) {
		return
	}
	if n.Title == "" && n.Message == "" {
		writeError(w, http.StatusBadRequest, "title or message is required")
		return
	}
	if n.Type == "" {
		n.Type = "system"
	}
	writeJSON(w, http.StatusCreated, h.Notify(userFrom(r), n))
}

func (h *Hub) unreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.UnreadCount{UnreadCount: h.store.Unread(userFrom(r))})
}

func (h *Hub) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Settings(userFrom(r)))
}

func (h *Hub) putSettings(w http.ResponseWriter, r *http.Request) {
	var s api.Settings
	if !decodeBody(w, r, &s) {
		return
	}
	writeJSON(w, http.StatusOK, h.store.SetSettings(userFrom(r), s))
}

func (h *Hub) markRead(w http.ResponseWriter, r *http.Request) {
	if !h.store.MarkRead(userFrom(r), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) markAllRead(w http.ResponseWriter, r *http.Request) {
	h.store.MarkAllRead(userFrom(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if !h.store.Delete(userFrom(r), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) deleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	h.store.DeleteAll(userFrom(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) publicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.PublicKey{PublicKey: h.store.PublicKey()})
}

func (h *Hub) subscribePush(w http.ResponseWriter, r *http.Request) {
	var sub api.PushSubscription
	if !decodeBody(w, r, &sub) {
		return
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint and keys are required")
		return
	}
	h.store.Subscribe(userFrom(r), sub)
	slog.Info("push subscription registered", "user", userFrom(r), "endpoint", sub.Endpoint)
	w.WriteHeader(http.StatusCreated)
}

func (h *Hub) unsubscribePush(w http.ResponseWriter, r *http.Request) {
	var body api.Unsubscribe
	if !decodeBody(w, r, &body) {
		return
	}
	if !h.store.Unsubscribe(userFrom(r), body.Endpoint) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testPush simulates a push delivery to each registered subscription. The
// hub has no push service, so delivery is a notification event on the
// user's open connections.
func (h *Hub) testPush(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	subs := h.store.Subscriptions(userID)
	if len(subs) == 0 {
		writeError(w, http.StatusConflict, "no push subscription registered")
		return
	}
	for _, sub := range subs {
		slog.Info("push test delivery", "user", userID, "endpoint", sub.Endpoint)
	}
	n := h.Notify(userID, api.Notification{
		Type:    "push_test",
		Title:   "Test notification",
		Message: "Push notifications are working.",
	})
	writeJSON(w, http.StatusAccepted, n)
}
