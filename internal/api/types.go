package api

import "time"

// Notification is a notification as served by the REST API.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RelatedID string    `json:"relatedId,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationList is the response of GET /notifications.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

// UnreadCount is the response of GET /notifications/unread-count.
type UnreadCount struct {
	UnreadCount int `json:"unreadCount"`
}

// CategorySettings toggles one delivery channel per event category.
type CategorySettings struct {
	TaskAssigned  bool `json:"taskAssigned"`
	TaskUpdated   bool `json:"taskUpdated"`
	Comment       bool `json:"comment"`
	Mention       bool `json:"mention"`
	ProjectUpdate bool `json:"projectUpdate"`
	GroupInvite   bool `json:"groupInvite"`
}

// Settings are the per-user notification preferences.
type Settings struct {
	Push  CategorySettings `json:"push"`
	Email CategorySettings `json:"email"`
	InApp CategorySettings `json:"inApp"`
}

// DefaultSettings enables every category on every channel.
func DefaultSettings() Settings {
	all := CategorySettings{
		TaskAssigned:  true,
		TaskUpdated:   true,
		Comment:       true,
		Mention:       true,
		ProjectUpdate: true,
		GroupInvite:   true,
	}
	return Settings{Push: all, Email: all, InApp: all}
}

// PublicKey is the response of GET /push/public-key.
type PublicKey struct {
	PublicKey string `json:"publicKey"`
}

// SubscriptionKeys are the client keys of a push subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is the record sent to POST /push/subscribe.
type PushSubscription struct {
	Endpoint  string           `json:"endpoint"`
	Keys      SubscriptionKeys `json:"keys"`
	UserAgent string           `json:"userAgent,omitempty"`
}

// Unsubscribe is the body of POST /push/unsubscribe.
type Unsubscribe struct {
	Endpoint string `json:"endpoint"`
}

// ErrorBody is the JSON error payload returned by the API.
type ErrorBody struct {
	Error string `json:"error"`
}
