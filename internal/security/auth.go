package security

import (
	"crypto/subtle"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and the token is trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ResolveUser maps a bearer token to its user id using users (token -> user
// id). Every entry is compared so the lookup time does not depend on which
// token matched. An empty map accepts any non-empty token as its own user id.
func ResolveUser(token string, users map[string]string) (string, bool) {
	if token == "" {
		return "", false
	}
	if len(users) == 0 {
		return token, true
	}
	var userID string
	for t, u := range users {
		if TokenMatch(token, t) {
			userID = u
		}
	}
	return userID, userID != ""
}
