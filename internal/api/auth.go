package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// KeyLookup resolves an API key to a user. Banned and unknown keys both
// come back not-found.
type KeyLookup interface {
	UserByKey(ctx context.Context, apiKey string) (models.User, bool, error)
}

type contextKey int

const userContextKey contextKey = 0

// requireKey authenticates requests by the X-API-Key header and stores the
// resolved user in the request context.
func requireKey(users KeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized.")
				return
			}
			user, found, err := users.UserByKey(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal server error.")
				return
			}
			if !found {
				writeError(w, http.StatusUnauthorized, "Unauthorized.")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
		})
	}
}

// userFrom returns the authenticated user placed by requireKey.
func userFrom(ctx context.Context) models.User {
	user, _ := ctx.Value(userContextKey).(models.User)
	return user
}

// newSecret mints an API key or invite code: 32 random bytes, hex encoded.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
