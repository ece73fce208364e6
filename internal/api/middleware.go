package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/herdcast/herdcast/internal/apierrors"
)

type contextKey string

const userKey contextKey = "user"

// userHeader identifies the caller; there is no authentication layer in
// front of this service, ownership scoping is all it provides.
const userHeader = "X-User-ID"

func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(userHeader))
		if user != "" {
			r = r.WithContext(context.WithValue(r.Context(), userKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

// userFrom returns the caller id or "" when the header was absent.
func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

// requireUser extracts the caller id or fails with 401.
func requireUser(r *http.Request) (string, error) {
	user := userFrom(r)
	if user == "" {
		return "", apierrors.New(apierrors.CodeRequestValidation,
			"missing "+userHeader+" header",
			apierrors.WithStatus(http.StatusUnauthorized))
	}
	return user, nil
}
