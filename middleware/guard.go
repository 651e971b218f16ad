package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

// Mode selects how much of a pending-auth token a guard checks.
type Mode int

const (
	// ModeTokenOnly checks signature, expiry and claims without I/O.
	ModeTokenOnly Mode = iota
	// ModeStrict additionally loads the pending session from the store.
	ModeStrict
)

// PendingAuth is the verified pending-auth state of a request.
type PendingAuth struct {
	UserID    string
	PendingID string
	ExpiresAt time.Time
	// Session is only set by ModeStrict.
	Session *goMFA.PendingSession
}

type pendingAuthContextKey struct{}

func PendingAuthFromContext(ctx context.Context) (*PendingAuth, bool) {
	res, ok := ctx.Value(pendingAuthContextKey{}).(*PendingAuth)
	return res, ok
}

func Guard(engine *goMFA.Engine, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			parsed, err := engine.ParsePendingToken(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			auth := &PendingAuth{
				UserID:    parsed.UserID,
				PendingID: parsed.PendingID,
				ExpiresAt: parsed.ExpiresAt,
			}

			if mode == ModeStrict {
				session, err := engine.GetPendingSession(r.Context(), parsed.PendingID)
				if err != nil {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				if session == nil || session.UserID != parsed.UserID {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				auth.Session = session
			}

			ctx := context.WithValue(r.Context(), pendingAuthContextKey{}, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
