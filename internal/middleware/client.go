package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
)

// ClientCookie carries the browser client id.
const ClientCookie = "assistant_client"

type stateKey struct{}

// Client resolves the caller's assistant.State from the client cookie,
// issuing a new id when the cookie is missing or unusable.
func Client(reg *assistant.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var current string
			if c, err := r.Cookie(ClientCookie); err == nil {
				current = c.Value
			}

			id, st := reg.Get(current)
			if id != current {
				http.SetCookie(w, &http.Cookie{
					Name:     ClientCookie,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
					Expires:  time.Now().Add(365 * 24 * time.Hour),
				})
			}

			next.ServeHTTP(w, r.WithContext(WithState(r.Context(), st)))
		})
	}
}

// WithState stores st in ctx.
func WithState(ctx context.Context, st *assistant.State) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFrom returns the client state set by Client, or nil.
func StateFrom(ctx context.Context) *assistant.State {
	st, _ := ctx.Value(stateKey{}).(*assistant.State)
	return st
}
