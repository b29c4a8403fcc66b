package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	ID    string
	Admin bool
}

type identityKey struct{}

// IdentityFrom returns the caller attached by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type tokenEntry struct {
	token string
	id    Identity
}

// tokens resolves bearer tokens. Admin tokens also act as reviewers.
type tokens []tokenEntry

func newTokens(reviewers, admins map[string]string) tokens {
	var out tokens
	for tok, id := range admins {
		if tok != "" && id != "" {
			out = append(out, tokenEntry{token: tok, id: Identity{ID: id, Admin: true}})
		}
	}
	for tok, id := range reviewers {
		if tok != "" && id != "" {
			out = append(out, tokenEntry{token: tok, id: Identity{ID: id}})
		}
	}
	return out
}

func (t tokens) lookup(token string) (Identity, bool) {
	for _, e := range t {
		if subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1 {
			return e.id, true
		}
	}
	return Identity{}, false
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, ok := s.tokens.lookup(strings.TrimSpace(token))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		if !id.Admin {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
