// Package auth also provides the review API's authentication middleware:
// bearer JWT (validated against JWKSCache) with a cookie-backed Session as
// the alternate path, generalizing internal/shared/auth/middleware.go's
// context-key/RequireRoles shape onto this package's Role/Permission model.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attendite/ieim/internal/ieimerrors"
)

type contextKey string

const actorContextKey contextKey = "ieim_actor"

// Actor is the authenticated principal for one request.
type Actor struct {
	ID    string
	Roles []Role
}

func (a *Actor) HasPermission(perm Permission) bool   { return HasPermission(a.Roles, perm) }
func (a *Actor) CanApproveDraft(queueID string) bool { return CanApproveDraft(a.Roles, queueID) }

// SessionStore resolves a session cookie value to a live Session, backing
// the alternate (non-bearer) auth path.
type SessionStore interface {
	Get(sessionID string) (*Session, bool)
}

type claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id,omitempty"`
}

// Middleware authenticates each request via bearer JWT or, failing that, a
// session cookie, and stores the resulting Actor in the request context.
func Middleware(jwks *JWKSCache, sessions SessionStore, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := authenticate(r, jwks, sessions, cookieName)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, jwks *JWKSCache, sessions SessionStore, cookieName string) (*Actor, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return authenticateBearer(parts[1], jwks)
		}
	}
	if cookieName != "" && sessions != nil {
		if cookie, err := r.Cookie(cookieName); err == nil {
			if sess, ok := sessions.Get(cookie.Value); ok && !sess.IsExpired() {
				return &Actor{ID: sess.UserID, Roles: sess.Roles}, nil
			}
		}
	}
	return nil, ieimerrors.New(ieimerrors.KindUnauthenticated, "auth: no valid bearer token or session cookie")
}

func authenticateBearer(tokenString string, jwks *JWKSCache) (*Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, jwks.Keyfunc)
	if err != nil || !token.Valid {
		return nil, ieimerrors.Wrap(ieimerrors.KindUnauthenticated, "auth: invalid bearer token", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return nil, ieimerrors.New(ieimerrors.KindUnauthenticated, "auth: unexpected claims shape")
	}
	roles := make([]Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, Role(r))
	}
	return &Actor{ID: c.Subject, Roles: roles}, nil
}

// ForContext extracts the Actor stored by Middleware, or nil if absent.
func ForContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey).(*Actor)
	return actor
}

// RequirePermission rejects requests whose Actor lacks perm.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ForContext(r.Context())
			if actor == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !actor.HasPermission(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
