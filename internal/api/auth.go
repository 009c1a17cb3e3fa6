// Package api implements HTTP handlers and helpers for the optimization service.
package api

import (
	"context"
	"net/http"
	"strings"

	"pharmaopt/internal/opt"
)

type principalKey struct{}

type Principal struct {
	Tenant string
	Role   string // admin, planner, viewer
}

// getPrincipal returns the principal set by authenticate, or else extracts
// tenant and role from headers. With AUTH_MODE=none a request without a role
// is treated as admin, matching local development setups; with
// AUTH_MODE=header it gets read-only viewer access.
func (s *Server) getPrincipal(r *http.Request) Principal {
	if p, ok := r.Context().Value(principalKey{}).(Principal); ok {
		return p
	}
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
		if s.Config.AuthMode == "header" {
			role = "viewer"
		}
	}
	return Principal{Tenant: tenant, Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanPlan reports whether the principal may start or clear optimization runs.
func (p Principal) CanPlan() bool { return p.IsAdmin() || p.Role == "planner" }

// sessionKey scopes a client-supplied session id to the principal's tenant.
// Locks, history and event topics all use this key.
func (p Principal) sessionKey(session string) string {
	if session == "" {
		session = opt.DefaultSession
	}
	return p.Tenant + "/" + session
}

// requestSession reads the session id from the query string, then the X-Session-Id header.
func requestSession(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("sessionId")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Session-Id"))
}

// authenticate verifies the bearer token when a token auth mode is configured.
// Browsers cannot set headers on WebSocket upgrades, so access_token is also
// accepted as a query parameter.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	if s.verifier == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if strings.TrimSpace(token) == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required", r.URL.Path)
			return
		}
		ap, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, Principal{Tenant: ap.Tenant, Role: ap.Role})
		next(w, r.WithContext(ctx))
	}
}
