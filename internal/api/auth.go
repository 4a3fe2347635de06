// Package api implements HTTP handlers and helpers for the duty swap service.
package api

import (
    "net/http"
    "strings"

    "unibus/internal/swap"
)

type Principal struct {
	Role     string // admin, moderator, driver
	DriverID string
}

// getPrincipal extracts role and driver identity from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return Principal{Role: pr.Role, DriverID: pr.DriverID}
        }
    }
    role := r.Header.Get("X-Role")
    driverID := r.Header.Get("X-Driver-Id")
    if role == "" {
        role = "admin"
    }
    return Principal{Role: strings.ToLower(role), DriverID: driverID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Elevated reports whether the principal may act on any request.
func (p Principal) Elevated() bool { return p.Role == "admin" || p.Role == "moderator" }

func (p Principal) actor() swap.Actor {
    return swap.Actor{DriverID: p.DriverID, Elevated: p.Elevated()}
}
