package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Tenant       string
	Role         string // admin, dispatcher, technician
	TechnicianID string
}

// getPrincipal extracts tenant and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Tenant: pr.Tenant, Role: pr.Role, TechnicianID: pr.TechnicianID}
		}
	}
	tenant := r.Header.Get("X-Tenant-Id")
	role := r.Header.Get("X-Role")
	techID := r.Header.Get("X-Technician-Id")
	if tenant == "" {
		tenant = DefaultTenant
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role, TechnicianID: techID}
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanDispatch reports whether the principal may create, assign, or
// cancel work orders.
func (p Principal) CanDispatch() bool { return p.Role == "admin" || p.Role == "dispatcher" }
