package auth

import (
	"net/http"
)

// Manager owns one or more principals. The default manager (constructed at
// startup from the config's default credentials) is shared across every
// request that does not carry its own embedded refresh token; multi-tenant
// requests get a fresh, single-principal manager built on the fly.
type Manager struct {
	principal *Principal
}

// NewManager wraps a single principal, which may be nil if no default
// credentials were configured (simple mode disabled; every request must then
// carry its own refresh token).
func NewManager(p *Principal) *Manager {
	return &Manager{principal: p}
}

// NewManagerFromToken builds a fresh single-principal manager for a
// multi-tenant request's embedded refresh token.
func NewManagerFromToken(refreshToken, profileArn, region string, client *http.Client) *Manager {
	return &Manager{principal: NewPrincipal(refreshToken, profileArn, region, client)}
}

// Principal returns the manager's sole principal, or nil if none is
// configured.
func (m *Manager) Principal() *Principal {
	if m == nil {
		return nil
	}
	return m.principal
}

// HasPrincipal reports whether the manager has a usable principal.
func (m *Manager) HasPrincipal() bool {
	return m != nil && m.principal != nil
}

// Probe reports whether the manager's principal currently holds a non-empty
// access token, without forcing a refresh; the token's expiry is not
// checked. Used by the health endpoint.
func (m *Manager) Probe() bool {
	if !m.HasPrincipal() {
		return false
	}
	m.principal.mu.Lock()
	defer m.principal.mu.Unlock()
	return m.principal.AccessToken != ""
}
