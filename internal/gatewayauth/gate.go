// Package gatewayauth verifies the inbound Authorization header and decides
// which token-lifecycle manager a request should use: the shared default
// manager, or a fresh one built from an embedded refresh token for
// multi-tenant callers.
package gatewayauth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/kiroclaw/internal/auth"
)

// Gate holds the shared proxy key and default manager consulted on every
// request.
type Gate struct {
	ProxyAPIKey    string
	DefaultManager *auth.Manager
	HTTPClient     *http.Client
	DefaultRegion  string
	DefaultProfile string
}

func NewGate(proxyAPIKey string, defaultManager *auth.Manager, httpClient *http.Client, defaultRegion, defaultProfile string) *Gate {
	return &Gate{
		ProxyAPIKey:    proxyAPIKey,
		DefaultManager: defaultManager,
		HTTPClient:     httpClient,
		DefaultRegion:  defaultRegion,
		DefaultProfile: defaultProfile,
	}
}

// Authorize extracts the bearer token, validates it against ProxyAPIKey, and
// returns the manager the rest of the request should use. It never performs
// network I/O — token refresh is deferred to first use.
func (g *Gate) Authorize(r *http.Request) (*auth.Manager, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, false
	}

	if idx := strings.Index(token, ":"); idx >= 0 {
		proxyKey, refreshToken := token[:idx], token[idx+1:]
		if !constantTimeEqual(proxyKey, g.ProxyAPIKey) {
			return nil, false
		}
		return auth.NewManagerFromToken(refreshToken, g.DefaultProfile, g.DefaultRegion, g.HTTPClient), true
	}

	if !constantTimeEqual(token, g.ProxyAPIKey) {
		return nil, false
	}
	return g.DefaultManager, true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	return h, true
}

// constantTimeEqual reports whether a and b are equal, comparing in time
// independent of where the first mismatching byte falls. Unequal lengths are
// an immediate mismatch, matching subtle.ConstantTimeCompare's own documented
// return-0-on-length-mismatch behavior.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
