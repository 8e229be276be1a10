package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

func contextBG() context.Context { return context.Background() }

func testCfg() *gwconfig.Config {
	return &gwconfig.Config{
		TokenRefreshThresholdSec: 600,
		MaxRetries:               3,
		BaseRetryDelay:           0.01,
	}
}

// principalAgainstServer builds a SOCIAL principal pointed at a test server.
// Overriding the region-derived URL is not possible (region is baked into
// the host), so these tests exercise the request/response plumbing through
// a principal whose httpClient redirects to the test server via a custom
// RoundTripper instead.
func principalAgainstServer(t *testing.T, srv *httptest.Server) *Principal {
	t.Helper()
	client := &http.Client{Transport: redirectingTransport{target: srv.URL}}
	return NewPrincipal("refresh-tok", "", "us-east-1", client)
}

// redirectingTransport rewrites every outbound request to hit the given test
// server instead of its real host, preserving path and body.
type redirectingTransport struct {
	target string
}

func (rt redirectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(rt.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Host = target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestPrincipal_GetAccessToken_RefreshesWhenAbsent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "tok-1", "expiresIn": 3600,
		})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	tok, err := p.GetAccessToken(contextBG(), testCfg())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("got token %q, want tok-1", tok)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d refresh calls, want 1", calls)
	}
}

func TestPrincipal_GetAccessToken_ReusesUnexpiredToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "tok-1", "expiresIn": 3600,
		})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	cfg := testCfg()
	if _, err := p.GetAccessToken(contextBG(), cfg); err != nil {
		t.Fatalf("first GetAccessToken: %v", err)
	}
	if _, err := p.GetAccessToken(contextBG(), cfg); err != nil {
		t.Fatalf("second GetAccessToken: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d refresh calls across two reads of a live token, want 1", calls)
	}
}

// --- P4: concurrent GetAccessToken calls while expired coalesce into a
// single upstream refresh. ---

func TestPrincipal_ConcurrentGetAccessToken_SingleFlight(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "tok-concurrent", "expiresIn": 3600,
		})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	cfg := testCfg()

	var wg sync.WaitGroup
	const n = 10
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.GetAccessToken(contextBG(), cfg)
			results[i] = tok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if results[i] != "tok-concurrent" {
			t.Errorf("goroutine %d got token %q, want tok-concurrent", i, results[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d upstream refresh calls for %d concurrent callers, want exactly 1", got, n)
	}
}

func TestPrincipal_ForceRefresh_RotatesRefreshTokenAndProfileArn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "tok-new", "refreshToken": "refresh-new",
			"profileArn": "arn:new", "expiresIn": 3600,
		})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	if _, err := p.ForceRefresh(contextBG(), testCfg()); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if p.RefreshToken != "refresh-new" {
		t.Errorf("got RefreshToken %q, want refresh-new", p.RefreshToken)
	}
	if p.ProfileArn != "arn:new" {
		t.Errorf("got ProfileArn %q, want arn:new", p.ProfileArn)
	}
}

func TestPrincipal_Refresh_MissingAccessTokenIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"expiresIn": 3600})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	cfg := testCfg()
	cfg.MaxRetries = 1
	if _, err := p.GetAccessToken(contextBG(), cfg); err == nil {
		t.Fatal("expected an error when the refresh response has no accessToken")
	}
}

func TestPrincipal_Refresh_NonRetryableStatusFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	cfg := testCfg()
	if _, err := p.GetAccessToken(contextBG(), cfg); err == nil {
		t.Fatal("expected an error for a non-retryable 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d attempts for a 400 (non-retryable), want exactly 1", got)
	}
}

func TestPrincipal_Refresh_RetriesOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "tok-after-retry", "expiresIn": 3600})
	}))
	defer srv.Close()

	p := principalAgainstServer(t, srv)
	tok, err := p.GetAccessToken(contextBG(), testCfg())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != "tok-after-retry" {
		t.Errorf("got %q, want tok-after-retry", tok)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("got %d attempts, want 2 (one 503 then success)", got)
	}
}
