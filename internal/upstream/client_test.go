package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/auth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

func liveManager() *auth.Manager {
	p := auth.NewPrincipal("refresh-tok", "", "us-east-1", http.DefaultClient)
	p.AccessToken = "live-token"
	p.ExpiresAt = time.Now().Add(time.Hour)
	return auth.NewManager(p)
}

func testDispatcher(srv *httptest.Server, cfg *gwconfig.Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, client: srv.Client(), manager: liveManager()}
}

func baseCfg() *gwconfig.Config {
	return &gwconfig.Config{
		MaxRetries:           3,
		BaseRetryDelay:       0.01,
		FirstTokenTimeoutSec: 2,
		NonStreamTimeoutSec:  2,
	}
}

func TestRequestWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv, baseCfg())
	resp, err := d.RequestWithRetry(context.Background(), http.MethodPost, srv.URL, nil, false, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("RequestWithRetry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d calls, want 1", got)
	}
}

func TestRequestWithRetry_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv, baseCfg())
	resp, err := d.RequestWithRetry(context.Background(), http.MethodPost, srv.URL, nil, false, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("RequestWithRetry: %v", err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("got %d calls, want 2 (one 503 then success)", got)
	}
}

func TestRequestWithRetry_NonRetryableStatusReturnsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := testDispatcher(srv, baseCfg())
	resp, err := d.RequestWithRetry(context.Background(), http.MethodPost, srv.URL, nil, false, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("RequestWithRetry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 surfaced verbatim", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d calls for a non-retryable status, want 1", got)
	}
}

func TestRequestWithRetry_ExhaustionNonStreamingIsRetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := baseCfg()
	cfg.MaxRetries = 2
	d := testDispatcher(srv, cfg)
	_, err := d.RequestWithRetry(context.Background(), http.MethodPost, srv.URL, nil, false, "claude-sonnet-4-5")
	if err == nil {
		t.Fatal("expected retry exhaustion error")
	}
	var re *gatewayerr.RetryExhaustedError
	if !isRetryExhausted(err, &re) {
		t.Errorf("got error %v (%T), want *gatewayerr.RetryExhaustedError", err, err)
	}
}

func TestRequestWithRetry_ExhaustionStreamingIsFirstTokenTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := baseCfg()
	cfg.MaxRetries = 2
	d := testDispatcher(srv, cfg)
	_, err := d.RequestWithRetry(context.Background(), http.MethodPost, srv.URL, nil, true, "claude-sonnet-4-5")
	if err == nil {
		t.Fatal("expected a first-token timeout error")
	}
	var fte *gatewayerr.FirstTokenTimeoutError
	if !isFirstTokenTimeout(err, &fte) {
		t.Errorf("got error %v (%T), want *gatewayerr.FirstTokenTimeoutError", err, err)
	}
}

func isRetryExhausted(err error, target **gatewayerr.RetryExhaustedError) bool {
	e, ok := err.(*gatewayerr.RetryExhaustedError)
	if ok {
		*target = e
	}
	return ok
}

func isFirstTokenTimeout(err error, target **gatewayerr.FirstTokenTimeoutError) bool {
	e, ok := err.(*gatewayerr.FirstTokenTimeoutError)
	if ok {
		*target = e
	}
	return ok
}

func TestCatalogueURL_IncludesProfileArnWhenPresent(t *testing.T) {
	u := CatalogueURL("us-east-1", "arn:test")
	if want := "https://q.us-east-1.amazonaws.com/ListAvailableModels?origin=AI_EDITOR&profileArn=arn:test"; u != want {
		t.Errorf("got %q, want %q", u, want)
	}
}

func TestCompletionURL(t *testing.T) {
	if got, want := CompletionURL("us-east-1"), "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
