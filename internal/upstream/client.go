// Package upstream provides the pooled, retrying HTTP dispatcher used to
// talk to the upstream completion and catalogue endpoints.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kiroclaw/internal/auth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/kiroid"
)

var tracer = otel.Tracer("upstream")

var (
	poolOnce   sync.Once
	sharedPool *http.Client
)

// SharedClient returns the process-wide pooled HTTP client, constructing it
// on first use.
func SharedClient() *http.Client {
	poolOnce.Do(func() {
		sharedPool = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 60 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
					MaxVersion: tls.VersionTLS13,
				},
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     60 * time.Second,
				ForceAttemptHTTP2:   false,
			},
		}
	})
	return sharedPool
}

// ClosePool evicts idle connections from the shared pool at shutdown.
func ClosePool() {
	if sharedPool != nil {
		sharedPool.CloseIdleConnections()
	}
}

var (
	limiterOnce sync.Once
	outboundLimiter *rate.Limiter
)

// outboundLimiterFor returns the process-wide self-pacing limiter for
// outbound upstream calls, built once from the configured per-minute budget.
// A non-positive budget disables pacing entirely.
func outboundLimiterFor(cfg *gwconfig.Config) *rate.Limiter {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	limiterOnce.Do(func() {
		perSecond := float64(cfg.RateLimitPerMinute) / 60
		burst := cfg.RateLimitPerMinute
		if burst < 1 {
			burst = 1
		}
		outboundLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	})
	return outboundLimiter
}

// Dispatcher issues retrying, adaptively-timed requests to the upstream
// completion endpoint on behalf of one principal manager.
type Dispatcher struct {
	cfg     *gwconfig.Config
	client  *http.Client
	manager *auth.Manager
}

func NewDispatcher(cfg *gwconfig.Config, manager *auth.Manager) *Dispatcher {
	return &Dispatcher{cfg: cfg, client: SharedClient(), manager: manager}
}

func (d *Dispatcher) timeoutFor(streaming bool, model string) time.Duration {
	base := d.cfg.NonStreamTimeoutSec
	if streaming {
		base = d.cfg.FirstTokenTimeoutSec
	}
	timeout := time.Duration(base) * time.Second
	if gwconfig.IsSlowModel(model, d.cfg.SlowModels) {
		timeout = time.Duration(float64(timeout) * d.cfg.SlowModelTimeoutMultiplier)
	}
	return timeout
}

// UpstreamHeaders builds the fixed header set attached to completion and
// catalogue calls.
func UpstreamHeaders(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	fp32 := kiroid.Short32()
	h.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.27 ua/2.1 os/win32#10.0.19044 lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.27 m/E Kiro2API-%s", fp32))
	h.Set("x-amz-user-agent", "aws-sdk-js/1.0.27 Kiro2API-"+fp32)
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amzn-kiro-agent-mode", "vibe")
	h.Set("amz-sdk-invocation-id", uuid.New().String())
	h.Set("amz-sdk-request", "attempt=1; max=3")
	return h
}

// RequestWithRetry issues method/url with body, applying the retry and
// adaptive-timeout policy. stream controls which timeout budget applies and
// whether the streaming-specific no-sleep-on-first-timeout asymmetry kicks
// in. The caller owns closing resp.Body.
func (d *Dispatcher) RequestWithRetry(ctx context.Context, method, url string, body []byte, stream bool, model string) (*http.Response, error) {
	timeout := d.timeoutFor(stream, model)
	var lastErr error

	limiter := outboundLimiterFor(d.cfg)

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, ctx.Err()
			}
		}

		principal := d.manager.Principal()
		if principal == nil {
			return nil, gatewayerr.NewAuthError("no credentials configured for this request", nil)
		}
		token, err := principal.GetAccessToken(ctx, d.cfg)
		if err != nil {
			return nil, err
		}

		reqCtx, span := tracer.Start(ctx, "kiro.dispatch")
		span.SetAttributes(attribute.String("model", model), attribute.Int("attempt", attempt))
		var cancel context.CancelFunc
		var headerTimer *time.Timer
		if stream {
			// The streaming timeout bounds only the wait for the response
			// headers; the body is then read under the emitter's per-chunk
			// timeouts.
			reqCtx, cancel = context.WithCancel(reqCtx)
			headerTimer = time.AfterFunc(timeout, cancel)
		} else {
			reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			span.End()
			return nil, err
		}
		req.Header = UpstreamHeaders(token)

		resp, err := d.client.Do(req)
		if headerTimer != nil {
			headerTimer.Stop()
		}
		if err != nil {
			span.RecordError(err)
			span.End()
			cancel()
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !(stream && attempt == 0) {
				if !sleepBackoff(ctx, d.cfg.BaseRetryDelay, attempt) {
					return nil, ctx.Err()
				}
			}
			continue
		}

		span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
		switch resp.StatusCode {
		case http.StatusOK:
			span.End()
			return withCancelOnClose(resp, cancel), nil
		case http.StatusForbidden:
			resp.Body.Close()
			cancel()
			span.End()
			if _, err := principal.ForceRefresh(ctx, d.cfg); err != nil {
				return nil, err
			}
			lastErr = gatewayerr.NewUpstreamError(resp.StatusCode, "")
			continue
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			span.End()
			lastErr = gatewayerr.NewUpstreamError(resp.StatusCode, string(raw))
			if !sleepBackoff(ctx, d.cfg.BaseRetryDelay, attempt) {
				return nil, ctx.Err()
			}
			continue
		default:
			span.End()
			return withCancelOnClose(resp, cancel), nil
		}
	}

	if stream {
		return nil, &gatewayerr.FirstTokenTimeoutError{TimeoutSeconds: timeout.Seconds()}
	}
	return nil, &gatewayerr.RetryExhaustedError{Attempts: d.cfg.MaxRetries, LastError: lastErr}
}

// withCancelOnClose wraps resp.Body so closing it also releases the
// per-attempt context.
func withCancelOnClose(resp *http.Response, cancel context.CancelFunc) *http.Response {
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func sleepBackoff(ctx context.Context, baseDelay float64, attempt int) bool {
	delay := time.Duration(baseDelay*float64(pow2(attempt))) * time.Second
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func pow2(n int) int {
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// CatalogueURL builds the ListAvailableModels endpoint for a region.
func CatalogueURL(region, profileArn string) string {
	u := fmt.Sprintf("https://q.%s.amazonaws.com/ListAvailableModels?origin=AI_EDITOR", region)
	if profileArn != "" {
		u += "&profileArn=" + profileArn
	}
	return u
}

// CompletionURL builds the generateAssistantResponse endpoint for a region.
func CompletionURL(region string) string {
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}
