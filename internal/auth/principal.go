// Package auth manages per-principal upstream access tokens: acquisition,
// expiry tracking, and refresh against the SOCIAL or IDC identity provider.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/kiroid"
)

// AuthType distinguishes the two refresh protocols the upstream identity
// provider supports.
type AuthType string

const (
	AuthSocial AuthType = "SOCIAL"
	AuthIDC    AuthType = "IDC"
)

const refreshSafetyShaveSeconds = 60

// Principal is one tenant's credential set. A zero Principal is not usable;
// construct with NewPrincipal or LoadPrincipal.
type Principal struct {
	mu sync.Mutex

	AuthType     AuthType
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	ProfileArn   string
	Region       string
	ClientID     string
	ClientSecret string

	credsFile  string
	httpClient *http.Client
}

// NewPrincipal builds a principal from an explicit refresh token, inferring
// SOCIAL auth (no client credential pair is available this way).
func NewPrincipal(refreshToken, profileArn, region string, client *http.Client) *Principal {
	return &Principal{
		AuthType:     AuthSocial,
		RefreshToken: refreshToken,
		ProfileArn:   profileArn,
		Region:       region,
		httpClient:   client,
	}
}

type credsFileShape struct {
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken"`
	ProfileArn   string `json:"profileArn"`
	Region       string `json:"region"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ExpiresAt    string `json:"expiresAt"`
}

// LoadPrincipal reads the fields listed in the credentials file (a local
// path or an http(s) URL) and infers authType from the presence of both
// clientId and clientSecret. A local file that does not exist is logged as a
// warning and yields a principal with no fields set.
func LoadPrincipal(ctx context.Context, credsFile string, client *http.Client) (*Principal, error) {
	raw, err := readCredsFile(ctx, credsFile, client)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Warn("credentials file not found, continuing without it", "path", credsFile)
		raw = []byte("{}")
	}
	var shape credsFileShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	p := &Principal{
		AuthType:     AuthSocial,
		RefreshToken: shape.RefreshToken,
		AccessToken:  shape.AccessToken,
		ProfileArn:   shape.ProfileArn,
		Region:       shape.Region,
		ClientID:     shape.ClientID,
		ClientSecret: shape.ClientSecret,
		credsFile:    credsFile,
		httpClient:   client,
	}
	if shape.ClientID != "" && shape.ClientSecret != "" {
		p.AuthType = AuthIDC
	}
	if shape.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, shape.ExpiresAt); err == nil {
			p.ExpiresAt = t
		}
	}
	return p, nil
}

func readCredsFile(ctx context.Context, path string, client *http.Client) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	}
	return readLocalFile(path)
}

// GetAccessToken returns a token guaranteed valid for at least
// thresholdSec more seconds, refreshing under lock if needed.
func (p *Principal) GetAccessToken(ctx context.Context, cfg *gwconfig.Config) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := time.Duration(cfg.TokenRefreshThresholdSec) * time.Second
	if p.AccessToken != "" && time.Until(p.ExpiresAt) > threshold {
		return p.AccessToken, nil
	}
	return p.refreshLocked(ctx, cfg)
}

// ForceRefresh refreshes unconditionally under the same per-principal lock.
func (p *Principal) ForceRefresh(ctx context.Context, cfg *gwconfig.Config) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx, cfg)
}

func (p *Principal) refreshLocked(ctx context.Context, cfg *gwconfig.Config) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(cfg.BaseRetryDelay * float64(time.Second))
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	result, err := backoff.Retry(ctx, func() (refreshResult, error) {
		res, err := p.doRefresh(ctx)
		if err != nil {
			if isRetryableRefreshError(err) {
				return refreshResult{}, err
			}
			return refreshResult{}, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(cfg.MaxRetries)))
	if err != nil {
		return "", gatewayerr.NewAuthError("token refresh failed", err)
	}

	p.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		p.RefreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		p.ProfileArn = result.ProfileArn
	}
	expiresIn := result.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	p.ExpiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - refreshSafetyShaveSeconds*time.Second)

	if p.credsFile != "" && !strings.HasPrefix(p.credsFile, "http") {
		if err := p.persist(); err != nil {
			return p.AccessToken, nil
		}
	}
	return p.AccessToken, nil
}

type refreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	ProfileArn   string
}

// retryableStatus mirrors the refresh retry policy: these statuses and
// connect/timeout failures retry, everything else is immediately fatal.
var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("refresh request failed with status %d", e.status)
}

func isRetryableRefreshError(err error) bool {
	var se *statusError
	if ok := asStatusError(err, &se); ok {
		return retryableStatus[se.status]
	}
	// connect/timeout errors surface as *url.Error wrapping a net error; treat
	// any non-statusError failure reaching here (i.e. not Permanent-wrapped
	// already) as a transient transport failure.
	return true
}

func asStatusError(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (p *Principal) doRefresh(ctx context.Context) (refreshResult, error) {
	switch p.AuthType {
	case AuthIDC:
		return p.refreshIDC(ctx)
	default:
		return p.refreshSocial(ctx)
	}
}

func (p *Principal) refreshSocial(ctx context.Context) (refreshResult, error) {
	region := p.Region
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
	body, _ := json.Marshal(map[string]string{"refreshToken": p.RefreshToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kiro2API-"+kiroid.Short16())

	return p.sendRefreshRequest(req)
}

func (p *Principal) refreshIDC(ctx context.Context) (refreshResult, error) {
	region := p.Region
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
	payload := map[string]string{
		"clientId":     p.ClientID,
		"clientSecret": p.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": p.RefreshToken,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return refreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kiro2API-"+kiroid.Short16())

	return p.sendRefreshRequest(req)
}

func (p *Principal) sendRefreshRequest(req *http.Request) (refreshResult, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return refreshResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return refreshResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return refreshResult{}, &statusError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return refreshResult{}, fmt.Errorf("parsing refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return refreshResult{}, fmt.Errorf("refresh response missing accessToken")
	}
	return refreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresIn:    parsed.ExpiresIn,
		ProfileArn:   parsed.ProfileArn,
	}, nil
}

// persist writes the merged credential fields back to the local creds file,
// preserving any fields the response did not rotate.
func (p *Principal) persist() error {
	shape := credsFileShape{
		RefreshToken: p.RefreshToken,
		AccessToken:  p.AccessToken,
		ProfileArn:   p.ProfileArn,
		Region:       p.Region,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		ExpiresAt:    p.ExpiresAt.Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		return err
	}
	return writeLocalFile(p.credsFile, raw)
}
