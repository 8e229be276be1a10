// Package modelcache maintains the upstream model catalogue with a
// background TTL refresh, optionally seeded from a local sqlite row on cold
// start.
package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/upstream"
)

// ModelInfo is one upstream catalogue entry.
type ModelInfo struct {
	ModelID     string `json:"modelId"`
	TokenLimits struct {
		MaxInputTokens int `json:"maxInputTokens"`
	} `json:"tokenLimits"`
}

type catalogue = map[string]ModelInfo

// Cache holds the current catalogue behind an atomic pointer swap, alongside
// the background refresher's lifecycle state.
type Cache struct {
	cfg        *gwconfig.Config
	dispatcher *upstream.Dispatcher
	region     string
	profileArn string
	store      *Store // optional, nil if persistence is disabled

	data       atomic.Pointer[catalogue]
	lastUpdate atomic.Int64 // unix nanos; 0 = never populated

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewCache constructs an empty cache, seeding it from store if provided.
func NewCache(cfg *gwconfig.Config, dispatcher *upstream.Dispatcher, region, profileArn string, store *Store) *Cache {
	c := &Cache{cfg: cfg, dispatcher: dispatcher, region: region, profileArn: profileArn, store: store}
	empty := make(catalogue)
	c.data.Store(&empty)

	if store != nil {
		if seeded, err := store.Load(); err == nil && len(seeded) > 0 {
			c.data.Store(&seeded)
			slog.Debug("model cache seeded from persisted catalogue", "count", len(seeded))
		}
	}
	return c
}

// Refresh fetches the catalogue from upstream and replaces the in-memory map
// wholesale on success.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.dispatcher == nil {
		return errors.New("modelcache: no dispatcher configured")
	}
	url := upstream.CatalogueURL(c.region, c.profileArn)
	resp, err := c.dispatcher.RequestWithRetry(ctx, http.MethodGet, url, nil, false, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmtUpstreamErr(resp.StatusCode, raw)
	}

	var parsed struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}

	next := make(catalogue, len(parsed.Models))
	for _, m := range parsed.Models {
		next[m.ModelID] = m
	}
	c.data.Store(&next)
	c.lastUpdate.Store(time.Now().UnixNano())

	if c.store != nil {
		if err := c.store.Save(next); err != nil {
			slog.Warn("failed to persist model catalogue", "error", err)
		}
	}
	return nil
}

func fmtUpstreamErr(status int, body []byte) error {
	return &catalogueError{status: status, body: string(body)}
}

type catalogueError struct {
	status int
	body   string
}

func (e *catalogueError) Error() string {
	return "catalogue refresh failed"
}

// Get returns the catalogue entry for model, if known.
func (c *Cache) Get(model string) (ModelInfo, bool) {
	m := *c.data.Load()
	info, ok := m[model]
	return info, ok
}

// GetMaxInputTokens returns the model's max input tokens, or the configured
// default when the model is unknown.
func (c *Cache) GetMaxInputTokens(model string) int {
	if info, ok := c.Get(model); ok && info.TokenLimits.MaxInputTokens > 0 {
		return info.TokenLimits.MaxInputTokens
	}
	return c.cfg.DefaultMaxInputTokens
}

// IsStale reports whether the catalogue is older than the configured TTL.
func (c *Cache) IsStale() bool {
	last := c.lastUpdate.Load()
	if last == 0 {
		return true
	}
	ttl := time.Duration(c.cfg.ModelCacheTtlSec) * time.Second
	return time.Since(time.Unix(0, last)) > ttl
}

// IsEmpty reports whether the catalogue currently holds no entries.
func (c *Cache) IsEmpty() bool {
	return len(*c.data.Load()) == 0
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	return len(*c.data.Load())
}

// LastUpdate returns the last successful refresh time, or the zero time if
// never populated.
func (c *Cache) LastUpdate() time.Time {
	last := c.lastUpdate.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// Start begins the background refresh goroutine, waking every ttl/2.
// Idempotent: a second call while already running is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	go c.loop(runCtx)
}

// Stop cancels the background refresher. Idempotent.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.running = false
}

func (c *Cache) loop(ctx context.Context) {
	ttl := time.Duration(c.cfg.ModelCacheTtlSec) * time.Second
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("model cache refresher stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					slog.Debug("model cache refresh canceled", "error", err)
				} else {
					slog.Warn("model cache refresh failed", "error", err)
				}
			}
		}
	}
}
