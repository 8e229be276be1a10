// Package gwconfig holds the gateway's immutable configuration record. It is
// constructed once at startup and never mutated afterward — unlike the
// mutable, hot-reloadable config trees elsewhere in this codebase, this
// record backs per-request token/timeout/translation decisions that must
// stay consistent for the lifetime of the process.
package gwconfig

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// FakeReasoningHandling enumerates how extracted <thinking> content is
// rendered back to the client.
type FakeReasoningHandling string

const (
	HandlingAsReasoningContent FakeReasoningHandling = "as_reasoning_content"
	HandlingRemove             FakeReasoningHandling = "remove"
	HandlingPass               FakeReasoningHandling = "pass"
	HandlingStripTags          FakeReasoningHandling = "strip_tags"
)

// Config is the immutable settings view consulted by every component.
type Config struct {
	ProxyAPIKey string `json:"proxyApiKey"`

	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	Region       string `json:"region"`
	CredsFile    string `json:"credsFile"`

	TokenRefreshThresholdSec int `json:"tokenRefreshThresholdSec"`

	MaxRetries     int     `json:"maxRetries"`
	BaseRetryDelay float64 `json:"baseRetryDelay"`

	FirstTokenTimeoutSec  int `json:"firstTokenTimeoutSec"`
	FirstTokenMaxRetries  int `json:"firstTokenMaxRetries"`
	StreamReadTimeoutSec  int `json:"streamReadTimeoutSec"`
	NonStreamTimeoutSec   int `json:"nonStreamTimeoutSec"`

	SlowModelTimeoutMultiplier float64  `json:"slowModelTimeoutMultiplier"`
	SlowModels                 []string `json:"slowModels"`

	ModelCacheTtlSec        int `json:"modelCacheTtlSec"`
	DefaultMaxInputTokens   int `json:"defaultMaxInputTokens"`
	ToolDescriptionMaxLength int `json:"toolDescriptionMaxLength"`

	FakeReasoningEnabled    bool                  `json:"fakeReasoningEnabled"`
	FakeReasoningHandling   FakeReasoningHandling `json:"fakeReasoningHandling"`
	FakeReasoningOpenTags   []string              `json:"fakeReasoningOpenTags"`
	FakeReasoningInitialBuf int                   `json:"fakeReasoningInitialBufferSize"`

	DebugMode         bool `json:"debugMode"`
	RateLimitPerMinute int  `json:"rateLimitPerMinute"`
}

// ModelMapping maps external (OpenAI-facing) model identifiers to the
// upstream's internal model identifiers. Identity pass-through applies when a
// requested value already matches a known upstream ID (checked by the
// caller, not stored here).
var ModelMapping = map[string]string{
	"claude-opus-4-5":           "claude-opus-4.5",
	"claude-haiku-4-5":          "claude-haiku-4.5",
	"claude-sonnet-4-5":         "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":           "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"auto":                      "claude-sonnet-4.5",
}

// AvailableModels is the static OpenAI-facing model whitelist served from
// /v1/models.
var AvailableModels = []string{
	"claude-opus-4-5",
	"claude-haiku-4-5",
	"claude-sonnet-4-5",
	"claude-sonnet-4",
	"claude-3-7-sonnet-20250219",
	"auto",
}

// DefaultSlowModels is the case-insensitive-substring slow-model set used for
// adaptive timeout inflation when the config does not override it.
var DefaultSlowModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-3-opus",
	"claude-3-opus-20240229",
}

// ResolveUpstreamModel maps an external model identifier to its upstream
// internal ID. Handles the "-<date-suffix>" variants of haiku/sonnet
// mentioned in the mapping table by stripping any trailing "-YYYYMMDD"-like
// suffix before lookup, then falling back to identity pass-through.
func ResolveUpstreamModel(external string) (string, bool) {
	if v, ok := ModelMapping[external]; ok {
		return v, true
	}
	base := stripDateSuffix(external)
	if v, ok := ModelMapping[base]; ok {
		return v, true
	}
	for _, known := range ModelMapping {
		if known == external {
			return external, true
		}
	}
	return "", false
}

func stripDateSuffix(model string) string {
	parts := strings.Split(model, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if len(last) == 8 && isAllDigits(last) {
			return strings.Join(parts[:len(parts)-1], "-")
		}
	}
	return model
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// IsSlowModel reports whether model matches any entry of slowModels as a
// case-insensitive substring.
func IsSlowModel(model string, slowModels []string) bool {
	lower := strings.ToLower(model)
	for _, sm := range slowModels {
		if strings.Contains(lower, strings.ToLower(sm)) {
			return true
		}
	}
	return false
}

func applyDefaults(c *Config) {
	if c.TokenRefreshThresholdSec == 0 {
		c.TokenRefreshThresholdSec = 600
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = 1.0
	}
	if c.FirstTokenTimeoutSec == 0 {
		c.FirstTokenTimeoutSec = 120
	}
	if c.FirstTokenMaxRetries == 0 {
		c.FirstTokenMaxRetries = c.MaxRetries
	}
	if c.StreamReadTimeoutSec == 0 {
		c.StreamReadTimeoutSec = 300
	}
	if c.NonStreamTimeoutSec == 0 {
		c.NonStreamTimeoutSec = 900
	}
	if c.SlowModelTimeoutMultiplier == 0 {
		c.SlowModelTimeoutMultiplier = 3.0
	}
	if len(c.SlowModels) == 0 {
		c.SlowModels = DefaultSlowModels
	}
	if c.ModelCacheTtlSec == 0 {
		c.ModelCacheTtlSec = 3600
	}
	if c.DefaultMaxInputTokens == 0 {
		c.DefaultMaxInputTokens = 200000
	}
	if c.ToolDescriptionMaxLength == 0 {
		c.ToolDescriptionMaxLength = 10000
	}
	if c.FakeReasoningHandling == "" {
		c.FakeReasoningHandling = HandlingAsReasoningContent
	}
	if len(c.FakeReasoningOpenTags) == 0 {
		c.FakeReasoningOpenTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}
	}
	if c.FakeReasoningInitialBuf == 0 {
		c.FakeReasoningInitialBuf = 20
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// Load reads and defaults a Config from a JSON5-tolerant file on disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json5.Unmarshal(raw, &cfg); err != nil {
		// fall back to strict JSON for files json5 cannot parse
		if jerr := json.Unmarshal(raw, &cfg); jerr != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// HasDefaultCredentials reports whether the config carries a usable default
// principal (refresh token or a credentials file to load one from).
func (c *Config) HasDefaultCredentials() bool {
	return c.RefreshToken != "" || c.CredsFile != ""
}
