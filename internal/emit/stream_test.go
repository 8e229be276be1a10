package emit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

func streamCfg() *gwconfig.Config {
	return &gwconfig.Config{
		DefaultMaxInputTokens: 200000,
		ModelCacheTtlSec:      3600,
		FirstTokenTimeoutSec:  5,
		StreamReadTimeoutSec:  5,
	}
}

// --- ordering: content before tool_calls before terminal before [DONE] ---

func TestStreamToClient_ChunkOrdering(t *testing.T) {
	raw := `{"content":"pong"}{"name":"f","toolUseId":"t1","input":"{}"}{"stop":true}`
	body := io.NopCloser(strings.NewReader(raw))
	var out bytes.Buffer
	err := StreamToClient(context.Background(), &out, func() {}, body, streamCfg(), testCache(), "claude-sonnet-4-5", nil, nil)
	if err != nil {
		t.Fatalf("StreamToClient: %v", err)
	}

	text := out.String()
	contentIdx := strings.Index(text, `"content":"pong"`)
	toolCallsIdx := strings.Index(text, `"tool_calls"`)
	finishIdx := strings.Index(text, `"finish_reason":"tool_calls"`)
	doneIdx := strings.Index(text, "data: [DONE]")

	if contentIdx < 0 || toolCallsIdx < 0 || finishIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing expected fragment in output: %s", text)
	}
	if !(contentIdx < toolCallsIdx && toolCallsIdx < finishIdx && finishIdx < doneIdx) {
		t.Errorf("chunks out of order: content=%d tool_calls=%d finish=%d done=%d", contentIdx, toolCallsIdx, finishIdx, doneIdx)
	}
}

// --- first chunk carries delta.role == "assistant", subsequent do not ---

func TestStreamToClient_RoleOnlyOnFirstChunk(t *testing.T) {
	raw := `{"content":"a"}{"content":"b"}`
	body := io.NopCloser(strings.NewReader(raw))
	var out bytes.Buffer
	if err := StreamToClient(context.Background(), &out, func() {}, body, streamCfg(), testCache(), "claude-sonnet-4-5", nil, nil); err != nil {
		t.Fatalf("StreamToClient: %v", err)
	}
	if got := strings.Count(out.String(), `"role":"assistant"`); got != 1 {
		t.Errorf("got %d occurrences of role:assistant, want exactly 1", got)
	}
}

// --- empty body emits only [DONE] ---

func TestStreamToClient_EmptyBodyEmitsDoneOnly(t *testing.T) {
	body := io.NopCloser(strings.NewReader(""))
	var out bytes.Buffer
	if err := StreamToClient(context.Background(), &out, func() {}, body, streamCfg(), testCache(), "claude-sonnet-4-5", nil, nil); err != nil {
		t.Fatalf("StreamToClient: %v", err)
	}
	if out.String() != "data: [DONE]\n\n" {
		t.Errorf("got %q, want just the [DONE] terminator", out.String())
	}
}

// --- first-token timeout surfaces as FirstTokenTimeoutError ---

func TestStreamToClient_FirstTokenTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	cfg := streamCfg()
	cfg.FirstTokenTimeoutSec = 0 // expires immediately

	var out bytes.Buffer
	err := StreamToClient(context.Background(), &out, func() {}, io.NopCloser(r), cfg, testCache(), "claude-sonnet-4-5", nil, nil)
	if err == nil {
		t.Fatal("expected a first-token timeout error")
	}
	var ftErr *gatewayerr.FirstTokenTimeoutError
	if !errors.As(err, &ftErr) {
		t.Errorf("got error %v (%T), want *gatewayerr.FirstTokenTimeoutError", err, err)
	}
}
