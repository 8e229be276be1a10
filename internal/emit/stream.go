// Package emit re-renders the parsed upstream event stream as OpenAI
// Server-Sent Events (streaming path) or as a single aggregated JSON
// response (non-streaming path), computing usage for both.
package emit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/eventstream"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/kiroid"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
	"github.com/nextlevelbuilder/kiroclaw/internal/thinking"
)

const maxConsecutiveStreamTimeouts = 3

type sseDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []streamToolCall `json:"tool_calls,omitempty"`
}

type streamToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function streamToolCallFunction `json:"function"`
}

type streamToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type usagePayload struct {
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	CreditsUsed      json.RawMessage `json:"credits_used,omitempty"`
}

type sseChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []sseChoice   `json:"choices"`
	Usage   *usagePayload `json:"usage,omitempty"`
}

func adaptiveTimeout(baseSec int, cfg *gwconfig.Config, model string) time.Duration {
	d := time.Duration(baseSec) * time.Second
	if gwconfig.IsSlowModel(model, cfg.SlowModels) {
		d = time.Duration(float64(d) * cfg.SlowModelTimeoutMultiplier)
	}
	return d
}

// StreamToClient relays body (the upstream completion response) to w as
// OpenAI SSE chunks, applying first-token and stream-read timeouts adaptive
// to model, and optionally tee-ing content through the reasoning-prefix
// parser. The response body is closed in every exit path.
func StreamToClient(
	ctx context.Context,
	w io.Writer,
	flush func(),
	body io.ReadCloser,
	cfg *gwconfig.Config,
	cache *modelcache.Cache,
	model string,
	reqMessages []chatapi.Message,
	reqTools []chatapi.Tool,
) error {
	defer body.Close()

	completionID := kiroid.CompletionID()
	created := time.Now().Unix()
	firstChunkSent := false

	parser := eventstream.NewParser()
	var thinker *thinking.Parser
	if cfg.FakeReasoningEnabled {
		thinker = thinking.NewParser(cfg)
	}

	var fullContent string
	var usageRaw json.RawMessage
	var contextPct float64
	var sawContextPct bool

	writeChunk := func(delta sseDelta, finishReason *string, usage *usagePayload) error {
		if !firstChunkSent {
			delta.Role = "assistant"
			firstChunkSent = true
		}
		c := sseChunk{
			ID: completionID, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []sseChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
			Usage:   usage,
		}
		return writeSSE(w, flush, c)
	}

	emitContentText := func(text string) error {
		if thinker == nil {
			fullContent += text
			return writeChunk(sseDelta{Content: text}, nil, nil)
		}
		for _, chunk := range thinker.Feed(text) {
			content, reasoning := thinker.Render(chunk)
			fullContent += content
			if content == "" && reasoning == "" {
				continue
			}
			if err := writeChunk(sseDelta{Content: content, ReasoningContent: reasoning}, nil, nil); err != nil {
				return err
			}
		}
		return nil
	}

	processEvents := func(events []eventstream.Event) error {
		for _, ev := range events {
			switch ev.Kind {
			case eventstream.EventContent:
				if err := emitContentText(ev.Text); err != nil {
					return err
				}
			case eventstream.EventUsage:
				usageRaw = ev.Usage
			case eventstream.EventContextUsagePercentage:
				contextPct = ev.ContextUsagePercentage
				sawContextPct = true
			}
		}
		return nil
	}

	cr := newChunkReader(body)
	firstTimeout := adaptiveTimeout(cfg.FirstTokenTimeoutSec, cfg, model)

	data, err := cr.next(firstTimeout)
	if errors.Is(err, errReadTimeout) {
		return &gatewayerr.FirstTokenTimeoutError{TimeoutSeconds: firstTimeout.Seconds()}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if len(data) == 0 && errors.Is(err, io.EOF) {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flush()
		return nil
	}
	if len(data) > 0 {
		if procErr := processEvents(parser.Feed(data)); procErr != nil {
			return procErr
		}
	}

	streamTimeout := adaptiveTimeout(cfg.StreamReadTimeoutSec, cfg, model)
	eof := errors.Is(err, io.EOF)
	consecutiveTimeouts := 0

	for !eof {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, readErr := cr.next(streamTimeout)
		if errors.Is(readErr, errReadTimeout) {
			consecutiveTimeouts++
			if consecutiveTimeouts > maxConsecutiveStreamTimeouts {
				return &gatewayerr.StreamReadTimeoutError{TimeoutSeconds: streamTimeout.Seconds()}
			}
			slog.Warn("stream read timeout, continuing to wait", "model", model, "count", consecutiveTimeouts)
			continue
		}
		consecutiveTimeouts = 0

		if len(chunk) > 0 {
			if procErr := processEvents(parser.Feed(chunk)); procErr != nil {
				return procErr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				eof = true
				continue
			}
			slog.Error("error during streaming, terminating without [DONE]", "error", readErr)
			return nil
		}
	}

	if thinker != nil {
		for _, chunk := range thinker.Finalize() {
			content, reasoning := thinker.Render(chunk)
			fullContent += content
			if content != "" || reasoning != "" {
				if err := writeChunk(sseDelta{Content: content, ReasoningContent: reasoning}, nil, nil); err != nil {
					return err
				}
			}
		}
	}

	allToolCalls := finalizeToolCalls(parser, fullContent)
	finishReason := "stop"
	if len(allToolCalls) > 0 {
		finishReason = "tool_calls"
	}

	usage := computeUsage(fullContent, contextPct, sawContextPct, cache, model, reqMessages, reqTools)
	up := &usagePayload{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens}
	if usageRaw != nil {
		up.CreditsUsed = usageRaw
	}

	if len(allToolCalls) > 0 {
		indexed := indexToolCallsForStreaming(allToolCalls)
		if len(indexed) > 0 {
			if err := writeChunk(sseDelta{ToolCalls: indexed}, nil, nil); err != nil {
				return err
			}
		}
	}

	if err := writeChunk(sseDelta{}, &finishReason, up); err != nil {
		return err
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
	return nil
}

func finalizeToolCalls(parser *eventstream.Parser, fullContent string) []eventstream.ToolCall {
	streamCalls := parser.FinalizeToolCalls()
	bracketCalls := eventstream.ExtractBracketForm(fullContent)
	return eventstream.Dedup(append(append([]eventstream.ToolCall{}, streamCalls...), bracketCalls...))
}

func indexToolCallsForStreaming(calls []eventstream.ToolCall) []streamToolCall {
	var out []streamToolCall
	idx := 0
	for _, c := range calls {
		if c.Name == "" {
			slog.Warn("dropping tool call with no name", "id", c.ID)
			continue
		}
		args := c.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, streamToolCall{
			Index: idx, ID: c.ID, Type: "function",
			Function: streamToolCallFunction{Name: c.Name, Arguments: args},
		})
		idx++
	}
	return out
}

func writeSSE(w io.Writer, flush func(), v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}
