package emit

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/eventstream"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/kiroid"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
	"github.com/nextlevelbuilder/kiroclaw/internal/thinking"
)

type aggMessage struct {
	Role      string              `json:"role"`
	Content   *string             `json:"content"`
	ToolCalls []aggregateToolCall `json:"tool_calls,omitempty"`
}

type aggregateToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function streamToolCallFunction `json:"function"`
}

type aggregateChoice struct {
	Index        int        `json:"index"`
	Message      aggMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// AggregateResponse is the full non-streaming chat.completion body.
type AggregateResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []aggregateChoice `json:"choices"`
	Usage   usagePayload      `json:"usage"`
}

// Collect reads body to completion and assembles a single aggregated
// response, computing usage the same way the streaming path does.
func Collect(
	body io.ReadCloser,
	cfg *gwconfig.Config,
	cache *modelcache.Cache,
	model string,
	reqMessages []chatapi.Message,
	reqTools []chatapi.Tool,
) (*AggregateResponse, error) {
	defer body.Close()

	parser := eventstream.NewParser()
	var thinker *thinking.Parser
	if cfg.FakeReasoningEnabled {
		thinker = thinking.NewParser(cfg)
	}

	var fullContent string
	var usageRaw json.RawMessage
	var contextPct float64
	var sawContextPct bool

	appendContent := func(text string) {
		if thinker == nil {
			fullContent += text
			return
		}
		for _, chunk := range thinker.Feed(text) {
			content, _ := thinker.Render(chunk)
			fullContent += content
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				switch ev.Kind {
				case eventstream.EventContent:
					appendContent(ev.Text)
				case eventstream.EventUsage:
					usageRaw = ev.Usage
				case eventstream.EventContextUsagePercentage:
					contextPct = ev.ContextUsagePercentage
					sawContextPct = true
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if thinker != nil {
		for _, chunk := range thinker.Finalize() {
			content, _ := thinker.Render(chunk)
			fullContent += content
		}
	}

	allToolCalls := finalizeToolCalls(parser, fullContent)
	finishReason := "stop"
	if len(allToolCalls) > 0 {
		finishReason = "tool_calls"
	}

	usage := computeUsage(fullContent, contextPct, sawContextPct, cache, model, reqMessages, reqTools)

	msg := aggMessage{Role: "assistant"}
	if len(allToolCalls) > 0 {
		msg.Content = nil
		for _, c := range allToolCalls {
			if c.Name == "" {
				continue
			}
			args := c.Arguments
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, aggregateToolCall{
				ID: c.ID, Type: "function",
				Function: streamToolCallFunction{Name: c.Name, Arguments: args},
			})
		}
	} else {
		content := fullContent
		msg.Content = &content
	}

	resp := &AggregateResponse{
		ID: kiroid.CompletionID(), Object: "chat.completion", Created: time.Now().Unix(), Model: model,
		Choices: []aggregateChoice{{Index: 0, Message: msg, FinishReason: finishReason}},
		Usage: usagePayload{
			PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens,
		},
	}
	if usageRaw != nil {
		resp.Usage.CreditsUsed = usageRaw
	}
	return resp, nil
}
