// Package tokencount provides the local fallback token counter used when
// the upstream event stream never reports a contextUsagePercentage. It
// mirrors the original tool's tiktoken-based estimator, including its
// Claude correction factor and per-message/per-tool overhead constants.
package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
)

// claudeCorrectionFactor compensates for cl100k_base's tokenization diverging
// somewhat from Claude's own tokenizer; applied only at the outermost count,
// never to the per-field sub-counts that feed a running total.
const claudeCorrectionFactor = 1.15

const imageTokenEstimate = 100

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Count returns the approximate token count of text, applying the Claude
// correction factor. Falls back to a length/4 heuristic if the encoder
// could not be initialized.
func Count(text string) int {
	return count(text, true)
}

func count(text string, applyCorrection bool) int {
	if text == "" {
		return 0
	}
	var base int
	if e := encoding(); e != nil {
		base = len(e.Encode(text, nil, nil))
	} else {
		base = len(text)/4 + 1
	}
	if applyCorrection {
		return int(float64(base) * claudeCorrectionFactor)
	}
	return base
}

// CountMessages estimates the request-side token cost of a message list,
// mirroring count_message_tokens: 4 tokens of overhead per message plus its
// role, text content (images at a flat estimate), tool-call name/arguments,
// and tool_call_id.
func CountMessages(messages []chatapi.Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := 0
	for _, m := range messages {
		total += 4
		total += count(m.Role, false)

		switch m.Content.Kind {
		case chatapi.ContentText:
			total += count(m.Content.Text, false)
		case chatapi.ContentBlocks:
			for _, b := range m.Content.Blocks {
				switch b.Type {
				case "text":
					total += count(b.Text, false)
				case "image_url", "image":
					total += imageTokenEstimate
				}
			}
		}

		for _, tc := range m.ToolCalls {
			total += 4
			total += count(tc.Function.Name, false)
			total += count(tc.Function.Arguments, false)
		}

		if m.ToolCallID != "" {
			total += count(m.ToolCallID, false)
		}
	}
	total += 3
	return int(float64(total) * claudeCorrectionFactor)
}

// CountTools estimates the request-side token cost of a tool definition
// list, mirroring count_tools_tokens.
func CountTools(tools []chatapi.Tool) int {
	if len(tools) == 0 {
		return 0
	}
	total := 0
	for _, t := range tools {
		total += 4
		if t.Type != "function" {
			continue
		}
		total += count(t.Function.Name, false)
		total += count(t.Function.Description, false)
		if t.Function.Parameters != nil {
			if raw, err := json.Marshal(t.Function.Parameters); err == nil {
				total += count(string(raw), false)
			}
		}
	}
	return int(float64(total) * claudeCorrectionFactor)
}
