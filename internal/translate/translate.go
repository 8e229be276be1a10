// Package translate builds the upstream conversation-state payload from an
// inbound OpenAI-shaped chat completion request: tool description
// relocation, system-prompt extraction and fold-in, tool-message folding,
// adjacent-message merging, and the final upstream field mapping.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

// workMessage is the translator's mutable internal representation of one
// message while it is folded and merged; it decouples in-progress rewrites
// from the immutable chatapi.Message the HTTP layer decoded.
type workMessage struct {
	role       string
	content    chatapi.Content
	toolCalls  []chatapi.ToolCall
	toolCallID string // only meaningful while role == "tool", pre-folding
}

// Result is everything the caller needs to dispatch the upstream request.
type Result struct {
	Payload       map[string]interface{}
	UpstreamModel string
}

// Build runs the full translation pipeline described in spec §4.3.
func Build(cfg *gwconfig.Config, req *chatapi.ChatCompletionRequest, conversationID, profileArn string) (*Result, error) {
	upstreamModel, ok := gwconfig.ResolveUpstreamModel(req.Model)
	if !ok {
		return nil, gatewayerr.NewTranslationError(fmt.Sprintf(
			"unknown model %q; available models: %s", req.Model, strings.Join(gwconfig.AvailableModels, ", ")))
	}

	processedTools, toolDocs := relocateLongToolDescriptions(req.Tools, cfg.ToolDescriptionMaxLength)
	systemPrompt, nonSystem := extractSystem(req.Messages, toolDocs)
	folded := foldToolMessages(nonSystem)
	merged := mergeAdjacent(folded)

	if len(merged) == 0 {
		return nil, gatewayerr.NewTranslationError("No messages to send")
	}

	history := merged
	current := history[len(history)-1]
	history = history[:len(history)-1]

	foldSystemIn(systemPrompt, &history, &current)

	historyPayload := make([]map[string]interface{}, 0, len(history))
	for _, m := range history {
		historyPayload = append(historyPayload, toHistoryEntry(m, upstreamModel))
	}

	currentContent := current.content.ExtractText()
	if current.role == "assistant" {
		historyPayload = append(historyPayload, map[string]interface{}{
			"assistantResponseMessage": assistantResponsePayload(current),
		})
		currentContent = "Continue"
	}
	if currentContent == "" {
		currentContent = "Continue"
	}

	userInput := map[string]interface{}{
		"content": currentContent,
		"modelId": upstreamModel,
		"origin":  "AI_EDITOR",
	}
	if current.role != "assistant" {
		if images := upstreamImages(current.content); len(images) > 0 {
			userInput["images"] = images
		}
	}

	userCtx := map[string]interface{}{}
	if len(processedTools) > 0 {
		toolsList := make([]map[string]interface{}, 0, len(processedTools))
		for _, t := range processedTools {
			if t.Type != "function" {
				continue
			}
			params := t.Function.Parameters
			if params == nil {
				params = map[string]interface{}{}
			}
			toolsList = append(toolsList, map[string]interface{}{
				"toolSpecification": map[string]interface{}{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					"inputSchema": map[string]interface{}{"json": params},
				},
			})
		}
		if len(toolsList) > 0 {
			userCtx["tools"] = toolsList
		}
	}
	if results := toolResultsOf(current.content); len(results) > 0 {
		userCtx["toolResults"] = results
	}
	if len(userCtx) > 0 {
		userInput["userInputMessageContext"] = userCtx
	}

	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  conversationID,
		"currentMessage":  map[string]interface{}{"userInputMessage": userInput},
	}
	if len(historyPayload) > 0 {
		conversationState["history"] = historyPayload
	}

	payload := map[string]interface{}{"conversationState": conversationState}
	if profileArn != "" {
		payload["profileArn"] = profileArn
	}

	return &Result{Payload: payload, UpstreamModel: upstreamModel}, nil
}

// relocateLongToolDescriptions replaces any tool description longer than
// maxLen with a reference pointer and returns the accumulated documentation
// block to fold into the system prompt.
func relocateLongToolDescriptions(tools []chatapi.Tool, maxLen int) ([]chatapi.Tool, string) {
	if len(tools) == 0 {
		return nil, ""
	}
	if maxLen <= 0 {
		return tools, ""
	}

	var docs []string
	out := make([]chatapi.Tool, len(tools))
	for i, t := range tools {
		out[i] = t
		if t.Type != "function" || len(t.Function.Description) <= maxLen {
			continue
		}
		docs = append(docs, fmt.Sprintf("## Tool: %s\n\n%s", t.Function.Name, t.Function.Description))
		out[i].Function.Description = fmt.Sprintf("[Full documentation in system prompt under '## Tool: %s']", t.Function.Name)
	}
	if len(docs) == 0 {
		return out, ""
	}
	doc := "\n\n---\n# Tool Documentation\nThe following tools have detailed documentation that couldn't fit in the tool definition.\n\n" +
		strings.Join(docs, "\n\n---\n\n")
	return out, doc
}

// extractSystem concatenates every system message's text, appends the tool
// documentation block, and returns the non-system messages converted to the
// translator's working representation.
func extractSystem(messages []chatapi.Message, toolDocs string) (string, []workMessage) {
	var sb strings.Builder
	nonSystem := make([]workMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			sb.WriteString(m.Content.ExtractText())
			sb.WriteString("\n")
			continue
		}
		nonSystem = append(nonSystem, workMessage{role: m.Role, content: m.Content, toolCalls: m.ToolCalls, toolCallID: m.ToolCallID})
	}
	systemPrompt := strings.TrimSpace(sb.String())
	if toolDocs != "" {
		if systemPrompt != "" {
			systemPrompt += toolDocs
		} else {
			systemPrompt = strings.TrimSpace(toolDocs)
		}
	}
	return systemPrompt, nonSystem
}

// foldToolMessages collapses each contiguous run of role=tool messages into
// a single synthetic user message carrying a tool_result block per member,
// in original order.
func foldToolMessages(messages []workMessage) []workMessage {
	var out []workMessage
	var pending []chatapi.ContentBlock

	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, workMessage{role: "user", content: chatapi.Content{Kind: chatapi.ContentBlocks, Blocks: pending}})
		pending = nil
	}

	for _, m := range messages {
		if m.role != "tool" {
			flush()
			out = append(out, m)
			continue
		}
		text := m.content.ExtractText()
		if text == "" {
			text = "(empty result)"
		}
		pending = append(pending, chatapi.ContentBlock{
			Type:                "tool_result",
			ToolResultToolUseID: m.toolCallID,
			ToolResultText:      text,
		})
	}
	flush()
	return out
}

// mergeAdjacent collapses consecutive same-role messages per spec §4.3 pass 4.
func mergeAdjacent(messages []workMessage) []workMessage {
	var merged []workMessage
	for _, m := range messages {
		if len(merged) == 0 {
			merged = append(merged, m)
			continue
		}
		last := &merged[len(merged)-1]
		if last.role != m.role {
			merged = append(merged, m)
			continue
		}
		last.content = mergeContent(last.content, m.content)
		if m.role == "assistant" && len(m.toolCalls) > 0 {
			last.toolCalls = append(last.toolCalls, m.toolCalls...)
		}
	}
	return merged
}

func mergeContent(a, b chatapi.Content) chatapi.Content {
	aList := a.Kind == chatapi.ContentBlocks
	bList := b.Kind == chatapi.ContentBlocks
	switch {
	case aList && bList:
		return chatapi.Content{Kind: chatapi.ContentBlocks, Blocks: append(append([]chatapi.ContentBlock{}, a.Blocks...), b.Blocks...)}
	case aList && !bList:
		return chatapi.Content{Kind: chatapi.ContentBlocks, Blocks: append(append([]chatapi.ContentBlock{}, a.Blocks...), chatapi.ContentBlock{Type: "text", Text: b.ExtractText()})}
	case !aList && bList:
		return chatapi.Content{Kind: chatapi.ContentBlocks, Blocks: append([]chatapi.ContentBlock{{Type: "text", Text: a.ExtractText()}}, b.Blocks...)}
	default:
		return chatapi.Content{Kind: chatapi.ContentText, Text: a.ExtractText() + "\n" + b.ExtractText()}
	}
}

// foldSystemIn prepends the system prompt to the first history-bound
// message's text, or to the current message when there is no history.
func foldSystemIn(systemPrompt string, history *[]workMessage, current *workMessage) {
	if systemPrompt == "" {
		return
	}
	if len(*history) > 0 {
		first := &(*history)[0]
		first.content = chatapi.Content{Kind: chatapi.ContentText, Text: systemPrompt + "\n\n" + first.content.ExtractText()}
		return
	}
	current.content = chatapi.Content{Kind: chatapi.ContentText, Text: systemPrompt + "\n\n" + current.content.ExtractText()}
}

func toHistoryEntry(m workMessage, upstreamModel string) map[string]interface{} {
	if m.role == "assistant" {
		return map[string]interface{}{"assistantResponseMessage": assistantResponsePayload(m)}
	}
	entry := map[string]interface{}{
		"content": m.content.ExtractText(),
		"modelId": upstreamModel,
		"origin":  "AI_EDITOR",
	}
	if images := upstreamImages(m.content); len(images) > 0 {
		entry["images"] = images
	}
	if results := toolResultsOf(m.content); len(results) > 0 {
		entry["userInputMessageContext"] = map[string]interface{}{"toolResults": results}
	}
	return map[string]interface{}{"userInputMessage": entry}
}

func assistantResponsePayload(m workMessage) map[string]interface{} {
	out := map[string]interface{}{"content": m.content.ExtractText()}
	if uses := toolUsesOf(m); len(uses) > 0 {
		out["toolUses"] = uses
	}
	return out
}

// toolUsesOf extracts both function-call-shaped tool calls (assistant
// messages' ToolCalls array) and tool_use content blocks into the upstream
// toolUses shape.
func toolUsesOf(m workMessage) []map[string]interface{} {
	var out []map[string]interface{}
	for _, tc := range m.toolCalls {
		var args interface{} = map[string]interface{}{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out = append(out, map[string]interface{}{
			"name":      tc.Function.Name,
			"input":     args,
			"toolUseId": tc.ID,
		})
	}
	if m.content.Kind == chatapi.ContentBlocks {
		for _, b := range m.content.Blocks {
			if b.Type != "tool_use" {
				continue
			}
			input := b.ToolUseInput
			if input == nil {
				input = map[string]interface{}{}
			}
			out = append(out, map[string]interface{}{
				"name":      b.ToolUseName,
				"input":     input,
				"toolUseId": b.ToolUseID,
			})
		}
	}
	return out
}

func toolResultsOf(c chatapi.Content) []map[string]interface{} {
	if c.Kind != chatapi.ContentBlocks {
		return nil
	}
	var out []map[string]interface{}
	for _, b := range c.Blocks {
		if b.Type != "tool_result" {
			continue
		}
		out = append(out, map[string]interface{}{
			"content":   []map[string]interface{}{{"text": b.ToolResultText}},
			"status":    "success",
			"toolUseId": b.ToolResultToolUseID,
		})
	}
	return out
}

// upstreamImages normalizes every image-bearing block in c to the upstream
// {format, source.bytes} shape. URL-sourced images are dropped (no warning
// sink is threaded through this pure function; callers may log separately).
func upstreamImages(c chatapi.Content) []map[string]interface{} {
	if c.Kind != chatapi.ContentBlocks {
		return nil
	}
	var out []map[string]interface{}
	for _, b := range c.Blocks {
		if b.Type != "image_url" && b.Type != "image" {
			continue
		}
		if b.ImageIsURL || b.ImageData == "" {
			continue
		}
		format := b.ImageMediaType
		if idx := strings.LastIndex(format, "/"); idx >= 0 {
			format = format[idx+1:]
		}
		out = append(out, map[string]interface{}{
			"format": format,
			"source": map[string]interface{}{"bytes": b.ImageData},
		})
	}
	return out
}
