// Package chatapi decodes the inbound OpenAI-shaped chat completion request
// at the HTTP boundary, normalizing the polymorphic message content into a
// small tagged variant so downstream code never inspects "dict vs object."
package chatapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentKind tags which variant a Content value carries.
type ContentKind int

const (
	ContentEmpty ContentKind = iota
	ContentText
	ContentBlocks
)

// Content is OpenAI's polymorphic message content: absent, a plain string,
// or an ordered sequence of typed blocks.
type Content struct {
	Kind   ContentKind
	Text   string
	Blocks []ContentBlock
}

// ContentBlock is one element of a Content's Blocks sequence. Only the
// fields relevant to Block's Type are populated.
type ContentBlock struct {
	Type string

	// populated whenever the raw block JSON carries a top-level "text" key,
	// regardless of Type — mirrors the original converter's "elif 'text' in
	// item" fallback.
	Text string

	// image_url (OpenAI) / image (Anthropic)
	ImageMediaType string
	ImageData      string // base64 payload; empty when the image is URL-sourced
	ImageIsURL     bool   // true when the image source is a URL, not inline data

	// tool_use
	ToolUseID    string
	ToolUseName  string
	ToolUseInput map[string]interface{}

	// tool_result
	ToolResultToolUseID string
	ToolResultText      string
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`

	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`

	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	} `json:"source"`

	ToolUseID string                 `json:"tool_use_id"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	Content   json.RawMessage        `json:"content"`
}

// UnmarshalJSON decodes null, a string, or an array of blocks into the
// tagged Content variant.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*c = Content{Kind: ContentEmpty}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Kind: ContentText, Text: s}
		return nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		blocks := make([]ContentBlock, 0, len(items))
		for _, item := range items {
			if b, ok := decodeBlock(item); ok {
				blocks = append(blocks, b)
			}
		}
		*c = Content{Kind: ContentBlocks, Blocks: blocks}
		return nil
	}
	return fmt.Errorf("chatapi: unsupported content shape %q", string(trimmed))
}

// MarshalJSON re-encodes Content: empty as null and text as a string, as in
// the original input; a block list is encoded with ContentBlock's Go field
// names, not the original block keys. The translator never calls this.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(c.Text)
	case ContentBlocks:
		return json.Marshal(c.Blocks)
	default:
		return json.Marshal(nil)
	}
}

func decodeBlock(raw json.RawMessage) (ContentBlock, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ContentBlock{}, false
		}
		return ContentBlock{Type: "text", Text: s}, true
	}

	var rb rawBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return ContentBlock{}, false
	}

	block := ContentBlock{Type: rb.Type, Text: rb.Text}

	switch rb.Type {
	case "image_url":
		if rb.ImageURL != nil {
			populateImage(&block, rb.ImageURL.URL, "", "")
		}
	case "image":
		if rb.Source != nil {
			if rb.Source.Type == "url" {
				block.ImageIsURL = true
			} else {
				populateImage(&block, "", rb.Source.MediaType, rb.Source.Data)
			}
		}
	case "tool_use":
		block.ToolUseID = rb.ID
		block.ToolUseName = rb.Name
		block.ToolUseInput = rb.Input
	case "tool_result":
		block.ToolResultToolUseID = rb.ToolUseID
		block.ToolResultText = extractRawText(rb.Content)
	}
	return block, true
}

// populateImage normalizes an OpenAI data: URL or an already-split
// media-type/data pair into the block's image fields. A non-"data:" URL is
// marked ImageIsURL so the translator can drop it with a warning.
func populateImage(block *ContentBlock, dataURL, mediaType, data string) {
	if dataURL != "" {
		if !hasPrefix(dataURL, "data:") {
			block.ImageIsURL = true
			return
		}
		header, payload, ok := splitOnce(dataURL, ",")
		if !ok {
			block.ImageIsURL = true
			return
		}
		mt, _, _ := splitOnce(header, ";")
		block.ImageMediaType = trimPrefix(mt, "data:")
		block.ImageData = payload
		return
	}
	if data == "" {
		return
	}
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	block.ImageMediaType = mediaType
	block.ImageData = data
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimPrefix(s, prefix string) string {
	if hasPrefix(s, prefix) {
		return s[len(prefix):]
	}
	return s
}

func splitOnce(s, sep string) (string, string, bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

// extractRawText pulls a best-effort text value out of a tool_result's
// "content" field, which may itself be a bare string or a nested block list.
func extractRawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var c Content
	if err := c.UnmarshalJSON(raw); err == nil {
		return c.ExtractText()
	}
	return ""
}

// ExtractText joins the text-bearing parts of Content, matching the
// original converter's extract_text_content: absent content is "", plain
// text is returned verbatim, and a block list concatenates every block's
// Text field.
func (c Content) ExtractText() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentBlocks:
		var sb bytes.Buffer
		for _, b := range c.Blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	default:
		return ""
	}
}

// ToolCallFunction is the function payload of one assistant tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one assistant-emitted function call.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is one OpenAI-shaped chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolFunction describes one callable tool's schema.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool is one entry of the request's tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ChatCompletionRequest is the inbound OpenAI-compatible request body.
// Fields the gateway does not act on (temperature, max_tokens, ...) are
// intentionally absent; encoding/json ignores unknown input fields.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
}
