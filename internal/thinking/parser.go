// Package thinking extracts <thinking>...</thinking>-style reasoning
// prefixes out of an incremental content stream and re-renders them
// according to the configured handling mode.
package thinking

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

type state int

const (
	statePreContent state = iota
	stateInThinking
	stateStreaming
)

// Chunk is one unit of output from Feed/Finalize: either regular content or
// a piece of reasoning content.
type Chunk struct {
	Content            string
	Reasoning          string
	IsLastThinkingChunk bool
}

// Parser is a single-owner, non-concurrency-safe state machine. One instance
// belongs exclusively to the goroutine processing one request's stream.
type Parser struct {
	openTags          []string
	closeTags         []string
	initialBufferSize int
	handling          gwconfig.FakeReasoningHandling
	maxTagLength      int

	state         state
	buf           string
	matchedOpen   string
	matchedClose  string

	passOpenEmitted bool
}

// NewParser builds a parser from the gateway config's fake-reasoning
// settings.
func NewParser(cfg *gwconfig.Config) *Parser {
	openTags := cfg.FakeReasoningOpenTags
	if len(openTags) == 0 {
		openTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}
	}
	closeTags := make([]string, len(openTags))
	longest := 0
	for i, t := range openTags {
		closeTags[i] = "</" + strings.TrimPrefix(strings.TrimSuffix(t, ">"), "<") + ">"
		if len(t) > longest {
			longest = len(t)
		}
	}
	initial := cfg.FakeReasoningInitialBuf
	if initial == 0 {
		initial = 20
	}
	return &Parser{
		openTags:          openTags,
		closeTags:         closeTags,
		initialBufferSize: initial,
		handling:          cfg.FakeReasoningHandling,
		maxTagLength:      2 * longest,
		state:             statePreContent,
	}
}

// Feed advances the state machine with newly arrived text and returns any
// chunks that became ready to emit.
func (p *Parser) Feed(text string) []Chunk {
	var out []Chunk
	switch p.state {
	case statePreContent:
		out = p.feedPreContent(text)
	case stateInThinking:
		out = p.feedInThinking(text)
	case stateStreaming:
		out = append(out, Chunk{Content: text})
	}
	return out
}

func (p *Parser) feedPreContent(text string) []Chunk {
	p.buf += text
	trimmed := strings.TrimLeft(p.buf, " \t\r\n")

	for i, tag := range p.openTags {
		if strings.HasPrefix(trimmed, tag) {
			rest := trimmed[len(tag):]
			p.matchedOpen = tag
			p.matchedClose = p.closeTags[i]
			p.buf = ""
			p.state = stateInThinking
			return p.feedInThinking(rest)
		}
	}

	if !anyTagHasPrefix(p.openTags, trimmed) && len(trimmed) > p.initialBufferSize {
		p.state = stateStreaming
		flushed := p.buf
		p.buf = ""
		return []Chunk{{Content: flushed}}
	}
	return nil
}

func anyTagHasPrefix(tags []string, s string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, s) || strings.HasPrefix(s, t) {
			return true
		}
	}
	return false
}

func (p *Parser) feedInThinking(text string) []Chunk {
	p.buf += text
	idx := strings.Index(p.buf, p.matchedClose)
	if idx < 0 {
		var out []Chunk
		if len(p.buf) > p.maxTagLength {
			flushLen := len(p.buf) - p.maxTagLength
			flushed := p.buf[:flushLen]
			p.buf = p.buf[flushLen:]
			if flushed != "" {
				out = append(out, Chunk{Reasoning: flushed})
			}
		}
		return out
	}

	thinkingText := p.buf[:idx]
	rest := strings.TrimLeft(p.buf[idx+len(p.matchedClose):], " \t\r\n")
	p.buf = ""
	p.state = stateStreaming

	var out []Chunk
	out = append(out, Chunk{Reasoning: thinkingText, IsLastThinkingChunk: true})
	if rest != "" {
		out = append(out, Chunk{Content: rest})
	}
	return out
}

// Finalize flushes any residual buffered content when the stream ends
// without a matching close tag.
func (p *Parser) Finalize() []Chunk {
	switch p.state {
	case stateInThinking:
		if p.buf != "" {
			slog.Warn("stream ended mid-thinking-block, emitting residual as incomplete reasoning")
			return []Chunk{{Reasoning: p.buf, IsLastThinkingChunk: true}}
		}
	case statePreContent:
		if p.buf != "" {
			return []Chunk{{Content: p.buf}}
		}
	}
	return nil
}

// Render applies the configured handling mode to a chunk, returning the
// (content, reasoningContent) pair to place into the OpenAI-shaped delta.
// Either return value may be empty.
func (p *Parser) Render(c Chunk) (content string, reasoning string) {
	if c.Reasoning == "" {
		return c.Content, ""
	}
	switch p.handling {
	case gwconfig.HandlingRemove:
		return c.Content, ""
	case gwconfig.HandlingPass:
		var prefix, suffix string
		if !p.passOpenEmitted {
			prefix = p.matchedOpen
			p.passOpenEmitted = true
		}
		if c.IsLastThinkingChunk {
			suffix = p.matchedClose
			p.passOpenEmitted = false
		}
		return prefix + c.Reasoning + suffix, ""
	case gwconfig.HandlingStripTags:
		return c.Reasoning, ""
	default: // as_reasoning_content
		return c.Content, c.Reasoning
	}
}
