package translate

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
)

func textMsg(role, text string) chatapi.Message {
	return chatapi.Message{Role: role, Content: chatapi.Content{Kind: chatapi.ContentText, Text: text}}
}

func cfg() *gwconfig.Config {
	return &gwconfig.Config{ToolDescriptionMaxLength: 10000}
}

// --- history alternation (P1) ---

func TestBuild_HistoryAlternatesUserAssistant(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("user", "hi"),
			textMsg("assistant", "hello"),
			textMsg("user", "how are you"),
			textMsg("assistant", "fine"),
			textMsg("user", "bye"),
		},
	}
	res, err := Build(cfg(), req, "conv-1", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	history, _ := cs["history"].([]map[string]interface{})
	wantRoles := []string{"userInputMessage", "assistantResponseMessage", "userInputMessage", "assistantResponseMessage"}
	if len(history) != len(wantRoles) {
		t.Fatalf("got %d history entries, want %d: %+v", len(history), len(wantRoles), history)
	}
	for i, entry := range history {
		if _, ok := entry[wantRoles[i]]; !ok {
			t.Errorf("history[%d] = %+v, want key %q", i, entry, wantRoles[i])
		}
	}
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "bye" {
		t.Errorf("currentMessage.content = %v, want %q", current["content"], "bye")
	}
}

// --- scenario 4: system fold ---

func TestBuild_SystemFoldedIntoFirstHistoryMessage(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("system", "S"),
			textMsg("user", "A"),
			textMsg("assistant", "B"),
			textMsg("user", "C"),
		},
	}
	res, err := Build(cfg(), req, "conv", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	history := cs["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("got %d history entries, want 2: %+v", len(history), history)
	}
	firstUser := history[0]["userInputMessage"].(map[string]interface{})
	if firstUser["content"] != "S\n\nA" {
		t.Errorf("got first history content %q, want %q", firstUser["content"], "S\n\nA")
	}
	secondAssistant := history[1]["assistantResponseMessage"].(map[string]interface{})
	if secondAssistant["content"] != "B" {
		t.Errorf("got second history content %q, want %q", secondAssistant["content"], "B")
	}
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "C" {
		t.Errorf("currentMessage.content = %v, want %q", current["content"], "C")
	}
}

func TestBuild_SystemFoldedIntoCurrentWhenNoHistory(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("system", "S"),
			textMsg("user", "only"),
		},
	}
	res, err := Build(cfg(), req, "conv", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	if _, ok := cs["history"]; ok {
		t.Fatalf("expected no history, got %+v", cs["history"])
	}
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "S\n\nonly" {
		t.Errorf("currentMessage.content = %v, want %q", current["content"], "S\n\nonly")
	}
}

// --- scenario 5: tool-message folding ---

func TestBuild_ToolMessageFoldedToToolResults(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("user", "do X"),
			{
				Role:      "assistant",
				Content:   chatapi.Content{Kind: chatapi.ContentEmpty},
				ToolCalls: []chatapi.ToolCall{{ID: "t1", Type: "function", Function: chatapi.ToolCallFunction{Name: "f", Arguments: "{}"}}},
			},
			{
				Role:       "tool",
				Content:    chatapi.Content{Kind: chatapi.ContentText, Text: "result"},
				ToolCallID: "t1",
			},
		},
	}
	res, err := Build(cfg(), req, "conv", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	history := cs["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("got %d history entries, want 2: %+v", len(history), history)
	}
	assistantEntry := history[1]["assistantResponseMessage"].(map[string]interface{})
	uses, ok := assistantEntry["toolUses"].([]map[string]interface{})
	if !ok || len(uses) != 1 || uses[0]["toolUseId"] != "t1" {
		t.Fatalf("got toolUses %+v", assistantEntry["toolUses"])
	}

	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	ctx, ok := current["userInputMessageContext"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected userInputMessageContext, got %+v", current)
	}
	results, ok := ctx["toolResults"].([]map[string]interface{})
	if !ok || len(results) != 1 {
		t.Fatalf("got toolResults %+v", ctx["toolResults"])
	}
	if results[0]["toolUseId"] != "t1" || results[0]["status"] != "success" {
		t.Errorf("unexpected tool result: %+v", results[0])
	}
}

// --- boundary: empty messages list ---

func TestBuild_EmptyMessagesIsTranslationError(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{Model: "auto", Messages: nil}
	_, err := Build(cfg(), req, "conv", "")
	if err == nil {
		t.Fatal("expected an error for empty message list")
	}
}

// --- boundary: last message is assistant ---

func TestBuild_TrailingAssistantBecomesHistoryPlusContinue(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("user", "hi"),
			textMsg("assistant", "done"),
		},
	}
	res, err := Build(cfg(), req, "conv", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	history := cs["history"].([]map[string]interface{})
	if len(history) != 2 {
		t.Fatalf("got %d history entries, want 2 (user + trailing assistant): %+v", len(history), history)
	}
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "Continue" {
		t.Errorf("currentMessage.content = %v, want %q", current["content"], "Continue")
	}
}

// --- boundary: empty final text also becomes "Continue" ---

func TestBuild_EmptyFinalTextBecomesContinue(t *testing.T) {
	req := &chatapi.ChatCompletionRequest{
		Model: "auto",
		Messages: []chatapi.Message{
			textMsg("user", ""),
		},
	}
	res, err := Build(cfg(), req, "conv", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cs := res.Payload["conversationState"].(map[string]interface{})
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "Continue" {
		t.Errorf("currentMessage.content = %v, want %q", current["content"], "Continue")
	}
}

// --- tool description relocation boundary ---

func TestRelocateLongToolDescriptions_ExactlyAtLimitUnchanged(t *testing.T) {
	desc := strings.Repeat("a", 10000)
	tools := []chatapi.Tool{{Type: "function", Function: chatapi.ToolFunction{Name: "f", Description: desc}}}
	out, docs := relocateLongToolDescriptions(tools, 10000)
	if docs != "" {
		t.Errorf("expected no relocation at exactly the limit, got docs %q", docs)
	}
	if out[0].Function.Description != desc {
		t.Errorf("description was modified despite being exactly at the limit")
	}
}

func TestRelocateLongToolDescriptions_OneOverLimitRelocated(t *testing.T) {
	desc := strings.Repeat("a", 10001)
	tools := []chatapi.Tool{{Type: "function", Function: chatapi.ToolFunction{Name: "f", Description: desc}}}
	out, docs := relocateLongToolDescriptions(tools, 10000)
	if docs == "" {
		t.Fatal("expected relocation doc block for one-char-over description")
	}
	if !strings.Contains(docs, desc) {
		t.Error("relocated doc block does not contain the full description")
	}
	if out[0].Function.Description == desc {
		t.Error("description should have been replaced with a pointer")
	}
	if !strings.Contains(out[0].Function.Description, "## Tool: f") {
		t.Errorf("got replacement description %q", out[0].Function.Description)
	}
}

// --- merge adjacent (pass 4) ---

func TestMergeAdjacent_StringPlusStringJoinsWithNewline(t *testing.T) {
	merged := mergeAdjacent([]workMessage{
		{role: "user", content: chatapi.Content{Kind: chatapi.ContentText, Text: "a"}},
		{role: "user", content: chatapi.Content{Kind: chatapi.ContentText, Text: "b"}},
	})
	if len(merged) != 1 {
		t.Fatalf("got %d merged messages, want 1", len(merged))
	}
	if merged[0].content.ExtractText() != "a\nb" {
		t.Errorf("got %q, want %q", merged[0].content.ExtractText(), "a\nb")
	}
}

func TestMergeAdjacent_DifferentRolesNotMerged(t *testing.T) {
	merged := mergeAdjacent([]workMessage{
		{role: "user", content: chatapi.Content{Kind: chatapi.ContentText, Text: "a"}},
		{role: "assistant", content: chatapi.Content{Kind: chatapi.ContentText, Text: "b"}},
	})
	if len(merged) != 2 {
		t.Fatalf("got %d merged messages, want 2", len(merged))
	}
}
