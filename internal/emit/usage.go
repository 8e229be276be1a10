package emit

import (
	"encoding/json"
	"math"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
	"github.com/nextlevelbuilder/kiroclaw/internal/tokencount"
)

// Usage is the computed usage block attached to both streaming and
// aggregated responses.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreditsUsed      json.RawMessage

	// PromptSource/TotalSource record which path produced the number, for
	// observability only — not serialized into the OpenAI-shaped usage
	// object itself.
	PromptSource string
	TotalSource  string
}

// computeUsage mirrors the original's _calculate_usage_tokens: prefer the
// upstream-reported contextUsagePercentage, back-computing total tokens from
// the model's max input tokens and subtracting completion tokens for the
// prompt count; otherwise fall back to local tokenization of the request.
func computeUsage(
	fullContent string,
	contextPct float64,
	sawContextPct bool,
	cache *modelcache.Cache,
	model string,
	reqMessages []chatapi.Message,
	reqTools []chatapi.Tool,
) Usage {
	completionTokens := tokencount.Count(fullContent)

	totalFromAPI := 0
	if sawContextPct && contextPct > 0 {
		maxInput := cache.GetMaxInputTokens(model)
		totalFromAPI = int(math.Round((contextPct / 100) * float64(maxInput)))
	}

	if totalFromAPI > 0 {
		promptTokens := totalFromAPI - completionTokens
		if promptTokens < 0 {
			promptTokens = 0
		}
		return Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalFromAPI,
			PromptSource:     "subtraction",
			TotalSource:      "kiro_api",
		}
	}

	promptTokens := tokencount.CountMessages(reqMessages) + tokencount.CountTools(reqTools)
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		PromptSource:     "tiktoken",
		TotalSource:      "tiktoken",
	}
}
