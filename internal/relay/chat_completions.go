package relay

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-zen/zen/internal/billing"
)

// ChatCompletionsAdapter speaks the chat-completions wire convention:
// bearer auth, usage in a trailing stream chunk after opting in through
// stream_options.include_usage.
type ChatCompletionsAdapter struct{}

// Name implements Adapter.
func (ChatCompletionsAdapter) Name() string { return "chat-completions" }

// APIKeyFromRequest implements Adapter.
func (ChatCompletionsAdapter) APIKeyFromRequest(r *http.Request) string {
	return bearerToken(r)
}

// SetAuthHeader implements Adapter.
func (ChatCompletionsAdapter) SetAuthHeader(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// PrepareBody implements Adapter. Streaming requests opt into the inline
// usage chunk; without it the upstream never reports token counts.
func (ChatCompletionsAdapter) PrepareBody(body map[string]any, model string, stream bool) {
	body["model"] = model
	if !stream {
		return
	}
	opts, _ := body["stream_options"].(map[string]any)
	if opts == nil {
		opts = make(map[string]any)
	}
	opts["include_usage"] = true
	body["stream_options"] = opts
}

// chatUsage is the protocol's raw usage block.
type chatUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// normalize converts raw counts to the shared shape. Cached tokens are
// subtracted from the prompt count and reasoning tokens from the completion
// count so the cache and reasoning rates are not double-billed.
func (u chatUsage) normalize() billing.TokenUsage {
	return billing.TokenUsage{
		InputTokens:     u.PromptTokens - u.PromptTokensDetails.CachedTokens,
		OutputTokens:    u.CompletionTokens - u.CompletionTokensDetails.ReasoningTokens,
		ReasoningTokens: u.CompletionTokensDetails.ReasoningTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

// UsageFromBody implements Adapter.
func (ChatCompletionsAdapter) UsageFromBody(body []byte) (billing.TokenUsage, bool) {
	var payload struct {
		Usage *chatUsage `json:"usage"`
	}
	if errParse := json.Unmarshal(body, &payload); errParse != nil || payload.Usage == nil {
		return billing.TokenUsage{}, false
	}
	return payload.Usage.normalize(), true
}

// ReduceFrame implements Adapter. Usage arrives in a single chunk at the end
// of the stream, so seeing it also marks the accumulator complete.
func (ChatCompletionsAdapter) ReduceFrame(acc StreamUsage, frame string) StreamUsage {
	for _, payload := range dataPayloads(frame) {
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Usage *chatUsage `json:"usage"`
		}
		if errParse := json.Unmarshal([]byte(payload), &chunk); errParse != nil || chunk.Usage == nil {
			continue
		}
		acc.Usage = chunk.Usage.normalize()
		acc.Seen = true
		acc.Complete = true
	}
	return acc
}
