package relay

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-zen/zen/internal/billing"
)

// ResponsesAdapter speaks the responses wire convention: bearer auth, usage
// nested under a terminal response.completed stream event.
type ResponsesAdapter struct{}

// Name implements Adapter.
func (ResponsesAdapter) Name() string { return "responses" }

// APIKeyFromRequest implements Adapter.
func (ResponsesAdapter) APIKeyFromRequest(r *http.Request) string {
	return bearerToken(r)
}

// SetAuthHeader implements Adapter.
func (ResponsesAdapter) SetAuthHeader(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// PrepareBody implements Adapter.
func (ResponsesAdapter) PrepareBody(body map[string]any, model string, stream bool) {
	body["model"] = model
}

// responsesUsage is the protocol's raw usage block.
type responsesUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// normalize converts raw counts to the shared shape, subtracting cached
// tokens from input and reasoning tokens from output as the
// chat-completions protocol does.
func (u responsesUsage) normalize() billing.TokenUsage {
	return billing.TokenUsage{
		InputTokens:     u.InputTokens - u.InputTokensDetails.CachedTokens,
		OutputTokens:    u.OutputTokens - u.OutputTokensDetails.ReasoningTokens,
		ReasoningTokens: u.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: u.InputTokensDetails.CachedTokens,
	}
}

// UsageFromBody implements Adapter.
func (ResponsesAdapter) UsageFromBody(body []byte) (billing.TokenUsage, bool) {
	var payload struct {
		Usage *responsesUsage `json:"usage"`
	}
	if errParse := json.Unmarshal(body, &payload); errParse != nil || payload.Usage == nil {
		return billing.TokenUsage{}, false
	}
	return payload.Usage.normalize(), true
}

// ReduceFrame implements Adapter. Usage appears only on the terminal
// response.completed event.
func (ResponsesAdapter) ReduceFrame(acc StreamUsage, frame string) StreamUsage {
	for _, payload := range dataPayloads(frame) {
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var event struct {
			Type     string `json:"type"`
			Response *struct {
				Usage *responsesUsage `json:"usage"`
			} `json:"response"`
		}
		if errParse := json.Unmarshal([]byte(payload), &event); errParse != nil {
			continue
		}
		if event.Type != "response.completed" || event.Response == nil || event.Response.Usage == nil {
			continue
		}
		acc.Usage = event.Response.Usage.normalize()
		acc.Seen = true
		acc.Complete = true
	}
	return acc
}
