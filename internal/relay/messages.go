package relay

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-zen/zen/internal/billing"
)

// MessagesAdapter speaks the messages wire convention: x-api-key auth,
// usage split across message_start and message_delta stream events with
// TTL-bucketed cache-creation counts.
type MessagesAdapter struct{}

// Name implements Adapter.
func (MessagesAdapter) Name() string { return "messages" }

// APIKeyFromRequest implements Adapter.
func (MessagesAdapter) APIKeyFromRequest(r *http.Request) string {
	return r.Header.Get("x-api-key")
}

// SetAuthHeader implements Adapter.
func (MessagesAdapter) SetAuthHeader(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
}

// PrepareBody implements Adapter. The protocol reports usage on streamed
// responses unconditionally, so only the model needs substituting.
func (MessagesAdapter) PrepareBody(body map[string]any, model string, stream bool) {
	body["model"] = model
}

// messagesUsage is the protocol's raw usage block.
type messagesUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheCreation            struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

// normalize converts raw counts to the shared shape. Counts are taken
// verbatim: this protocol's input_tokens already excludes cache tokens.
// The flat cache_creation_input_tokens field is a legacy alias for the
// 5-minute bucket, used only when the bucketed object is absent.
func (u messagesUsage) normalize() billing.TokenUsage {
	write5m := u.CacheCreation.Ephemeral5m
	if write5m == 0 && u.CacheCreation.Ephemeral1h == 0 {
		write5m = u.CacheCreationInputTokens
	}
	return billing.TokenUsage{
		InputTokens:        u.InputTokens,
		OutputTokens:       u.OutputTokens,
		CacheReadTokens:    u.CacheReadInputTokens,
		CacheWrite5mTokens: write5m,
		CacheWrite1hTokens: u.CacheCreation.Ephemeral1h,
	}
}

// UsageFromBody implements Adapter.
func (MessagesAdapter) UsageFromBody(body []byte) (billing.TokenUsage, bool) {
	var payload struct {
		Usage *messagesUsage `json:"usage"`
	}
	if errParse := json.Unmarshal(body, &payload); errParse != nil || payload.Usage == nil {
		return billing.TokenUsage{}, false
	}
	return payload.Usage.normalize(), true
}

// messagesEvent is the envelope of one streamed event.
type messagesEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *messagesUsage `json:"usage"`
	} `json:"message"`
	Usage *messagesUsage `json:"usage"`
}

// ReduceFrame implements Adapter. message_start carries the input-side
// counts, message_delta the final output count; the delta is the terminal
// usage event so it marks the accumulator complete.
func (MessagesAdapter) ReduceFrame(acc StreamUsage, frame string) StreamUsage {
	for _, payload := range dataPayloads(frame) {
		if payload == "" {
			continue
		}
		var event messagesEvent
		if errParse := json.Unmarshal([]byte(payload), &event); errParse != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			if event.Message == nil || event.Message.Usage == nil {
				continue
			}
			start := event.Message.Usage.normalize()
			acc.Usage.InputTokens = start.InputTokens
			acc.Usage.CacheReadTokens = start.CacheReadTokens
			acc.Usage.CacheWrite5mTokens = start.CacheWrite5mTokens
			acc.Usage.CacheWrite1hTokens = start.CacheWrite1hTokens
			if start.OutputTokens > 0 {
				acc.Usage.OutputTokens = start.OutputTokens
			}
			acc.Seen = true
		case "message_delta":
			if event.Usage == nil {
				continue
			}
			if event.Usage.OutputTokens > 0 {
				acc.Usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Usage.InputTokens > 0 {
				acc.Usage.InputTokens = event.Usage.InputTokens
			}
			acc.Seen = true
			acc.Complete = true
		}
	}
	return acc
}
