package relay

import (
	"net/http"
	"strings"

	"github.com/opencode-zen/zen/internal/billing"
)

// frameDelimiter separates server-sent-event frames on every supported
// upstream protocol.
const frameDelimiter = "\n\n"

// StreamUsage accumulates usage across streamed frames. Usage is flushed to
// the ledger only when Complete is set: a client disconnect mid-stream before
// the terminal usage event discards partial counts.
type StreamUsage struct {
	Usage    billing.TokenUsage
	Seen     bool // At least one usage payload was observed.
	Complete bool // The protocol's terminal usage event was observed.
}

// Adapter binds one upstream wire convention to the shared relay pipeline.
// Implementations are stateless; streaming state lives in the StreamUsage
// value threaded through ReduceFrame.
type Adapter interface {
	// Name identifies the protocol in logs and usage rows.
	Name() string

	// APIKeyFromRequest extracts the caller credential from the inbound
	// request per the protocol's auth convention, empty when absent.
	APIKeyFromRequest(r *http.Request) string

	// SetAuthHeader injects the provider credential into the outbound
	// headers in the scheme the provider expects.
	SetAuthHeader(h http.Header, apiKey string)

	// PrepareBody rewrites the parsed JSON body in place before forwarding:
	// model substitution plus any protocol opt-ins (e.g. inline stream usage).
	PrepareBody(body map[string]any, model string, stream bool)

	// UsageFromBody extracts usage from a complete non-streaming response
	// body. The second return is false when the body carries no usage.
	UsageFromBody(body []byte) (billing.TokenUsage, bool)

	// ReduceFrame folds one complete stream frame into the accumulated
	// usage. Adapters never mutate the frame; extraction only observes.
	ReduceFrame(acc StreamUsage, frame string) StreamUsage
}

// dataPayloads returns the decoded data lines of one SSE frame, skipping
// comments and non-data fields.
func dataPayloads(frame string) []string {
	var out []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	return out
}

// bearerToken extracts a bearer credential from an Authorization header,
// empty when the header is missing or not a bearer scheme.
func bearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return ""
	}
	const prefix = "bearer "
	if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return strings.TrimSpace(value[len(prefix):])
	}
	return ""
}
