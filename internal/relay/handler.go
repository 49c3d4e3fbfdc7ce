package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencode-zen/zen/internal/billing"
	"github.com/opencode-zen/zen/internal/catalog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// maxErrorDetailBytes caps how much of an upstream error body is persisted.
const maxErrorDetailBytes = 16 * 1024

// requestIDKey is the gin context key carrying the gateway request ID.
const requestIDKey = "relay_request_id"

// Reloader triggers the fire-and-forget balance reload check after a billed
// request. Implementations must never block the caller's response path.
type Reloader interface {
	MaybeReload(ctx context.Context, workspaceID uint64)
}

// Handler is the shared relay pipeline. Each protocol endpoint binds it to
// a different Adapter; everything else is common.
type Handler struct {
	catalog  *catalog.Store
	selector *catalog.Selector
	auth     *Authenticator
	ledger   *billing.Ledger
	forward  *Forwarder
	reloader Reloader
}

// NewHandler constructs a Handler. reloader may be nil to disable reloads.
func NewHandler(store *catalog.Store, selector *catalog.Selector, auth *Authenticator, ledger *billing.Ledger, forward *Forwarder, reloader Reloader) *Handler {
	return &Handler{
		catalog:  store,
		selector: selector,
		auth:     auth,
		ledger:   ledger,
		forward:  forward,
		reloader: reloader,
	}
}

// Relay returns the gin handler for one protocol adapter.
func (h *Handler) Relay(adapter Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.relay(c, adapter); err != nil {
			logRelayError(adapter, err)
			WriteError(c, err)
		}
	}
}

// relay runs the pipeline: authenticate, validate model, select provider,
// check policy, forward, extract usage, record, and kick the reload check.
// Returned errors have not yet written a response.
func (h *Handler) relay(c *gin.Context, adapter Adapter) error {
	requestedAt := time.Now().UTC()
	c.Set(requestIDKey, uuid.NewString())

	rawBody, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		return errRead
	}
	var body map[string]any
	if errParse := json.Unmarshal(rawBody, &body); errParse != nil {
		return NewError(KindModel, "request body is not valid JSON")
	}
	modelID, _ := body["model"].(string)
	stream, _ := body["stream"].(bool)

	snapshot := h.catalog.Snapshot()
	model := snapshot.Model(modelID)
	if model == nil {
		return NewError(KindModel, "unknown model: "+modelID)
	}

	var authCtx *AuthContext
	rawKey := adapter.APIKeyFromRequest(c.Request)
	if rawKey == "" {
		if !model.AllowAnonymous {
			return NewError(KindAuth, "missing api key")
		}
	} else {
		var errAuth error
		authCtx, errAuth = h.auth.Authenticate(c.Request.Context(), rawKey, model.ID)
		if errAuth != nil {
			return errAuth
		}
	}

	candidate, ok := h.selector.Pick(snapshot, model)
	if !ok {
		return NewError(KindModel, "no provider available for model: "+model.ID)
	}

	if errPolicy := CheckPolicy(authCtx, model, time.Now()); errPolicy != nil {
		return errPolicy
	}

	billable := authCtx != nil && !authCtx.Workspace.Free
	if authCtx != nil {
		if byoKey := authCtx.ProviderKeys[candidate.ProviderID]; byoKey != "" {
			candidate.APIKey = byoKey
			billable = false
		}
	}

	adapter.PrepareBody(body, candidate.Model, stream)
	outBody, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return errMarshal
	}

	resp, errForward := h.forward.Do(c.Request.Context(), c.Request, candidate, adapter, outBody)
	if errForward != nil {
		h.recordFailure(c, adapter, authCtx, candidate, model, requestedAt, nil, nil)
		return errForward
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		h.passThroughError(c, adapter, authCtx, candidate, model, requestedAt, resp)
		return nil
	}

	if stream {
		h.relayStream(c, adapter, authCtx, candidate, model, billable, requestedAt, resp)
		return nil
	}
	return h.relayBuffered(c, adapter, authCtx, candidate, model, billable, requestedAt, resp)
}

// relayBuffered forwards a non-streaming response and records usage from the
// complete body.
func (h *Handler) relayBuffered(c *gin.Context, adapter Adapter, authCtx *AuthContext, candidate catalog.Candidate, model *catalog.Model, billable bool, requestedAt time.Time, resp *http.Response) error {
	respBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return errRead
	}

	EchoResponseHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write(respBody)

	if authCtx == nil {
		return nil
	}
	usage, found := adapter.UsageFromBody(respBody)
	if !found {
		return nil
	}
	h.record(c, adapter, authCtx, candidate, model, billable, requestedAt, usage)
	return nil
}

// relayStream forwards the upstream byte stream to the client while folding
// complete frames into the usage accumulator. Chunks are forwarded before
// the next read so the client sees bytes in real time; extraction is a pure
// observer. Usage is recorded only when the terminal usage event arrived, so
// a disconnect mid-stream records nothing.
func (h *Handler) relayStream(c *gin.Context, adapter Adapter, authCtx *AuthContext, candidate catalog.Candidate, model *catalog.Model, billable bool, requestedAt time.Time, resp *http.Response) {
	EchoResponseHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Flush()

	var (
		acc      StreamUsage
		pending  string
		detached bool
	)
	buf := make([]byte, 32*1024)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !detached {
				if _, errWrite := c.Writer.Write(chunk); errWrite != nil {
					// Client gone; keep draining so a terminal usage
					// event already in flight is still captured.
					detached = true
				} else {
					c.Writer.Flush()
				}
			}
			pending += string(chunk)
			for {
				idx := strings.Index(pending, frameDelimiter)
				if idx < 0 {
					break
				}
				acc = adapter.ReduceFrame(acc, pending[:idx])
				pending = pending[idx+len(frameDelimiter):]
			}
		}
		if errRead != nil {
			break
		}
	}
	if pending != "" {
		acc = adapter.ReduceFrame(acc, pending)
	}

	if authCtx == nil || !acc.Complete {
		return
	}
	h.record(c, adapter, authCtx, candidate, model, billable, requestedAt, acc.Usage)
}

// passThroughError mirrors an upstream error response to the client and
// writes a failed usage row for authenticated callers.
func (h *Handler) passThroughError(c *gin.Context, adapter Adapter, authCtx *AuthContext, candidate catalog.Candidate, model *catalog.Model, requestedAt time.Time, resp *http.Response) {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetailBytes))

	EchoResponseHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write(detail)

	status := resp.StatusCode
	h.recordFailure(c, adapter, authCtx, candidate, model, requestedAt, &status, detail)
}

// record persists a successful usage entry and kicks the reload check.
func (h *Handler) record(c *gin.Context, adapter Adapter, authCtx *AuthContext, candidate catalog.Candidate, model *catalog.Model, billable bool, requestedAt time.Time, usage billing.TokenUsage) {
	apiKeyID := authCtx.APIKeyID
	cost, errRecord := h.ledger.Record(c.Request.Context(), billing.Entry{
		RequestID:   c.GetString(requestIDKey),
		WorkspaceID: authCtx.Workspace.ID,
		APIKeyID:    &apiKeyID,
		UserID:      authCtx.UserID,
		Provider:    candidate.ProviderID,
		Model:       model.ID,
		Usage:       usage,
		Pricing:     model,
		Billable:    billable,
		RequestedAt: requestedAt,
	})
	if errRecord != nil {
		log.WithError(errRecord).WithFields(log.Fields{
			"workspace": authCtx.Workspace.ID,
			"model":     model.ID,
		}).Error("usage record failed")
		return
	}

	log.WithFields(log.Fields{
		"request_id":    c.GetString(requestIDKey),
		"protocol":      adapter.Name(),
		"model":         model.ID,
		"provider":      candidate.ProviderID,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"cost_micros":   cost,
	}).Info("usage recorded")

	if billable && cost > 0 && h.reloader != nil {
		workspaceID := authCtx.Workspace.ID
		go h.reloader.MaybeReload(context.Background(), workspaceID)
	}
}

// recordFailure persists a failed usage row for observability. Failed rows
// carry no cost and never debit the balance.
func (h *Handler) recordFailure(c *gin.Context, adapter Adapter, authCtx *AuthContext, candidate catalog.Candidate, model *catalog.Model, requestedAt time.Time, status *int, detail []byte) {
	if authCtx == nil {
		return
	}
	apiKeyID := authCtx.APIKeyID
	entry := billing.Entry{
		RequestID:       c.GetString(requestIDKey),
		WorkspaceID:     authCtx.Workspace.ID,
		APIKeyID:        &apiKeyID,
		UserID:          authCtx.UserID,
		Provider:        candidate.ProviderID,
		Model:           model.ID,
		RequestedAt:     requestedAt,
		Failed:          true,
		ErrorStatusCode: status,
	}
	if len(detail) > 0 {
		if json.Valid(detail) {
			entry.ErrorDetail = datatypes.JSON(detail)
		} else if wrapped, errWrap := json.Marshal(map[string]string{"message": string(detail)}); errWrap == nil {
			entry.ErrorDetail = datatypes.JSON(wrapped)
		}
	}
	if _, errRecord := h.ledger.Record(c.Request.Context(), entry); errRecord != nil {
		log.WithError(errRecord).Warn("failed usage record not persisted")
	}
	log.WithFields(log.Fields{
		"protocol": adapter.Name(),
		"model":    model.ID,
		"provider": candidate.ProviderID,
	}).Warn("upstream request failed")
}

// logRelayError emits the structured error event for a rejected request.
func logRelayError(adapter Adapter, err error) {
	if relayErr, ok := err.(*Error); ok {
		log.WithFields(log.Fields{
			"protocol": adapter.Name(),
			"kind":     string(relayErr.Kind),
		}).Info("request rejected")
		return
	}
	log.WithError(err).WithField("protocol", adapter.Name()).Error("relay error")
}
