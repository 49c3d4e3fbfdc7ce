package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencode-zen/zen/internal/billing"
	"github.com/opencode-zen/zen/internal/catalog"
	dbutil "github.com/opencode-zen/zen/internal/db"
	"github.com/opencode-zen/zen/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type reloadRecorder struct {
	calls chan uint64
}

func (r *reloadRecorder) MaybeReload(_ context.Context, workspaceID uint64) {
	r.calls <- workspaceID
}

type relayFixture struct {
	engine    *gin.Engine
	conn      *gorm.DB
	workspace models.Workspace
	user      models.User
	key       models.APIKey
	reloads   chan uint64
}

const testAPIKey = "zen_testkey"

func newRelayFixture(t *testing.T, upstreamURL string, balanceMicros int64) *relayFixture {
	t.Helper()

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	workspace := models.Workspace{Name: "Acme", Slug: "acme"}
	if err := conn.Create(&workspace).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	account := models.BillingAccount{
		WorkspaceID:     workspace.ID,
		PaymentMethodID: "pm_test",
		BalanceMicros:   balanceMicros,
	}
	if err := conn.Create(&account).Error; err != nil {
		t.Fatalf("seed billing account: %v", err)
	}
	user := models.User{WorkspaceID: workspace.ID, Email: "dev@acme.test"}
	if err := conn.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	key := models.APIKey{
		WorkspaceID: workspace.ID,
		UserID:      &user.ID,
		Name:        "default",
		APIKey:      testAPIKey,
		Active:      true,
	}
	if err := conn.Create(&key).Error; err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	catalogYAML := fmt.Sprintf(`
providers:
  - id: alpha
    base-url: %s
    api-key: sk-upstream
models:
  - id: demo
    cost:
      input: 3
      output: 15
    providers:
      - provider: alpha
  - id: open-demo
    allow-anonymous: true
    providers:
      - provider: alpha
`, upstreamURL)
	snapshot, errParse := catalog.Parse([]byte(catalogYAML))
	if errParse != nil {
		t.Fatalf("parse catalog: %v", errParse)
	}
	store := catalog.NewStore()
	store.Replace(snapshot)

	reloads := make(chan uint64, 8)
	handler := NewHandler(
		store,
		catalog.NewSelector(rand.New(rand.NewSource(1))),
		NewAuthenticator(conn, nil),
		billing.NewLedger(conn),
		NewForwarder(http.DefaultClient, "/v1"),
		&reloadRecorder{calls: reloads},
	)

	engine := gin.New()
	engine.POST("/v1/chat/completions", handler.Relay(ChatCompletionsAdapter{}))
	engine.POST("/v1/messages", handler.Relay(MessagesAdapter{}))

	return &relayFixture{
		engine:    engine,
		conn:      conn,
		workspace: workspace,
		user:      user,
		key:       key,
		reloads:   reloads,
	}
}

func (f *relayFixture) post(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeErrorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if envelope.Type != "error" {
		t.Fatalf("envelope type = %q, want error", envelope.Type)
	}
	return envelope.Error.Type
}

func (f *relayFixture) usageRows(t *testing.T) []models.Usage {
	t.Helper()
	var rows []models.Usage
	if err := f.conn.Find(&rows).Error; err != nil {
		t.Fatalf("list usage: %v", err)
	}
	return rows
}

func (f *relayFixture) balance(t *testing.T) int64 {
	t.Helper()
	var account models.BillingAccount
	if err := f.conn.Where("workspace_id = ?", f.workspace.ID).First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account.BalanceMicros
}

func TestRelayUnknownModel(t *testing.T) {
	fx := newRelayFixture(t, "http://127.0.0.1:1", 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"nope"}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != "ModelError" {
		t.Errorf("kind = %q, want ModelError", kind)
	}
}

func TestRelayMissingKey(t *testing.T) {
	fx := newRelayFixture(t, "http://127.0.0.1:1", 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != "AuthError" {
		t.Errorf("kind = %q, want AuthError", kind)
	}
}

func TestRelayInvalidKey(t *testing.T) {
	fx := newRelayFixture(t, "http://127.0.0.1:1", 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo"}`,
		map[string]string{"Authorization": "Bearer zen_wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != "AuthError" {
		t.Errorf("kind = %q, want AuthError", kind)
	}
}

func TestRelayInsufficientBalanceBeforeUpstream(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 0)

	rec := fx.post("/v1/chat/completions", `{"model":"demo"}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if kind := decodeErrorKind(t, rec); kind != "CreditsError" {
		t.Errorf("kind = %q, want CreditsError", kind)
	}
	if calls := upstreamCalls.Load(); calls != 0 {
		t.Errorf("upstream calls = %d, want 0", calls)
	}
}

func TestRelayBufferedRecordsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp-1","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":100,"completion_tokens":50}}`)
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo","messages":[]}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"resp-1"`) {
		t.Errorf("body = %s, want upstream body echoed", rec.Body.String())
	}

	rows := fx.usageRows(t)
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].InputTokens != 100 || rows[0].OutputTokens != 50 {
		t.Errorf("usage row = %+v, want 100/50 tokens", rows[0])
	}

	// $3/Mtok * 100 plus $15/Mtok * 50, in micro-cents.
	wantCost := int64(3*100*100 + 15*50*100)
	if rows[0].CostMicros != wantCost {
		t.Errorf("cost = %d, want %d", rows[0].CostMicros, wantCost)
	}
	if got := fx.balance(t); got != 10_000_000-wantCost {
		t.Errorf("balance = %d, want %d", got, 10_000_000-wantCost)
	}

	select {
	case workspaceID := <-fx.reloads:
		if workspaceID != fx.workspace.ID {
			t.Errorf("reload workspace = %d, want %d", workspaceID, fx.workspace.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("reload check not triggered")
	}
}

func TestRelayStreamingRecordsUsageOnce(t *testing.T) {
	frames := []string{
		`data: {"choices":[{"delta":{"content":"he"}}]}`,
		`data: {"choices":[{"delta":{"content":"llo"}}]}`,
		`data: {"usage":{"prompt_tokens":100,"completion_tokens":50}}`,
		`data: [DONE]`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame+"\n\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo","stream":true}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The stream reaches the client unmodified.
	for _, frame := range frames {
		if !strings.Contains(rec.Body.String(), frame) {
			t.Errorf("response missing frame %q", frame)
		}
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}

	rows := fx.usageRows(t)
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want exactly 1", len(rows))
	}
	if rows[0].InputTokens != 100 || rows[0].OutputTokens != 50 {
		t.Errorf("usage row = %+v", rows[0])
	}
}

func TestRelayStreamingWithoutTerminalUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo","stream":true}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// No terminal usage event means nothing is flushed to the ledger.
	if rows := fx.usageRows(t); len(rows) != 0 {
		t.Errorf("usage rows = %d, want 0", len(rows))
	}
	if got := fx.balance(t); got != 10_000_000 {
		t.Errorf("balance = %d, want unchanged", got)
	}
}

func TestRelayAnonymousBypassesPolicyAndLedger(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	}))
	defer upstream.Close()

	// Zero balance: an anonymous call must not hit the policy guard.
	fx := newRelayFixture(t, upstream.URL, 0)

	rec := fx.post("/v1/chat/completions", `{"model":"open-demo"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if rows := fx.usageRows(t); len(rows) != 0 {
		t.Errorf("usage rows = %d, want 0 for anonymous request", len(rows))
	}
}

func TestRelayUpstreamErrorPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"demo"}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate limited") {
		t.Errorf("body = %s, want upstream error echoed", rec.Body.String())
	}

	rows := fx.usageRows(t)
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1 failed row", len(rows))
	}
	if !rows[0].Failed || rows[0].ErrorStatusCode == nil || *rows[0].ErrorStatusCode != 429 {
		t.Errorf("usage row = %+v, want failed with status 429", rows[0])
	}
	if rows[0].CostMicros != 0 {
		t.Errorf("cost = %d, want 0 for failed request", rows[0].CostMicros)
	}
	if got := fx.balance(t); got != 10_000_000 {
		t.Errorf("balance = %d, want unchanged", got)
	}
}

func TestRelayByoCredentialNotBilled(t *testing.T) {
	var gotAuth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"usage":{"prompt_tokens":100,"completion_tokens":50}}`)
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)
	if err := fx.conn.Create(&models.ProviderCredential{
		WorkspaceID: fx.workspace.ID,
		Provider:    "alpha",
		APIKey:      "sk-byo",
	}).Error; err != nil {
		t.Fatalf("seed provider credential: %v", err)
	}

	rec := fx.post("/v1/chat/completions", `{"model":"demo"}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if got, _ := gotAuth.Load().(string); got != "Bearer sk-byo" {
		t.Errorf("upstream auth = %q, want workspace credential", got)
	}

	rows := fx.usageRows(t)
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].CostMicros != 0 {
		t.Errorf("cost = %d, want 0 for BYO-credential request", rows[0].CostMicros)
	}
	if got := fx.balance(t); got != 10_000_000 {
		t.Errorf("balance = %d, want unchanged", got)
	}
}

func TestRelayModelSubstitution(t *testing.T) {
	var gotModel atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel.Store(body["model"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	fx := newRelayFixture(t, upstream.URL, 10_000_000)

	rec := fx.post("/v1/chat/completions", `{"model":"DEMO"}`,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// The catalog entry carries no provider-specific model string, so the
	// canonical catalog ID is forwarded.
	if got, _ := gotModel.Load().(string); got != "demo" {
		t.Errorf("upstream model = %q, want demo", got)
	}
}
