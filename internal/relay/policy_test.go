package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/opencode-zen/zen/internal/catalog"
	"github.com/opencode-zen/zen/internal/models"
)

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func billedContext() *AuthContext {
	return &AuthContext{
		APIKeyID:  1,
		Workspace: models.Workspace{ID: 1, Slug: "acme"},
		Billing: models.BillingAccount{
			WorkspaceID:     1,
			PaymentMethodID: "pm_test",
			BalanceMicros:   5_000_000,
		},
	}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("error = %v, want typed relay error", err)
	}
	return relayErr.Kind
}

func TestCheckPolicyAllows(t *testing.T) {
	now := time.Now().UTC()
	model := &catalog.Model{ID: "demo"}

	if err := CheckPolicy(nil, model, now); err != nil {
		t.Errorf("anonymous: error = %v, want nil", err)
	}

	free := billedContext()
	free.Workspace.Free = true
	free.Billing.PaymentMethodID = ""
	free.Billing.BalanceMicros = -1
	if err := CheckPolicy(free, model, now); err != nil {
		t.Errorf("free workspace: error = %v, want nil", err)
	}

	anon := billedContext()
	anon.Billing.BalanceMicros = -1
	if err := CheckPolicy(anon, &catalog.Model{ID: "demo", AllowAnonymous: true}, now); err != nil {
		t.Errorf("anonymous-allowed model: error = %v, want nil", err)
	}

	if err := CheckPolicy(billedContext(), model, now); err != nil {
		t.Errorf("funded account: error = %v, want nil", err)
	}
}

func TestCheckPolicyPaymentAndBalance(t *testing.T) {
	now := time.Now().UTC()
	model := &catalog.Model{ID: "demo"}

	noPM := billedContext()
	noPM.Billing.PaymentMethodID = ""
	if got := kindOf(t, CheckPolicy(noPM, model, now)); got != KindCredits {
		t.Errorf("no payment method: kind = %s, want CreditsError", got)
	}

	broke := billedContext()
	broke.Billing.BalanceMicros = 0
	if got := kindOf(t, CheckPolicy(broke, model, now)); got != KindCredits {
		t.Errorf("zero balance: kind = %s, want CreditsError", got)
	}

	negative := billedContext()
	negative.Billing.BalanceMicros = -100
	if got := kindOf(t, CheckPolicy(negative, model, now)); got != KindCredits {
		t.Errorf("negative balance: kind = %s, want CreditsError", got)
	}
}

func TestCheckPolicyMonthlyLimit(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	model := &catalog.Model{ID: "demo"}

	// $5 cap, $5 spent this month.
	capped := billedContext()
	capped.Billing.MonthlyLimit = int64Ptr(5)
	capped.Billing.MonthlyUsageMicros = 5 * 100 * 1_000_000
	capped.Billing.MonthlyUsageUpdatedAt = timePtr(now.Add(-time.Hour))
	if got := kindOf(t, CheckPolicy(capped, model, now)); got != KindMonthlyLimit {
		t.Errorf("capped: kind = %s, want MonthlyLimitError", got)
	}

	// The same counter from a prior month is stale and must not trip the cap.
	stale := billedContext()
	stale.Billing.MonthlyLimit = int64Ptr(5)
	stale.Billing.MonthlyUsageMicros = 5 * 100 * 1_000_000
	stale.Billing.MonthlyUsageUpdatedAt = timePtr(now.AddDate(0, -1, 0))
	if err := CheckPolicy(stale, model, now); err != nil {
		t.Errorf("stale month: error = %v, want nil", err)
	}

	under := billedContext()
	under.Billing.MonthlyLimit = int64Ptr(5)
	under.Billing.MonthlyUsageMicros = 5*100*1_000_000 - 1
	under.Billing.MonthlyUsageUpdatedAt = timePtr(now.Add(-time.Hour))
	if err := CheckPolicy(under, model, now); err != nil {
		t.Errorf("under cap: error = %v, want nil", err)
	}
}

func TestCheckPolicyUserLimit(t *testing.T) {
	now := time.Now().UTC()
	model := &catalog.Model{ID: "demo"}

	ctx := billedContext()
	ctx.User = &models.User{
		ID:                    7,
		MonthlyLimit:          int64Ptr(1),
		MonthlyUsageMicros:    1 * 100 * 1_000_000,
		MonthlyUsageUpdatedAt: timePtr(now.Add(-time.Minute)),
	}
	if got := kindOf(t, CheckPolicy(ctx, model, now)); got != KindUserLimit {
		t.Errorf("user capped: kind = %s, want UserLimitError", got)
	}
}

func TestCheckPolicyModelDisabled(t *testing.T) {
	now := time.Now().UTC()

	ctx := billedContext()
	ctx.ModelDisabled = true
	if got := kindOf(t, CheckPolicy(ctx, &catalog.Model{ID: "demo"}, now)); got != KindModel {
		t.Errorf("disabled model: kind = %s, want ModelError", got)
	}

	// The disable marker applies even when spend checks are skipped.
	freeDisabled := billedContext()
	freeDisabled.Workspace.Free = true
	freeDisabled.ModelDisabled = true
	if got := kindOf(t, CheckPolicy(freeDisabled, &catalog.Model{ID: "demo"}, now)); got != KindModel {
		t.Errorf("disabled model on free workspace: kind = %s, want ModelError", got)
	}
}
