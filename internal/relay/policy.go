package relay

import (
	"time"

	"github.com/opencode-zen/zen/internal/catalog"
)

// microPerDollar converts display dollars to micro-cents.
const microPerDollar int64 = 100 * 1_000_000

// CheckPolicy enforces payment and spending policy before any upstream call.
// It is a no-op for anonymous callers, free-tier workspaces, and models open
// to anonymous use. Check order is fixed: payment method, balance, workspace
// monthly cap, user monthly cap. The per-workspace model disable marker is
// checked last and independently of the free-tier shortcut for spend checks.
func CheckPolicy(authCtx *AuthContext, model *catalog.Model, now time.Time) error {
	if authCtx == nil {
		return nil
	}

	skipSpend := authCtx.Workspace.Free || (model != nil && model.AllowAnonymous)
	if !skipSpend {
		if authCtx.Billing.PaymentMethodID == "" {
			return NewError(KindCredits, "no payment method on file")
		}
		if authCtx.Billing.BalanceMicros <= 0 {
			return NewError(KindCredits, "insufficient balance")
		}
		if overMonthlyCap(authCtx.Billing.MonthlyLimit, authCtx.Billing.MonthlyUsageMicros, authCtx.Billing.MonthlyUsageUpdatedAt, now) {
			return NewError(KindMonthlyLimit, "monthly spending limit reached")
		}
		if authCtx.User != nil &&
			overMonthlyCap(authCtx.User.MonthlyLimit, authCtx.User.MonthlyUsageMicros, authCtx.User.MonthlyUsageUpdatedAt, now) {
			return NewError(KindUserLimit, "user monthly spending limit reached")
		}
	}

	if authCtx.ModelDisabled {
		return NewError(KindModel, "model disabled for this workspace")
	}
	return nil
}

// overMonthlyCap reports whether usage has reached a monthly cap. The cap is
// in whole dollars, usage in micro-cents. A usage timestamp from a prior UTC
// month is stale: the counter resets lazily on the next debit, so a stale
// snapshot never trips the cap.
func overMonthlyCap(limitDollars *int64, usageMicros int64, updatedAt *time.Time, now time.Time) bool {
	if limitDollars == nil || updatedAt == nil {
		return false
	}
	if !sameUTCMonth(*updatedAt, now) {
		return false
	}
	return usageMicros >= *limitDollars*microPerDollar
}

// sameUTCMonth reports whether two instants fall in the same UTC calendar month.
func sameUTCMonth(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.Month() == bu.Month()
}
