// Package reload implements the auto-reload flow: when a billed request
// leaves a workspace balance below the configured threshold, one request
// claims an advisory lock and purchases a fixed credit top-up against the
// stored payment method.
package reload

import (
	"context"
	"errors"
	"time"

	"github.com/opencode-zen/zen/internal/config"
	dbutil "github.com/opencode-zen/zen/internal/db"
	"github.com/opencode-zen/zen/internal/models"
	"github.com/opencode-zen/zen/internal/payments"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// lockSeconds is the advisory lock lifetime. Its expiry is the retry backoff
// after a failed reload: the next qualifying request re-attempts, no loop.
const lockSeconds = 60

// microPerCent converts display cents to micro-cents.
const microPerCent int64 = 1_000_000

// paymentSourceAutoReload marks payments created by this flow.
const paymentSourceAutoReload = "auto-reload"

// Reloader runs the reload check after billed requests.
type Reloader struct {
	db        *gorm.DB
	processor payments.Processor
	policy    config.ReloadConfig
}

// New constructs a Reloader.
func New(db *gorm.DB, processor payments.Processor, policy config.ReloadConfig) *Reloader {
	return &Reloader{db: db, processor: processor, policy: policy}
}

// MaybeReload checks whether the workspace qualifies for a reload and, if it
// wins the lock, charges and credits the account. Errors are recorded on the
// billing account rather than returned: the flow is fire-and-forget and must
// never affect the triggering request.
func (r *Reloader) MaybeReload(ctx context.Context, workspaceID uint64) {
	if r == nil || r.db == nil || r.processor == nil {
		return
	}

	claimed, errClaim := r.claimLock(ctx, workspaceID)
	if errClaim != nil {
		log.WithError(errClaim).WithField("workspace", workspaceID).Error("reload lock claim failed")
		return
	}
	if !claimed {
		return
	}

	var account models.BillingAccount
	if errFind := r.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		First(&account).Error; errFind != nil {
		log.WithError(errFind).WithField("workspace", workspaceID).Error("reload account lookup failed")
		return
	}
	if account.CustomerID == "" || account.PaymentMethodID == "" {
		r.recordFailure(ctx, workspaceID, "no payment method on file")
		return
	}

	charge, errCharge := r.processor.ChargeReload(ctx, account.CustomerID, account.PaymentMethodID, r.policy.AmountCents, r.policy.FeeCents)
	if errCharge != nil {
		r.recordFailure(ctx, workspaceID, errCharge.Error())
		return
	}

	if errCredit := r.credit(ctx, workspaceID, charge); errCredit != nil {
		// The charge went through but the credit did not persist; this
		// needs an operator, so log at error with the invoice reference.
		log.WithError(errCredit).WithFields(log.Fields{
			"workspace": workspaceID,
			"invoice":   charge.InvoiceID,
		}).Error("reload credit failed after successful charge")
		return
	}

	log.WithFields(log.Fields{
		"workspace":    workspaceID,
		"invoice":      charge.InvoiceID,
		"amount_cents": r.policy.AmountCents,
	}).Info("balance reloaded")
}

// claimLock atomically claims the reload lock with one conditional update.
// The predicate re-checks eligibility at commit time: reload enabled,
// balance below threshold, and lock expired. All time comparisons use the
// database clock so gateway instances with skewed clocks stay consistent.
// Zero rows affected means another request claimed the reload first (or the
// account no longer qualifies).
func (r *Reloader) claimLock(ctx context.Context, workspaceID uint64) (bool, error) {
	now := dbutil.NowExpr(r.db)
	res := r.db.WithContext(ctx).
		Model(&models.BillingAccount{}).
		Where("workspace_id = ? AND reload_enabled = ? AND balance_micros < ?", workspaceID, true, r.policy.ThresholdCents*microPerCent).
		Where("reload_locked_until IS NULL OR reload_locked_until <= "+now).
		Update("reload_locked_until", gorm.Expr(dbutil.NowPlusSecondsExpr(r.db, lockSeconds)))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// credit applies the purchased amount and records the payment in one
// transaction, clearing any prior reload error.
func (r *Reloader) credit(ctx context.Context, workspaceID uint64, charge payments.ReloadCharge) error {
	amountMicros := r.policy.AmountCents * microPerCent
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.BillingAccount{}).
			Where("workspace_id = ?", workspaceID).
			Updates(map[string]any{
				"balance_micros":  gorm.Expr("balance_micros + ?", amountMicros),
				"reload_error":    "",
				"reload_error_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("reload: billing account missing")
		}
		return tx.Create(&models.Payment{
			WorkspaceID:     workspaceID,
			InvoiceID:       charge.InvoiceID,
			PaymentIntentID: charge.PaymentIntentID,
			AmountMicros:    amountMicros,
			Source:          paymentSourceAutoReload,
		}).Error
	})
}

// recordFailure stores the failure on the account for user visibility. The
// balance is untouched; the lock expiry provides the retry backoff.
func (r *Reloader) recordFailure(ctx context.Context, workspaceID uint64, message string) {
	now := time.Now().UTC()
	if errUpdate := r.db.WithContext(ctx).
		Model(&models.BillingAccount{}).
		Where("workspace_id = ?", workspaceID).
		Updates(map[string]any{
			"reload_error":    message,
			"reload_error_at": &now,
		}).Error; errUpdate != nil {
		log.WithError(errUpdate).WithField("workspace", workspaceID).Error("reload failure not recorded")
	}
	log.WithFields(log.Fields{
		"workspace": workspaceID,
		"reason":    message,
	}).Warn("balance reload failed")
}
