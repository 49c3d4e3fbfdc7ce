package billing

import (
	"context"
	"errors"
	"time"

	"github.com/opencode-zen/zen/internal/catalog"
	dbutil "github.com/opencode-zen/zen/internal/db"
	"github.com/opencode-zen/zen/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry describes one completed request to be recorded and billed.
type Entry struct {
	RequestID   string  // Gateway-assigned request ID.
	WorkspaceID uint64  // Billed workspace.
	APIKeyID    *uint64 // Owning API key, nil only for failed anonymous bookkeeping (not persisted).
	UserID      *uint64 // Owning user, when the key is bound to one.

	Provider string // Selected provider ID.
	Model    string // Requested model ID.

	Usage   TokenUsage     // Normalized token counts.
	Pricing *catalog.Model // Catalog model carrying the price tables.

	// Billable is false for free-tier workspaces and BYO-credential calls;
	// the usage row is still written with zero cost for observability.
	Billable bool

	RequestedAt time.Time // Request start time.

	Failed          bool           // Marks a failed upstream request.
	ErrorStatusCode *int           // HTTP status for failed requests.
	ErrorDetail     datatypes.JSON // Structured error detail for failed requests.
}

// Ledger persists usage records and applies balance debits.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a Ledger backed by GORM.
func NewLedger(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// Record computes the entry cost, inserts the usage row, and applies the
// balance debit and monthly-usage updates in one transaction. The usage
// insert and the balance adjustment are atomic: a write failure rolls back
// everything. Returns the billed cost in micro-cents.
func (l *Ledger) Record(ctx context.Context, entry Entry) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger: nil db")
	}
	if entry.WorkspaceID == 0 {
		return 0, errors.New("ledger: empty workspace id")
	}

	var costMicros int64
	if entry.Billable && !entry.Failed && entry.Pricing != nil {
		price := SelectPrice(entry.Pricing, entry.Usage)
		costMicros = ComputeCost(price, entry.Usage)
	}

	row := models.Usage{
		RequestID:          entry.RequestID,
		WorkspaceID:        entry.WorkspaceID,
		APIKeyID:           entry.APIKeyID,
		UserID:             entry.UserID,
		Provider:           entry.Provider,
		Model:              entry.Model,
		RequestedAt:        normalizeTime(entry.RequestedAt),
		Failed:             entry.Failed,
		ErrorStatusCode:    entry.ErrorStatusCode,
		ErrorDetail:        entry.ErrorDetail,
		InputTokens:        entry.Usage.InputTokens,
		OutputTokens:       entry.Usage.OutputTokens,
		ReasoningTokens:    entry.Usage.ReasoningTokens,
		CacheReadTokens:    entry.Usage.CacheReadTokens,
		CacheWrite5mTokens: entry.Usage.CacheWrite5mTokens,
		CacheWrite1hTokens: entry.Usage.CacheWrite1hTokens,
		CostMicros:         costMicros,
		CreatedAt:          time.Now().UTC(),
	}

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}

		if costMicros > 0 {
			if errDebit := debitWorkspace(ctx, tx, entry.WorkspaceID, costMicros); errDebit != nil {
				return errDebit
			}
			if entry.UserID != nil {
				if errUser := addUserMonthlyUsage(ctx, tx, *entry.UserID, costMicros); errUser != nil {
					return errUser
				}
			}
		}

		if entry.APIKeyID != nil {
			now := time.Now().UTC()
			if errTouch := tx.Model(&models.APIKey{}).
				Where("id = ?", *entry.APIKeyID).
				Update("last_used_at", &now).Error; errTouch != nil {
				return errTouch
			}
		}
		return nil
	})
	if errTx != nil {
		return 0, errTx
	}
	return costMicros, nil
}

// debitWorkspace subtracts the cost from the balance and bumps the monthly
// counter. The month reset is one conditional SQL expression so concurrent
// requests against the same account cannot lose updates: the counter resets
// to the cost when the previous update falls outside the current UTC month,
// otherwise it increments.
func debitWorkspace(ctx context.Context, tx *gorm.DB, workspaceID uint64, costMicros int64) error {
	sameMonth := dbutil.SameUTCMonthExpr(tx, "monthly_usage_updated_at")
	res := tx.WithContext(ctx).
		Model(&models.BillingAccount{}).
		Where("workspace_id = ?", workspaceID).
		Updates(map[string]any{
			"balance_micros": gorm.Expr("balance_micros - ?", costMicros),
			"monthly_usage_micros": gorm.Expr(
				"CASE WHEN monthly_usage_updated_at IS NOT NULL AND "+sameMonth+" THEN monthly_usage_micros + ? ELSE ? END",
				costMicros, costMicros,
			),
			"monthly_usage_updated_at": gorm.Expr(dbutil.NowExpr(tx)),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("ledger: billing account missing")
	}
	return nil
}

// addUserMonthlyUsage applies the same reset-or-increment to the per-user
// monthly counter.
func addUserMonthlyUsage(ctx context.Context, tx *gorm.DB, userID uint64, costMicros int64) error {
	sameMonth := dbutil.SameUTCMonthExpr(tx, "monthly_usage_updated_at")
	return tx.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"monthly_usage_micros": gorm.Expr(
				"CASE WHEN monthly_usage_updated_at IS NOT NULL AND "+sameMonth+" THEN monthly_usage_micros + ? ELSE ? END",
				costMicros, costMicros,
			),
			"monthly_usage_updated_at": gorm.Expr(dbutil.NowExpr(tx)),
		}).Error
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
