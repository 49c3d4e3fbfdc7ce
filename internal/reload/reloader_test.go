package reload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/opencode-zen/zen/internal/config"
	dbutil "github.com/opencode-zen/zen/internal/db"
	"github.com/opencode-zen/zen/internal/models"
	"github.com/opencode-zen/zen/internal/payments"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeProcessor struct {
	charges atomic.Int64
	fail    bool
}

func (f *fakeProcessor) ChargeReload(_ context.Context, customerID, paymentMethodID string, amountCents, feeCents int64) (payments.ReloadCharge, error) {
	n := f.charges.Add(1)
	if f.fail {
		return payments.ReloadCharge{}, errors.New("card declined")
	}
	return payments.ReloadCharge{
		InvoiceID:       fmt.Sprintf("in_%d", n),
		PaymentIntentID: fmt.Sprintf("pi_%d", n),
	}, nil
}

func testPolicy() config.ReloadConfig {
	return config.ReloadConfig{ThresholdCents: 500, AmountCents: 2000, FeeCents: 88}
}

func openTestDB(t *testing.T) *gorm.DB {
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
	return conn
}

func seedAccount(t *testing.T, conn *gorm.DB, balanceMicros int64, enabled bool) models.BillingAccount {
	t.Helper()
	workspace := models.Workspace{Name: "Acme", Slug: "acme"}
	if err := conn.Create(&workspace).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	account := models.BillingAccount{
		WorkspaceID:     workspace.ID,
		CustomerID:      "cus_test",
		PaymentMethodID: "pm_test",
		BalanceMicros:   balanceMicros,
		ReloadEnabled:   enabled,
	}
	if err := conn.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func loadAccount(t *testing.T, conn *gorm.DB, workspaceID uint64) models.BillingAccount {
	t.Helper()
	var account models.BillingAccount
	if err := conn.Where("workspace_id = ?", workspaceID).First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account
}

func TestMaybeReloadCreditsBalance(t *testing.T) {
	conn := openTestDB(t)
	seeded := seedAccount(t, conn, 100_000, true)
	processor := &fakeProcessor{}
	reloader := New(conn, processor, testPolicy())

	reloader.MaybeReload(context.Background(), seeded.WorkspaceID)

	if got := processor.charges.Load(); got != 1 {
		t.Fatalf("charges = %d, want 1", got)
	}

	account := loadAccount(t, conn, seeded.WorkspaceID)
	wantBalance := int64(100_000) + 2000*1_000_000
	if account.BalanceMicros != wantBalance {
		t.Errorf("balance = %d, want %d", account.BalanceMicros, wantBalance)
	}
	if account.ReloadLockedUntil == nil {
		t.Error("lock timestamp not set")
	}

	var payment models.Payment
	if err := conn.Where("workspace_id = ?", seeded.WorkspaceID).First(&payment).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if payment.InvoiceID != "in_1" || payment.PaymentIntentID != "pi_1" {
		t.Errorf("payment = %+v", payment)
	}
	if payment.Source != "auto-reload" || payment.AmountMicros != 2000*1_000_000 {
		t.Errorf("payment = %+v", payment)
	}
}

func TestMaybeReloadLockPreventsDoubleCharge(t *testing.T) {
	conn := openTestDB(t)
	// A failing processor keeps the balance below the threshold, so only
	// the lock stands between the two attempts.
	seeded := seedAccount(t, conn, 100_000, true)
	processor := &fakeProcessor{fail: true}
	reloader := New(conn, processor, testPolicy())

	reloader.MaybeReload(context.Background(), seeded.WorkspaceID)
	reloader.MaybeReload(context.Background(), seeded.WorkspaceID)

	if got := processor.charges.Load(); got != 1 {
		t.Errorf("charges = %d, want 1 (second attempt must lose the lock)", got)
	}
}

func TestMaybeReloadFailureRecordsError(t *testing.T) {
	conn := openTestDB(t)
	seeded := seedAccount(t, conn, 100_000, true)
	processor := &fakeProcessor{fail: true}
	reloader := New(conn, processor, testPolicy())

	reloader.MaybeReload(context.Background(), seeded.WorkspaceID)

	account := loadAccount(t, conn, seeded.WorkspaceID)
	if account.BalanceMicros != 100_000 {
		t.Errorf("balance = %d, want unchanged on failure", account.BalanceMicros)
	}
	if account.ReloadError == "" || account.ReloadErrorAt == nil {
		t.Errorf("account = %+v, want reload error recorded", account)
	}

	var count int64
	if err := conn.Model(&models.Payment{}).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 0 {
		t.Errorf("payments = %d, want 0", count)
	}
}

func TestMaybeReloadSkipsIneligible(t *testing.T) {
	conn := openTestDB(t)
	processor := &fakeProcessor{}
	reloader := New(conn, processor, testPolicy())

	disabled := seedAccount(t, conn, 100_000, false)
	reloader.MaybeReload(context.Background(), disabled.WorkspaceID)
	if got := processor.charges.Load(); got != 0 {
		t.Errorf("charges = %d, want 0 for disabled reload", got)
	}

	// Above the threshold: 500 cents = 500,000,000 micro-cents.
	funded := models.BillingAccount{
		WorkspaceID:     disabled.WorkspaceID + 1000,
		CustomerID:      "cus_funded",
		PaymentMethodID: "pm_funded",
		BalanceMicros:   600_000_000,
		ReloadEnabled:   true,
	}
	if err := conn.Create(&funded).Error; err != nil {
		t.Fatalf("seed funded account: %v", err)
	}
	reloader.MaybeReload(context.Background(), funded.WorkspaceID)
	if got := processor.charges.Load(); got != 0 {
		t.Errorf("charges = %d, want 0 for funded account", got)
	}
}

func TestMaybeReloadClearsPriorError(t *testing.T) {
	conn := openTestDB(t)
	seeded := seedAccount(t, conn, 100_000, true)
	if err := conn.Model(&models.BillingAccount{}).
		Where("workspace_id = ?", seeded.WorkspaceID).
		Update("reload_error", "card declined").Error; err != nil {
		t.Fatalf("prime reload error: %v", err)
	}

	processor := &fakeProcessor{}
	reloader := New(conn, processor, testPolicy())
	reloader.MaybeReload(context.Background(), seeded.WorkspaceID)

	account := loadAccount(t, conn, seeded.WorkspaceID)
	if account.ReloadError != "" || account.ReloadErrorAt != nil {
		t.Errorf("account = %+v, want reload error cleared", account)
	}
}
