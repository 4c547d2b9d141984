package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func walletRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"team_id", "balance_nanos", "stripe_customer_id",
		"auto_topup_enabled", "low_balance_threshold_nanos",
		"auto_topup_amount_nanos", "auto_topup_payment_method",
		"created_at", "updated_at",
	})
}

func TestProcessAutoTopupsChargesSavedMethod(t *testing.T) {
	mock, _, pay := setupHandlerTest(t)
	now := time.Now()

	jm := NewJobManager(db, logger)

	mock.ExpectQuery("SELECT team_id, balance_nanos").
		WillReturnRows(walletRows().
			AddRow("team-1", int64(2_000_000_000), "cus_1", true, int64(5_000_000_000), int64(20_000_000_000), "pm_1", now, now))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	jm.processAutoTopups(context.Background())

	if len(pay.charges) != 1 {
		t.Fatalf("expected 1 charge, got %d", len(pay.charges))
	}
	if pay.charges[0].AmountCents != 2000 {
		t.Fatalf("expected $20 charge, got %d cents", pay.charges[0].AmountCents)
	}
	if pay.charges[0].PaymentMethodID != "pm_1" {
		t.Fatalf("expected saved payment method, got %q", pay.charges[0].PaymentMethodID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessAutoTopupsSkipsInFlightCharge(t *testing.T) {
	mock, _, pay := setupHandlerTest(t)
	now := time.Now()

	jm := NewJobManager(db, logger)

	mock.ExpectQuery("SELECT team_id, balance_nanos").
		WillReturnRows(walletRows().
			AddRow("team-1", int64(2_000_000_000), "cus_1", true, int64(5_000_000_000), int64(20_000_000_000), "pm_1", now, now))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	jm.processAutoTopups(context.Background())

	if len(pay.charges) != 0 {
		t.Fatalf("expected no charge while one is in flight, got %d", len(pay.charges))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
