package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	stripego "github.com/stripe/stripe-go/v82"

	"gatewaycredits/internal/ledger"
	"gatewaycredits/internal/reconcile"
	bursarstripe "gatewaycredits/internal/stripe"
	"gatewaycredits/internal/tiers"
	"gatewaycredits/pkg/models"
)

// stubSpendSource serves fixed monthly rollups and records accumulation.
type stubSpendSource struct {
	spend map[string]int64
	added int64
}

func (s *stubSpendSource) PeriodSpend(_ context.Context, teamID string, month time.Time) (int64, error) {
	return s.spend[spendKey(teamID, month)], nil
}

func (s *stubSpendSource) AddSpend(_ context.Context, _ string, _ time.Time, grossNanos int64) error {
	s.added += grossNanos
	return nil
}

func (s *stubSpendSource) Invalidate(string) {}

// stubPayments serves canned payment intents by ID.
type stubPayments struct {
	intents map[string]*stripego.PaymentIntent
	charges []bursarstripe.OffSessionChargeParams
}

func (s *stubPayments) CreateOrGetCustomer(context.Context, bursarstripe.CustomerInfo) (*stripego.Customer, error) {
	return &stripego.Customer{ID: "cus_stub"}, nil
}

func (s *stubPayments) CreateTopupSession(context.Context, bursarstripe.TopupSessionParams) (*stripego.CheckoutSession, error) {
	return &stripego.CheckoutSession{ID: "cs_stub", URL: "https://checkout.example/cs_stub"}, nil
}

func (s *stubPayments) ChargeSavedPaymentMethod(_ context.Context, params bursarstripe.OffSessionChargeParams) (*stripego.PaymentIntent, error) {
	s.charges = append(s.charges, params)
	return &stripego.PaymentIntent{ID: "pi_stub", Status: stripego.PaymentIntentStatusProcessing}, nil
}

func (s *stubPayments) GetPaymentIntent(_ context.Context, id string) (*stripego.PaymentIntent, error) {
	if pi, ok := s.intents[id]; ok {
		return pi, nil
	}
	return nil, fmt.Errorf("no such payment intent %s", id)
}

func setupHandlerTest(t *testing.T) (sqlmock.Sqlmock, *stubSpendSource, *stubPayments) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	spend := &stubSpendSource{spend: map[string]int64{}}
	pay := &stubPayments{intents: map[string]*stripego.PaymentIntent{}}

	db = mockDB
	logger = logrus.New()
	metrics = nil
	store = ledger.NewStore(mockDB, logger)
	schedule = tiers.DefaultSchedule()
	feePolicy = reconcile.DefaultFeePolicy()
	spendSource = spend
	payments = pay
	producer = nil
	invalidator = nil

	t.Cleanup(func() {
		mockDB.Close()
		db = nil
		store = nil
		spendSource = nil
		payments = nil
	})
	return mock, spend, pay
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	c.Request.Header.Set("Stripe-Signature", signature)
	HandleStripeWebhook(c)
	return w
}

func webhookBody(t *testing.T, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("failed to marshal object: %v", err)
	}
	payload := StripeWebhookPayload{
		ID:      "evt_test",
		Type:    eventType,
		Created: time.Now().Unix(),
	}
	payload.Data.Object = raw
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return body
}

func TestVerifyStripeSignature(t *testing.T) {
	logger = logrus.New()
	body := []byte(`{"id":"evt_1"}`)

	valid := stripeSignatureHeader(body, "secret", time.Now().Unix())
	if !verifyStripeSignature(body, valid, "secret") {
		t.Fatal("expected valid signature to verify")
	}
	if verifyStripeSignature(body, valid, "other-secret") {
		t.Fatal("expected signature with wrong secret to fail")
	}

	stale := stripeSignatureHeader(body, "secret", time.Now().Add(-10*time.Minute).Unix())
	if verifyStripeSignature(body, stale, "secret") {
		t.Fatal("expected stale timestamp to fail")
	}

	future := stripeSignatureHeader(body, "secret", time.Now().Add(10*time.Minute).Unix())
	if verifyStripeSignature(body, future, "secret") {
		t.Fatal("expected far-future timestamp to fail")
	}
}

func TestHandleStripeWebhookMissingSecret(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	w := postWebhook(t, []byte(`{}`), "t=1,v1=deadbeef")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandleStripeWebhookInvalidSignature(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	w := postWebhook(t, []byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleStripeWebhookIgnoresUnknownEvent(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "unit-test-secret")

	body := webhookBody(t, "customer.created", map[string]string{"id": "cus_1"})
	w := postWebhook(t, body, stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp["ignored"] {
		t.Fatal("expected ignored=true")
	}
}

func TestPaymentIntentSucceededCreditsNetOfFee(t *testing.T) {
	mock, spend, _ := setupHandlerTest(t)

	walletCols := []string{
		"team_id", "balance_nanos", "stripe_customer_id",
		"auto_topup_enabled", "low_balance_threshold_nanos",
		"auto_topup_amount_nanos", "auto_topup_payment_method",
		"created_at", "updated_at",
	}
	now := time.Now()

	// EnsureWallet upsert
	mock.ExpectQuery("INSERT INTO bursar.wallets").
		WithArgs("team-1", "cus_1").
		WillReturnRows(sqlmock.NewRows(walletCols).
			AddRow("team-1", int64(0), "cus_1", false, int64(0), int64(0), "", now, now))

	// SettleCharge: $10 gross at the base 10% tier hits the minimum fee
	// floor, crediting exactly $9.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance_nanos FROM bursar.wallets").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_nanos"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WithArgs("team-1", models.KindTopUp, int64(9_000_000_000), int64(0), int64(9_000_000_000),
			models.RefTypePaymentIntent, "pi_10", models.StatusPaid, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.wallets").
		WithArgs(int64(9_000_000_000), "team-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload := StripeWebhookPayload{Type: "payment_intent.succeeded", Created: time.Now().Unix()}
	payload.Data.Object = json.RawMessage(`{
		"id": "pi_10",
		"status": "succeeded",
		"amount": 1000,
		"amount_received": 1000,
		"customer": "cus_1",
		"metadata": {"team_id": "team-1", "purpose": "credits_topup"}
	}`)

	if err := handlePaymentIntentSucceeded(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if spend.added != 10_000_000_000 {
		t.Fatalf("expected gross 10e9 added to tier spend, got %d", spend.added)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPaymentIntentSucceededDuplicateDoesNotDoubleCount(t *testing.T) {
	mock, spend, _ := setupHandlerTest(t)

	walletCols := []string{
		"team_id", "balance_nanos", "stripe_customer_id",
		"auto_topup_enabled", "low_balance_threshold_nanos",
		"auto_topup_amount_nanos", "auto_topup_payment_method",
		"created_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectQuery("INSERT INTO bursar.wallets").
		WillReturnRows(sqlmock.NewRows(walletCols).
			AddRow("team-1", int64(9_000_000_000), "cus_1", false, int64(0), int64(0), "", now, now))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance_nanos FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_nanos"}).AddRow(int64(9_000_000_000)))
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE bursar.credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	payload := StripeWebhookPayload{Type: "payment_intent.succeeded", Created: time.Now().Unix()}
	payload.Data.Object = json.RawMessage(`{
		"id": "pi_10",
		"amount": 1000,
		"customer": "cus_1",
		"metadata": {"team_id": "team-1"}
	}`)

	if err := handlePaymentIntentSucceeded(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if spend.added != 0 {
		t.Fatalf("duplicate delivery must not accumulate spend, got %d", spend.added)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPaymentIntentSucceededWithoutTeamSkips(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	// Customer lookup finds no wallet.
	mock.ExpectQuery("SELECT team_id, balance_nanos").
		WithArgs("cus_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"team_id"}))

	payload := StripeWebhookPayload{Type: "payment_intent.succeeded"}
	payload.Data.Object = json.RawMessage(`{"id": "pi_x", "amount": 1000, "customer": "cus_unknown", "metadata": {}}`)

	if err := handlePaymentIntentSucceeded(context.Background(), payload); err != nil {
		t.Fatalf("expected unmapped event to be skipped, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPaymentIntentFailedMarksPlaceholder(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	mock.ExpectExec("UPDATE bursar.credit_ledger").
		WithArgs(models.StatusFailed, sqlmock.AnyArg(), models.RefTypePaymentIntent, "pi_fail", models.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, COALESCE\\(team_id, ''\\), kind").
		WithArgs(models.RefTypePaymentIntent, "pi_fail").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "kind", "amount_nanos", "before_balance_nanos",
			"after_balance_nanos", "ref_type", "ref_id", "status", "event_time", "created_at",
		}).AddRow("id-1", "team-1", models.KindTopUp, int64(0), int64(0), int64(0),
			models.RefTypePaymentIntent, "pi_fail", models.StatusFailed, time.Now(), time.Now()))

	payload := StripeWebhookPayload{Type: "payment_intent.payment_failed"}
	payload.Data.Object = json.RawMessage(`{"id": "pi_fail", "metadata": {"team_id": "team-1", "purpose": "credits_topup_offsession"}}`)

	if err := handlePaymentIntentFailed(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPaymentIntentCreatedOffSessionWritesPlaceholder(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO bursar.wallets").
		WithArgs("team-1", "cus_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"team_id", "balance_nanos", "stripe_customer_id",
			"auto_topup_enabled", "low_balance_threshold_nanos",
			"auto_topup_amount_nanos", "auto_topup_payment_method",
			"created_at", "updated_at",
		}).AddRow("team-1", int64(0), "cus_1", true, int64(5_000_000_000), int64(20_000_000_000), "pm_1", now, now))
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WithArgs("team-1", models.KindTopUp, models.RefTypePaymentIntent, "pi_auto",
			models.StatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := StripeWebhookPayload{Type: "payment_intent.created"}
	payload.Data.Object = json.RawMessage(`{
		"id": "pi_auto",
		"customer": "cus_1",
		"metadata": {"team_id": "team-1", "purpose": "credits_topup_offsession"}
	}`)

	if err := handlePaymentIntentCreated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// An abandoned hosted checkout also emits payment_intent.created for the
// team. It must not leave a Processing row: that row would make the auto
// top-up sweep treat the team as having a charge in flight forever.
func TestPaymentIntentCreatedCheckoutLeavesNoPlaceholder(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	payload := StripeWebhookPayload{Type: "payment_intent.created"}
	payload.Data.Object = json.RawMessage(`{
		"id": "pi_checkout",
		"customer": "cus_1",
		"metadata": {"team_id": "team-1", "purpose": "credits_topup"}
	}`)

	if err := handlePaymentIntentCreated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	// No wallet upsert, no ledger insert.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no writes for checkout-purpose intent: %v", err)
	}

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("team-1", models.RefTypePaymentIntent, models.StatusProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	pending, err := store.HasPendingCharge(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if pending {
		t.Fatal("checkout intent must not block the auto top-up sweep")
	}
}

func TestPaymentIntentFailedCheckoutSkips(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	payload := StripeWebhookPayload{Type: "payment_intent.payment_failed"}
	payload.Data.Object = json.RawMessage(`{"id": "pi_checkout", "metadata": {"team_id": "team-1", "purpose": "credits_topup"}}`)

	if err := handlePaymentIntentFailed(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no writes for checkout-purpose failure: %v", err)
	}
}

func TestRefundCreatedRecordsProportionalReversal(t *testing.T) {
	mock, _, pay := setupHandlerTest(t)
	pay.intents["pi_orig"] = &stripego.PaymentIntent{ID: "pi_orig", Amount: 1000}

	entryCols := []string{
		"id", "team_id", "kind", "amount_nanos", "before_balance_nanos",
		"after_balance_nanos", "ref_type", "ref_id", "status", "event_time", "created_at",
	}
	// Original $10 charge credited $9 net.
	mock.ExpectQuery("SELECT id, COALESCE\\(team_id, ''\\), kind").
		WithArgs(models.RefTypePaymentIntent, "pi_orig").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("id-1", "team-1", models.KindTopUp, int64(9_000_000_000), int64(0), int64(9_000_000_000),
				models.RefTypePaymentIntent, "pi_orig", models.StatusPaid, time.Now(), time.Now()))

	// Refunding $5 of $10 reverses half the net: -$4.50.
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WithArgs("team-1", models.KindRefund, int64(-4_500_000_000), int64(9_000_000_000), int64(9_000_000_000),
			models.RefTypeRefund, "re_1", models.StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := StripeWebhookPayload{Type: "refund.created"}
	payload.Data.Object = json.RawMessage(`{
		"id": "re_1",
		"status": "pending",
		"amount": 500,
		"currency": "usd",
		"payment_intent": "pi_orig"
	}`)

	if err := handleRefundCreated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// The refund ratio divides by what the processor actually received, not
// what was requested, mirroring the credit path.
func TestRefundRatioUsesReceivedAmount(t *testing.T) {
	mock, _, pay := setupHandlerTest(t)
	pay.intents["pi_orig"] = &stripego.PaymentIntent{ID: "pi_orig", Amount: 1500, AmountReceived: 1000}

	entryCols := []string{
		"id", "team_id", "kind", "amount_nanos", "before_balance_nanos",
		"after_balance_nanos", "ref_type", "ref_id", "status", "event_time", "created_at",
	}
	mock.ExpectQuery("SELECT id, COALESCE\\(team_id, ''\\), kind").
		WithArgs(models.RefTypePaymentIntent, "pi_orig").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("id-1", "team-1", models.KindTopUp, int64(9_000_000_000), int64(0), int64(9_000_000_000),
				models.RefTypePaymentIntent, "pi_orig", models.StatusPaid, time.Now(), time.Now()))

	// $5 of the $10 received is half the charge, so half the $9 net comes
	// back. Dividing by the requested $15 would wrongly reverse only $3.
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WithArgs("team-1", models.KindRefund, int64(-4_500_000_000), int64(9_000_000_000), int64(9_000_000_000),
			models.RefTypeRefund, "re_recv", models.StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := StripeWebhookPayload{Type: "refund.created"}
	payload.Data.Object = json.RawMessage(`{
		"id": "re_recv",
		"status": "pending",
		"amount": 500,
		"payment_intent": "pi_orig"
	}`)

	if err := handleRefundCreated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefundUpdatedSucceededSettles(t *testing.T) {
	mock, _, pay := setupHandlerTest(t)
	pay.intents["pi_orig"] = &stripego.PaymentIntent{ID: "pi_orig", Amount: 1000}

	entryCols := []string{
		"id", "team_id", "kind", "amount_nanos", "before_balance_nanos",
		"after_balance_nanos", "ref_type", "ref_id", "status", "event_time", "created_at",
	}
	// ensureRefundRecorded: original charge lookup, then the insert hits
	// the uniqueness constraint because refund.created already ran.
	mock.ExpectQuery("SELECT id, COALESCE\\(team_id, ''\\), kind").
		WithArgs(models.RefTypePaymentIntent, "pi_orig").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("id-1", "team-1", models.KindTopUp, int64(9_000_000_000), int64(0), int64(9_000_000_000),
				models.RefTypePaymentIntent, "pi_orig", models.StatusPaid, time.Now(), time.Now()))
	mock.ExpectExec("INSERT INTO bursar.credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// settleRefund transaction
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT team_id, amount_nanos, status").
		WithArgs(models.RefTypeRefund, "re_1").
		WillReturnRows(sqlmock.NewRows([]string{"team_id", "amount_nanos", "status"}).
			AddRow("team-1", int64(-4_500_000_000), models.StatusPending))
	mock.ExpectQuery("SELECT balance_nanos FROM bursar.wallets").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_nanos"}).AddRow(int64(9_000_000_000)))
	mock.ExpectExec("UPDATE bursar.credit_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.wallets").
		WithArgs(int64(4_500_000_000), "team-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// notifyIfBalanceLow wallet read
	mock.ExpectQuery("SELECT team_id, balance_nanos").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"team_id", "balance_nanos", "stripe_customer_id",
			"auto_topup_enabled", "low_balance_threshold_nanos",
			"auto_topup_amount_nanos", "auto_topup_payment_method",
			"created_at", "updated_at",
		}).AddRow("team-1", int64(4_500_000_000), "cus_1", false, int64(0), int64(0), "", time.Now(), time.Now()))

	payload := StripeWebhookPayload{Type: "refund.updated"}
	payload.Data.Object = json.RawMessage(`{
		"id": "re_1",
		"status": "succeeded",
		"amount": 500,
		"payment_intent": "pi_orig"
	}`)

	if err := handleRefundUpdated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefundUpdatedFailedClosesWithoutDebit(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	mock.ExpectExec("UPDATE bursar.credit_ledger").
		WithArgs(models.StatusFailed, sqlmock.AnyArg(), models.RefTypeRefund, "re_1", models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := StripeWebhookPayload{Type: "refund.updated"}
	payload.Data.Object = json.RawMessage(`{"id": "re_1", "status": "failed", "payment_intent": "pi_orig"}`)

	if err := handleRefundUpdated(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefundCreatedForUnknownChargeSkips(t *testing.T) {
	mock, _, _ := setupHandlerTest(t)

	mock.ExpectQuery("SELECT id, COALESCE\\(team_id, ''\\), kind").
		WithArgs(models.RefTypePaymentIntent, "pi_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	payload := StripeWebhookPayload{Type: "refund.created"}
	payload.Data.Object = json.RawMessage(`{"id": "re_x", "status": "pending", "amount": 500, "payment_intent": "pi_missing"}`)

	if err := handleRefundCreated(context.Background(), payload); err != nil {
		t.Fatalf("expected refund for unknown charge to be skipped, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
