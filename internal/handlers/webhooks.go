package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatewaycredits/internal/ledger"
	"gatewaycredits/internal/reconcile"
	"gatewaycredits/pkg/api/bursar"
	"gatewaycredits/pkg/config"
	"gatewaycredits/pkg/events"
	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/middleware"
	"gatewaycredits/pkg/models"
)

const maxWebhookBodyBytes = 1 << 20

// Stripe webhook payload structure.
// Flexible struct to handle multiple event types (payment_intent, refund).
type StripeWebhookPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"` // Parsed per event type
	} `json:"data"`
}

// StripePaymentIntentObject for payment_intent.* events
type StripePaymentIntentObject struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`          // cents
	AmountReceived int64  `json:"amount_received"` // cents
	CustomerID     string `json:"customer"`
	Metadata       struct {
		TeamID  string `json:"team_id"`
		Purpose string `json:"purpose"`
	} `json:"metadata"`
}

// StripeRefundObject for refund.* events
type StripeRefundObject struct {
	ID              string `json:"id"`
	Status          string `json:"status"` // pending, requires_action, succeeded, failed, canceled
	Amount          int64  `json:"amount"` // cents
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"payment_intent"`
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	// 5 minutes tolerance in either direction; a far-future timestamp is as
	// suspect as a stale one.
	now := time.Now().Unix()
	skew := now - timestampInt
	if skew > 300 || skew < -300 {
		logger.WithFields(logging.Fields{
			"timestamp":    timestampInt,
			"skew_seconds": skew,
		}).Warn("Stripe webhook timestamp outside tolerance")
		return false
	}

	// Calculate expected signature over timestamp + "." + payload
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// stripeEventHandlers maps each consumed event kind to its handler. Kinds
// without an entry are acknowledged and ignored.
var stripeEventHandlers = map[string]func(context.Context, StripeWebhookPayload) error{
	"payment_intent.created":        handlePaymentIntentCreated,
	"payment_intent.succeeded":      handlePaymentIntentSucceeded,
	"payment_intent.payment_failed": handlePaymentIntentFailed,
	"refund.created":                handleRefundCreated,
	"refund.updated":                handleRefundUpdated,
}

// HandleStripeWebhook receives Stripe events and routes them to the ledger.
// Processing is idempotent end to end, so a 500 is safe: Stripe redelivers
// and the ledger's uniqueness constraint absorbs the duplicate.
func HandleStripeWebhook(c middleware.Context) {
	webhookSecret := config.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if webhookSecret == "" {
		logger.Error("STRIPE_WEBHOOK_SECRET not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, bursar.ErrorResponse{Error: "Webhook verification not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Failed to read body"})
		return
	}

	if !verifyStripeSignature(body, c.GetHeader("Stripe-Signature"), webhookSecret) {
		recordWebhookSignatureFailure()
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid Stripe webhook payload")
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received Stripe webhook")

	ctx := c.Request.Context()

	handle, ok := stripeEventHandlers[payload.Type]
	if !ok {
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled Stripe event type")
		recordWebhookEvent(payload.Type, "ignored")
		c.JSON(http.StatusOK, map[string]bool{"ignored": true})
		return
	}

	if err := handle(ctx, payload); err != nil {
		recordWebhookEvent(payload.Type, "error")
		logger.WithError(err).WithFields(logging.Fields{
			"event_id":   payload.ID,
			"event_type": payload.Type,
		}).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to process webhook"})
		return
	}

	recordWebhookEvent(payload.Type, "ok")
	c.JSON(http.StatusOK, map[string]bool{"received": true})
}

func eventTime(payload StripeWebhookPayload) time.Time {
	if payload.Created > 0 {
		return time.Unix(payload.Created, 0).UTC()
	}
	return time.Now().UTC()
}

// resolveTeam maps a payment intent to a team: metadata first, then the
// wallet linked to the Stripe customer. Empty string means the event does
// not belong to a credit top-up and should be skipped.
func resolveTeam(ctx context.Context, obj StripePaymentIntentObject) string {
	if obj.Metadata.TeamID != "" {
		return obj.Metadata.TeamID
	}
	if obj.CustomerID != "" {
		if wallet, err := store.WalletByCustomerRef(ctx, obj.CustomerID); err == nil {
			return wallet.TeamID
		}
	}
	return ""
}

// handlePaymentIntentCreated records a Processing placeholder so pending
// off-session charges are visible in the ledger before they complete. Only
// off-session auto top-ups get a placeholder: a hosted-checkout intent is
// created as soon as the checkout page opens, and an abandoned checkout
// would leave a Processing row that blocks the auto top-up sweep forever.
func handlePaymentIntentCreated(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripePaymentIntentObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		logger.WithError(err).Warn("Failed to parse payment intent, skipping")
		return nil
	}
	if obj.Metadata.Purpose != models.PurposeTopupOffSession {
		return nil
	}

	teamID := resolveTeam(ctx, obj)
	if teamID == "" {
		logger.WithField("payment_intent_id", obj.ID).Debug("No team for payment intent, skipping")
		return nil
	}

	if _, err := store.EnsureWallet(ctx, teamID, obj.CustomerID); err != nil {
		return err
	}
	return store.InsertChargePlaceholder(ctx, teamID, obj.ID, eventTime(payload))
}

// handlePaymentIntentSucceeded credits the wallet with the net amount after
// the team's tiered gateway fee.
func handlePaymentIntentSucceeded(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripePaymentIntentObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		logger.WithError(err).Warn("Failed to parse payment intent, skipping")
		return nil
	}

	teamID := resolveTeam(ctx, obj)
	if teamID == "" {
		logger.WithField("payment_intent_id", obj.ID).Warn("No team for succeeded payment intent, skipping")
		return nil
	}

	if _, err := store.EnsureWallet(ctx, teamID, obj.CustomerID); err != nil {
		return err
	}

	grossCents := obj.AmountReceived
	if grossCents == 0 {
		grossCents = obj.Amount
	}
	grossNanos := grossCents * models.NanosPerCent

	feePct, err := currentFeePct(ctx, teamID)
	if err != nil {
		return err
	}

	netNanos, feeNanos, err := feePolicy.NetFromGross(grossNanos, feePct)
	if err != nil {
		// Broken amounts never fix themselves on redelivery.
		logger.WithError(err).WithFields(logging.Fields{
			"payment_intent_id": obj.ID,
			"gross_nanos":       grossNanos,
			"fee_pct":           feePct,
		}).Error("Rejecting charge with invalid amounts")
		return nil
	}

	res, err := store.SettleCharge(ctx, teamID, models.KindTopUp, netNanos, obj.ID, eventTime(payload))
	if err != nil {
		return err
	}
	if !res.Applied {
		logger.WithFields(logging.Fields{
			"payment_intent_id": obj.ID,
			"team_id":           teamID,
		}).Debug("Charge already settled, skipping duplicate delivery")
		return nil
	}

	recordLedgerWrite(models.KindTopUp, models.StatusPaid)
	if err := spendSource.AddSpend(ctx, teamID, eventTime(payload), grossNanos); err != nil {
		logger.WithError(err).WithField("team_id", teamID).Warn("Failed to accumulate tier spend")
	}
	invalidateWallet(ctx, teamID, "topup_credited")
	emitCreditEvent(ctx, events.CreditEvent{
		Type:         events.TypeTopupCredited,
		TeamID:       teamID,
		RefType:      models.RefTypePaymentIntent,
		RefID:        obj.ID,
		AmountNanos:  netNanos,
		BalanceNanos: res.AfterBalanceNanos,
		FeeNanos:     feeNanos,
	})

	logger.WithFields(logging.Fields{
		"payment_intent_id": obj.ID,
		"team_id":           teamID,
		"gross_nanos":       grossNanos,
		"net_nanos":         netNanos,
		"fee_nanos":         feeNanos,
		"balance_nanos":     res.AfterBalanceNanos,
	}).Info("Credited wallet from succeeded payment")

	return nil
}

// handlePaymentIntentFailed marks an off-session charge's Processing
// placeholder Failed. No balance change. Failed checkout payments carry no
// placeholder, so they are skipped like any other non-off-session intent.
func handlePaymentIntentFailed(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripePaymentIntentObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		logger.WithError(err).Warn("Failed to parse payment intent, skipping")
		return nil
	}
	if obj.Metadata.Purpose != models.PurposeTopupOffSession {
		return nil
	}

	marked, err := store.MarkChargeFailed(ctx, obj.ID, eventTime(payload))
	if err != nil {
		return err
	}
	if !marked {
		logger.WithField("payment_intent_id", obj.ID).Debug("No pending charge to fail, skipping")
		return nil
	}

	recordLedgerWrite(models.KindTopUp, models.StatusFailed)
	if entry, err := store.EntryByRef(ctx, models.RefTypePaymentIntent, obj.ID); err == nil && entry.TeamID != "" {
		emitCreditEvent(ctx, events.CreditEvent{
			Type:    events.TypeChargeFailed,
			TeamID:  entry.TeamID,
			RefType: models.RefTypePaymentIntent,
			RefID:   obj.ID,
		})
	}

	logger.WithField("payment_intent_id", obj.ID).Info("Marked charge failed")
	return nil
}

// handleRefundCreated records the provisional reversal. Some processors
// deliver refunds already succeeded, so a terminal status settles here too.
func handleRefundCreated(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeRefundObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		logger.WithError(err).Warn("Failed to parse refund, skipping")
		return nil
	}

	if err := ensureRefundRecorded(ctx, obj, eventTime(payload)); err != nil {
		return err
	}
	if obj.Status == "succeeded" {
		return settleRefund(ctx, obj, eventTime(payload))
	}
	return nil
}

// handleRefundUpdated applies refund status transitions. The wallet is
// debited only when the refund reaches succeeded.
func handleRefundUpdated(ctx context.Context, payload StripeWebhookPayload) error {
	var obj StripeRefundObject
	if err := json.Unmarshal(payload.Data.Object, &obj); err != nil {
		logger.WithError(err).Warn("Failed to parse refund, skipping")
		return nil
	}

	switch obj.Status {
	case "succeeded":
		// refund.updated can arrive before refund.created.
		if err := ensureRefundRecorded(ctx, obj, eventTime(payload)); err != nil {
			return err
		}
		return settleRefund(ctx, obj, eventTime(payload))
	case "failed":
		return markRefundTerminal(ctx, obj.ID, models.StatusFailed, eventTime(payload))
	case "canceled":
		return markRefundTerminal(ctx, obj.ID, models.StatusCanceled, eventTime(payload))
	default:
		return ensureRefundRecorded(ctx, obj, eventTime(payload))
	}
}

// ensureRefundRecorded writes the Pending reversal entry if it does not
// exist. The reversal amount is the original net scaled by the refunded
// share of the original gross, so partial refunds return exactly the
// credits the refunded portion bought.
func ensureRefundRecorded(ctx context.Context, obj StripeRefundObject, at time.Time) error {
	if obj.PaymentIntentID == "" {
		logger.WithField("refund_id", obj.ID).Warn("Refund without payment intent, skipping")
		return nil
	}

	orig, err := store.EntryByRef(ctx, models.RefTypePaymentIntent, obj.PaymentIntentID)
	if errors.Is(err, ledger.ErrMissingEntry) {
		logger.WithFields(logging.Fields{
			"refund_id":         obj.ID,
			"payment_intent_id": obj.PaymentIntentID,
		}).Warn("Refund references unknown charge, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if orig.Status != models.StatusPaid {
		logger.WithFields(logging.Fields{
			"refund_id":     obj.ID,
			"charge_status": orig.Status,
		}).Warn("Refund references uncredited charge, skipping")
		return nil
	}

	// The original gross is not on the ledger row; recover it from the
	// processor. When that fails the refund falls back to reversing the
	// full net, which is correct for full refunds and conservative for
	// partial ones.
	var origGrossNanos int64
	if payments != nil {
		if pi, err := payments.GetPaymentIntent(ctx, obj.PaymentIntentID); err == nil {
			// Same preference as the credit path: what was actually
			// received, not what was requested.
			grossCents := pi.AmountReceived
			if grossCents == 0 {
				grossCents = pi.Amount
			}
			origGrossNanos = grossCents * models.NanosPerCent
		} else {
			logger.WithError(err).WithField("payment_intent_id", obj.PaymentIntentID).
				Warn("Failed to fetch original charge amount, assuming full refund")
		}
	}

	refundGrossNanos := obj.Amount * models.NanosPerCent
	refundNet, err := reconcile.RefundNet(origGrossNanos, orig.AmountNanos, refundGrossNanos)
	if err != nil {
		logger.WithError(err).WithField("refund_id", obj.ID).Error("Rejecting refund with invalid amounts")
		return nil
	}

	inserted, err := store.RecordPendingRefund(ctx, orig.TeamID, -refundNet, orig.AfterBalanceNanos, obj.ID, at)
	if err != nil {
		return err
	}
	if inserted {
		recordLedgerWrite(models.KindRefund, models.StatusPending)
		logger.WithFields(logging.Fields{
			"refund_id":        obj.ID,
			"team_id":          orig.TeamID,
			"refund_net_nanos": refundNet,
		}).Info("Recorded pending refund")
	}
	return nil
}

func settleRefund(ctx context.Context, obj StripeRefundObject, at time.Time) error {
	res, err := store.SettleRefund(ctx, obj.ID, at)
	if errors.Is(err, ledger.ErrMissingEntry) {
		// ensureRefundRecorded skipped it (unknown or uncredited charge).
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Applied {
		logger.WithField("refund_id", obj.ID).Debug("Refund already settled, skipping duplicate delivery")
		return nil
	}

	recordLedgerWrite(models.KindRefund, models.StatusSucceeded)
	invalidateWallet(ctx, res.TeamID, "refund_applied")
	emitCreditEvent(ctx, events.CreditEvent{
		Type:         events.TypeRefundApplied,
		TeamID:       res.TeamID,
		RefType:      models.RefTypeRefund,
		RefID:        obj.ID,
		AmountNanos:  res.AmountNanos,
		BalanceNanos: res.AfterBalanceNanos,
	})
	notifyIfBalanceLow(ctx, res.TeamID, res.AfterBalanceNanos)

	logger.WithFields(logging.Fields{
		"refund_id":     obj.ID,
		"team_id":       res.TeamID,
		"amount_nanos":  res.AmountNanos,
		"balance_nanos": res.AfterBalanceNanos,
	}).Info("Settled refund against wallet")
	return nil
}

func markRefundTerminal(ctx context.Context, refundID, status string, at time.Time) error {
	marked, err := store.MarkRefundTerminal(ctx, refundID, status, at)
	if err != nil {
		return err
	}
	if marked {
		recordLedgerWrite(models.KindRefund, status)
		logger.WithFields(logging.Fields{
			"refund_id": refundID,
			"status":    status,
		}).Info("Closed refund without balance change")
	}
	return nil
}

// currentFeePct resolves the team's gateway fee from last month's spend.
func currentFeePct(ctx context.Context, teamID string) (float64, error) {
	now := time.Now().UTC()
	prevMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	prevSpend, err := spendSource.PeriodSpend(ctx, teamID, prevMonth)
	if err != nil {
		return 0, err
	}
	comp, err := schedule.Compute(prevSpend, 0)
	if err != nil {
		return 0, err
	}
	return comp.Current.FeePct, nil
}

func recordWebhookEvent(eventType, outcome string) {
	if metrics == nil || metrics.WebhookEvents == nil {
		return
	}
	metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func recordWebhookSignatureFailure() {
	if metrics == nil || metrics.WebhookSignatureFailures == nil {
		return
	}
	metrics.WebhookSignatureFailures.WithLabelValues("stripe").Inc()
}

func recordLedgerWrite(kind, status string) {
	if metrics == nil || metrics.LedgerWrites == nil {
		return
	}
	metrics.LedgerWrites.WithLabelValues(kind, status).Inc()
}
