package handlers

import (
	"context"
	"errors"
	"net/http"

	"gatewaycredits/internal/ledger"
	bursarstripe "gatewaycredits/internal/stripe"
	"gatewaycredits/pkg/api/bursar"
	"gatewaycredits/pkg/middleware"
)

// CreateTopupCheckout creates a hosted checkout session for a one-time
// credit top-up. The wallet is only credited when the payment_intent
// webhooks confirm the payment.
func CreateTopupCheckout(c middleware.Context) {
	teamID := c.GetString("team_id")

	var req bursar.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if payments == nil {
		c.JSON(http.StatusServiceUnavailable, bursar.ErrorResponse{Error: "Payments not configured"})
		return
	}

	ctx := c.Request.Context()
	customerID, err := ensureCustomer(ctx, teamID, req.Email)
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to resolve Stripe customer")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to create checkout session"})
		return
	}

	sess, err := payments.CreateTopupSession(ctx, bursarstripe.TopupSessionParams{
		CustomerID:  customerID,
		TeamID:      teamID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to create checkout session")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, bursar.TopupResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}

// ChargeSaved charges a saved payment method off-session. The resulting
// payment intent flows back through the webhooks like any other top-up.
func ChargeSaved(c middleware.Context) {
	teamID := c.GetString("team_id")

	var req bursar.ChargeSavedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if payments == nil {
		c.JSON(http.StatusServiceUnavailable, bursar.ErrorResponse{Error: "Payments not configured"})
		return
	}

	ctx := c.Request.Context()
	wallet, err := store.WalletByTeam(ctx, teamID)
	if errors.Is(err, ledger.ErrUnknownWallet) || (err == nil && wallet.StripeCustomerID == "") {
		c.JSON(http.StatusConflict, bursar.ErrorResponse{Error: "No saved payment profile for team"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to fetch wallet")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to charge payment method"})
		return
	}

	pi, err := payments.ChargeSavedPaymentMethod(ctx, bursarstripe.OffSessionChargeParams{
		CustomerID:      wallet.StripeCustomerID,
		PaymentMethodID: req.PaymentMethodID,
		TeamID:          teamID,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
	})
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Off-session charge failed")
		c.JSON(http.StatusBadGateway, bursar.ErrorResponse{Error: "Charge failed"})
		return
	}

	c.JSON(http.StatusOK, bursar.ChargeSavedResponse{
		PaymentIntentID: pi.ID,
		Status:          string(pi.Status),
	})
}

// ConfigureAutoTopup stores the team's automatic top-up settings
func ConfigureAutoTopup(c middleware.Context) {
	teamID := c.GetString("team_id")

	var req bursar.AutoTopupConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}
	if req.Enabled && (req.ThresholdNanos <= 0 || req.AmountNanos <= 0 || req.PaymentMethodID == "") {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{
			Error: "Auto top-up requires a positive threshold, amount, and payment method",
		})
		return
	}

	ctx := c.Request.Context()
	if _, err := store.EnsureWallet(ctx, teamID, ""); err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to ensure wallet")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to store configuration"})
		return
	}
	if err := store.UpdateAutoTopup(ctx, teamID, req.Enabled, req.ThresholdNanos, req.AmountNanos, req.PaymentMethodID); err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to store auto top-up config")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to store configuration"})
		return
	}

	wallet, err := store.WalletByTeam(ctx, teamID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to store configuration"})
		return
	}

	c.JSON(http.StatusOK, bursar.AutoTopupConfigResponse{
		TeamID:         wallet.TeamID,
		Enabled:        wallet.AutoTopupEnabled,
		ThresholdNanos: wallet.LowBalanceThresholdNanos,
		AmountNanos:    wallet.AutoTopupAmountNanos,
		UpdatedAt:      wallet.UpdatedAt,
	})
}

// DisableAutoTopup turns off automatic top-ups, keeping the saved
// threshold and amount for later re-enable.
func DisableAutoTopup(c middleware.Context) {
	teamID := c.GetString("team_id")
	ctx := c.Request.Context()

	wallet, err := store.WalletByTeam(ctx, teamID)
	if errors.Is(err, ledger.ErrUnknownWallet) {
		c.JSON(http.StatusOK, bursar.AutoTopupConfigResponse{TeamID: teamID})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to fetch wallet")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to update configuration"})
		return
	}

	if err := store.UpdateAutoTopup(ctx, teamID, false, wallet.LowBalanceThresholdNanos, wallet.AutoTopupAmountNanos, wallet.AutoTopupPaymentMethod); err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to disable auto top-up")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to update configuration"})
		return
	}

	c.JSON(http.StatusOK, bursar.AutoTopupConfigResponse{
		TeamID:         teamID,
		Enabled:        false,
		ThresholdNanos: wallet.LowBalanceThresholdNanos,
		AmountNanos:    wallet.AutoTopupAmountNanos,
	})
}

// GetAutoTopupConfig returns the team's automatic top-up settings
func GetAutoTopupConfig(c middleware.Context) {
	teamID := c.GetString("team_id")

	wallet, err := store.WalletByTeam(c.Request.Context(), teamID)
	if errors.Is(err, ledger.ErrUnknownWallet) {
		c.JSON(http.StatusOK, bursar.AutoTopupConfigResponse{TeamID: teamID})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to fetch wallet")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch configuration"})
		return
	}

	c.JSON(http.StatusOK, bursar.AutoTopupConfigResponse{
		TeamID:         wallet.TeamID,
		Enabled:        wallet.AutoTopupEnabled,
		ThresholdNanos: wallet.LowBalanceThresholdNanos,
		AmountNanos:    wallet.AutoTopupAmountNanos,
		UpdatedAt:      wallet.UpdatedAt,
	})
}

// ensureCustomer returns the team's Stripe customer ID, creating the
// customer and linking it to the wallet when needed.
func ensureCustomer(ctx context.Context, teamID, email string) (string, error) {
	wallet, err := store.WalletByTeam(ctx, teamID)
	if err == nil && wallet.StripeCustomerID != "" {
		return wallet.StripeCustomerID, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrUnknownWallet) {
		return "", err
	}

	cust, err := payments.CreateOrGetCustomer(ctx, bursarstripe.CustomerInfo{
		TeamID: teamID,
		Email:  email,
	})
	if err != nil {
		return "", err
	}
	if _, err := store.EnsureWallet(ctx, teamID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}
