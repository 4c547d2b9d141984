// Package bursar defines the request and response types of the Bursar
// credit-ledger API.
package bursar

import (
	"time"

	"gatewaycredits/pkg/api/common"
	"gatewaycredits/pkg/models"
)

// ErrorResponse is the standard error envelope
type ErrorResponse = common.ErrorResponse

// BalanceResponse is the response for GET /credits/balance
type BalanceResponse struct {
	TeamID       string  `json:"team_id"`
	BalanceNanos int64   `json:"balance_nanos"`
	Balance      float64 `json:"balance"`
	AutoTopup    bool    `json:"auto_topup"`
}

// LedgerResponse is the response for GET /credits/ledger
type LedgerResponse struct {
	TeamID  string               `json:"team_id"`
	Entries []models.LedgerEntry `json:"entries"`
	Count   int                  `json:"count"`
}

// TierStatusResponse reports a team's fee tier and progress toward the
// next discount.
type TierStatusResponse struct {
	TeamID               string  `json:"team_id"`
	Tier                 string  `json:"tier"`
	TierName             string  `json:"tier_name"`
	FeePct               float64 `json:"fee_pct"`
	PrevPeriodSpendNanos int64   `json:"prev_period_spend_nanos"`
	InProgressSpendNanos int64   `json:"in_progress_spend_nanos"`
	NextTier             string  `json:"next_tier,omitempty"`
	RemainingToNextNanos int64   `json:"remaining_to_next_nanos,omitempty"`
	NextDiscountDeltaPct float64 `json:"next_discount_delta_pct,omitempty"`
	ProjectedTier        string  `json:"projected_tier,omitempty"`
	ProjectedSavingNanos int64   `json:"projected_saving_nanos,omitempty"`
	SavingVsBasePct      float64 `json:"saving_vs_base_pct"`
	TopTier              bool    `json:"top_tier"`
}

// TierScheduleEntry is one row of the published fee schedule
type TierScheduleEntry struct {
	Key            string  `json:"key"`
	Name           string  `json:"name"`
	ThresholdNanos int64   `json:"threshold_nanos"`
	FeePct         float64 `json:"fee_pct"`
	Description    string  `json:"description,omitempty"`
}

// TierScheduleResponse is the response for GET /credits/tiers
type TierScheduleResponse struct {
	Tiers []TierScheduleEntry `json:"tiers"`
}

// TopupRequest creates a hosted checkout session for a credit top-up
type TopupRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,min=100"`
	Currency    string `json:"currency"`
	SuccessURL  string `json:"success_url" binding:"required"`
	CancelURL   string `json:"cancel_url" binding:"required"`
	Email       string `json:"email"`
}

// TopupResponse returns the hosted checkout URL
type TopupResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// ChargeSavedRequest charges a saved payment method off-session
type ChargeSavedRequest struct {
	AmountCents     int64  `json:"amount_cents" binding:"required,min=100"`
	Currency        string `json:"currency"`
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
}

// ChargeSavedResponse reports the created off-session charge
type ChargeSavedResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Status          string `json:"status"`
}

// AutoTopupConfigRequest configures automatic top-ups for a wallet
type AutoTopupConfigRequest struct {
	Enabled         bool   `json:"enabled"`
	ThresholdNanos  int64  `json:"threshold_nanos"`
	AmountNanos     int64  `json:"amount_nanos"`
	PaymentMethodID string `json:"payment_method_id"`
}

// AutoTopupConfigResponse echoes the stored configuration
type AutoTopupConfigResponse struct {
	TeamID         string    `json:"team_id"`
	Enabled        bool      `json:"enabled"`
	ThresholdNanos int64     `json:"threshold_nanos"`
	AmountNanos    int64     `json:"amount_nanos"`
	UpdatedAt      time.Time `json:"updated_at"`
}
