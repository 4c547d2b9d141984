package models

import "time"

// Money amounts are integer nanos: 1e9 nanos per currency unit. Payment
// processors report cents; NanosPerCent converts at the boundary. Integer
// arithmetic avoids floating-point drift across millions of small top-ups.
const (
	NanosPerUnit int64 = 1_000_000_000
	NanosPerCent int64 = 10_000_000
)

// Ledger entry kinds
const (
	KindTopUp         = "top_up"
	KindRefund        = "refund"
	KindFeeAdjustment = "fee_adjustment"
)

// Ledger entry statuses
const (
	StatusProcessing = "Processing"
	StatusPaid       = "Paid"
	StatusFailed     = "Failed"
	StatusPending    = "Pending"
	StatusSucceeded  = "Succeeded"
	StatusCanceled   = "Canceled"
)

// External reference types. Together with the event's own ID they form the
// ledger's uniqueness key.
const (
	RefTypePaymentIntent = "Stripe_Payment_Intent"
	RefTypeRefund        = "Stripe_Refund"
)

// Metadata purpose values stamped on payment intents this service creates.
// The webhook layer uses them to tell credit top-ups apart from unrelated
// payments on the same Stripe account, and checkout top-ups apart from
// off-session auto top-ups.
const (
	PurposeTopup           = "credits_topup"
	PurposeTopupOffSession = "credits_topup_offsession"
)

// Wallet is a team's credit balance. One row per team, created lazily the
// first time a team is billed, mutated only through the ledger store.
type Wallet struct {
	TeamID                   string    `json:"team_id" db:"team_id"`
	BalanceNanos             int64     `json:"balance_nanos" db:"balance_nanos"`
	StripeCustomerID         string    `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	AutoTopupEnabled         bool      `json:"auto_topup_enabled" db:"auto_topup_enabled"`
	LowBalanceThresholdNanos int64     `json:"low_balance_threshold_nanos" db:"low_balance_threshold_nanos"`
	AutoTopupAmountNanos     int64     `json:"auto_topup_amount_nanos" db:"auto_topup_amount_nanos"`
	AutoTopupPaymentMethod   string    `json:"auto_topup_payment_method,omitempty" db:"auto_topup_payment_method"`
	CreatedAt                time.Time `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is the immutable audit record of one balance-affecting action.
// AmountNanos is a signed delta; positive credits the wallet. For any
// committed entry, AfterBalanceNanos = BeforeBalanceNanos + AmountNanos.
type LedgerEntry struct {
	ID                 string    `json:"id" db:"id"`
	TeamID             string    `json:"team_id" db:"team_id"`
	Kind               string    `json:"kind" db:"kind"`
	AmountNanos        int64     `json:"amount_nanos" db:"amount_nanos"`
	BeforeBalanceNanos int64     `json:"before_balance_nanos" db:"before_balance_nanos"`
	AfterBalanceNanos  int64     `json:"after_balance_nanos" db:"after_balance_nanos"`
	RefType            string    `json:"ref_type" db:"ref_type"`
	RefID              string    `json:"ref_id" db:"ref_id"`
	Status             string    `json:"status" db:"status"`
	EventTime          time.Time `json:"event_time" db:"event_time"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}
