package handlers

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	stripego "github.com/stripe/stripe-go/v82"

	"gatewaycredits/internal/ledger"
	"gatewaycredits/internal/reconcile"
	bursarstripe "gatewaycredits/internal/stripe"
	"gatewaycredits/internal/tiers"
	"gatewaycredits/pkg/events"
	"gatewaycredits/pkg/logging"
)

// PaymentsClient is the subset of the Stripe wrapper the handlers use.
// Tests substitute a stub.
type PaymentsClient interface {
	CreateOrGetCustomer(ctx context.Context, info bursarstripe.CustomerInfo) (*stripego.Customer, error)
	CreateTopupSession(ctx context.Context, params bursarstripe.TopupSessionParams) (*stripego.CheckoutSession, error)
	ChargeSavedPaymentMethod(ctx context.Context, params bursarstripe.OffSessionChargeParams) (*stripego.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error)
}

var (
	db          *sql.DB
	logger      logging.Logger
	metrics     *BursarMetrics
	store       *ledger.Store
	schedule    tiers.Schedule
	feePolicy   reconcile.FeePolicy
	spendSource SpendSource
	payments    PaymentsClient
	producer    *events.Producer
	invalidator *WalletInvalidator
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures *prometheus.CounterVec
	LedgerWrites             *prometheus.CounterVec
	AutoTopupCharges         *prometheus.CounterVec
	DBQueries                *prometheus.CounterVec
	DBDuration               *prometheus.HistogramVec
	DBConnections            *prometheus.GaugeVec
}

// Config carries everything Init wires into the package.
type Config struct {
	DB          *sql.DB
	Logger      logging.Logger
	Metrics     *BursarMetrics
	Schedule    tiers.Schedule
	FeePolicy   reconcile.FeePolicy
	Payments    PaymentsClient
	Producer    *events.Producer
	Invalidator *WalletInvalidator
}

// Init initializes the handlers with database, logger, and service clients.
// Producer and Invalidator may be nil; the corresponding side effects become
// no-ops.
func Init(cfg Config) {
	db = cfg.DB
	logger = cfg.Logger
	metrics = cfg.Metrics
	schedule = cfg.Schedule
	feePolicy = cfg.FeePolicy
	payments = cfg.Payments
	producer = cfg.Producer
	invalidator = cfg.Invalidator

	store = ledger.NewStore(db, logger)
	spendSource = NewCachedSpendSource(NewPostgresSpendSource(db), logger)
}
