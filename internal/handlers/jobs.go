package handlers

import (
	"context"
	"database/sql"
	"time"

	stripego "github.com/stripe/stripe-go/v82"

	"gatewaycredits/internal/ledger"
	bursarstripe "gatewaycredits/internal/stripe"
	"gatewaycredits/pkg/clients"
	"gatewaycredits/pkg/config"
	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/models"
)

// JobManager handles background ledger jobs
type JobManager struct {
	db       *sql.DB
	store    *ledger.Store
	logger   logging.Logger
	interval time.Duration
	breaker  *clients.Breaker
	stopCh   chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger) *JobManager {
	intervalSec := config.GetEnvInt("AUTO_TOPUP_INTERVAL_SECONDS", 300)

	return &JobManager{
		db:       database,
		store:    ledger.NewStore(database, log),
		logger:   log,
		interval: time.Duration(intervalSec) * time.Second,
		breaker: clients.NewBreaker(clients.BreakerConfig{
			Name:        "stripe-off-session",
			OpenTimeout: time.Duration(config.GetEnvInt("STRIPE_BREAKER_OPEN_SECONDS", 60)) * time.Second,
			Logger:      log,
		}),
		stopCh: make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting ledger job manager")
	go jm.runAutoTopup(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping ledger job manager")
	close(jm.stopCh)
}

// runAutoTopup periodically charges saved payment methods for wallets that
// fell below their configured threshold.
func (jm *JobManager) runAutoTopup(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processAutoTopups(ctx)
		}
	}
}

func (jm *JobManager) processAutoTopups(ctx context.Context) {
	if payments == nil {
		return
	}
	if jm.breaker.IsOpen() {
		jm.logger.Warn("Skipping auto top-up sweep, payment gateway circuit is open")
		return
	}

	wallets, err := jm.store.WalletsForAutoTopup(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list auto top-up candidates")
		return
	}

	for _, wallet := range wallets {
		// A charge already in flight will replenish the balance; charging
		// again would double-bill.
		pending, err := jm.store.HasPendingCharge(ctx, wallet.TeamID)
		if err != nil {
			jm.logger.WithError(err).WithField("team_id", wallet.TeamID).Warn("Failed to check pending charges")
			continue
		}
		if pending {
			continue
		}

		amountCents := wallet.AutoTopupAmountNanos / models.NanosPerCent
		var pi *stripego.PaymentIntent
		err = jm.breaker.Call(func() error {
			var chargeErr error
			pi, chargeErr = payments.ChargeSavedPaymentMethod(ctx, bursarstripe.OffSessionChargeParams{
				CustomerID:      wallet.StripeCustomerID,
				PaymentMethodID: wallet.AutoTopupPaymentMethod,
				TeamID:          wallet.TeamID,
				AmountCents:     amountCents,
			})
			return chargeErr
		})
		if err != nil {
			recordAutoTopupCharge("error")
			jm.logger.WithError(err).WithFields(logging.Fields{
				"team_id":      wallet.TeamID,
				"amount_cents": amountCents,
			}).Error("Auto top-up charge failed")
			continue
		}

		recordAutoTopupCharge("created")
		jm.logger.WithFields(logging.Fields{
			"team_id":           wallet.TeamID,
			"payment_intent_id": pi.ID,
			"amount_cents":      amountCents,
			"balance_nanos":     wallet.BalanceNanos,
			"threshold_nanos":   wallet.LowBalanceThresholdNanos,
		}).Info("Created auto top-up charge")
	}
}

func recordAutoTopupCharge(outcome string) {
	if metrics == nil || metrics.AutoTopupCharges == nil {
		return
	}
	metrics.AutoTopupCharges.WithLabelValues(outcome).Inc()
}
