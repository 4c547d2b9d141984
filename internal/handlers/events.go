package handlers

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gatewaycredits/pkg/events"
	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/redis"
)

// WalletInvalidation tells downstream balance caches to drop a team.
type WalletInvalidation struct {
	TeamID string    `json:"team_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// WalletInvalidator broadcasts balance-change notifications over Redis
// pub/sub so gateway nodes holding cached balances drop them immediately
// instead of waiting out their TTL.
type WalletInvalidator struct {
	pubsub  *redis.TypedPubSub[WalletInvalidation]
	channel string
	logger  logging.Logger
}

func NewWalletInvalidator(client goredis.UniversalClient, channel string, logger logging.Logger) *WalletInvalidator {
	return &WalletInvalidator{
		pubsub:  redis.NewTypedPubSub[WalletInvalidation](client),
		channel: channel,
		logger:  logger,
	}
}

// Invalidate publishes a drop notification. Best-effort: a missed
// invalidation only delays cache convergence by one TTL.
func (w *WalletInvalidator) Invalidate(ctx context.Context, teamID, reason string) {
	if w == nil {
		return
	}
	msg := WalletInvalidation{TeamID: teamID, Reason: reason, At: time.Now().UTC()}
	if err := w.pubsub.Publish(ctx, w.channel, msg); err != nil {
		w.logger.WithError(err).WithFields(logging.Fields{
			"team_id": teamID,
			"reason":  reason,
		}).Warn("Failed to publish wallet invalidation")
	}
}

// invalidateWallet notifies balance caches after a committed balance change.
func invalidateWallet(ctx context.Context, teamID, reason string) {
	if invalidator == nil {
		return
	}
	invalidator.Invalidate(ctx, teamID, reason)
}

// emitCreditEvent publishes a credit event to Kafka. A nil producer makes
// this a no-op so the service runs without Kafka in development.
func emitCreditEvent(ctx context.Context, event events.CreditEvent) {
	if producer == nil {
		return
	}
	if err := producer.Emit(ctx, event); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_type": event.Type,
			"team_id":    event.TeamID,
		}).Warn("Failed to emit credit event")
	}
}

// notifyIfBalanceLow emits a balance_low event when a committed balance
// change leaves the wallet under its configured threshold.
func notifyIfBalanceLow(ctx context.Context, teamID string, balanceNanos int64) {
	wallet, err := store.WalletByTeam(ctx, teamID)
	if err != nil {
		return
	}
	if wallet.LowBalanceThresholdNanos <= 0 || balanceNanos >= wallet.LowBalanceThresholdNanos {
		return
	}
	emitCreditEvent(ctx, events.CreditEvent{
		Type:         events.TypeBalanceLow,
		TeamID:       teamID,
		BalanceNanos: balanceNanos,
	})
}
