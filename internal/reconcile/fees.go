// Package reconcile holds the fee arithmetic for gross, fee-inclusive
// charges and their refunds. All amounts are integer nanos.
package reconcile

import (
	"errors"
	"fmt"
	"math"

	"gatewaycredits/pkg/config"
	"gatewaycredits/pkg/models"
)

// ErrInvariantViolation signals arithmetic that can only result from a
// schedule or configuration bug upstream (e.g. a computed net exceeding the
// gross). Callers must fail the event loudly rather than clamp.
var ErrInvariantViolation = errors.New("fee reconciliation invariant violated")

// FeePolicy bounds the fee computation for small payments. Below
// SmallPaymentGrossNanos the fee is floored at MinFeeNanos, which produces a
// deliberate kink in the effective rate for small transactions. That kink is
// a product decision; do not smooth it out here.
type FeePolicy struct {
	MinFeeNanos            int64
	SmallPaymentGrossNanos int64
}

// DefaultFeePolicy returns the production policy: $1 minimum fee on
// payments under $11 gross.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		MinFeeNanos:            1 * models.NanosPerUnit,
		SmallPaymentGrossNanos: 11 * models.NanosPerUnit,
	}
}

// FeePolicyFromEnv returns the default policy with env overrides applied.
func FeePolicyFromEnv() FeePolicy {
	p := DefaultFeePolicy()
	p.MinFeeNanos = config.GetEnvInt64("MIN_FEE_NANOS", p.MinFeeNanos)
	p.SmallPaymentGrossNanos = config.GetEnvInt64("SMALL_PAYMENT_GROSS_NANOS", p.SmallPaymentGrossNanos)
	return p
}

// NetFromGross reverse-derives the net credited amount from a gross,
// fee-inclusive charge. The payer was charged grossNanos total including the
// fee, so the net N satisfies gross = N + N*feePct/100:
//
//	net = round(gross / (1 + feePct/100)), fee = gross - net
//
// Both results are non-negative and net+fee == gross except when the
// minimum-fee floor zeroes the net on a sub-floor payment.
func (p FeePolicy) NetFromGross(grossNanos int64, feePct float64) (netNanos, feeNanos int64, err error) {
	if grossNanos < 0 {
		return 0, 0, fmt.Errorf("%w: negative gross %d", ErrInvariantViolation, grossNanos)
	}
	if feePct < 0 || feePct >= 100 {
		return 0, 0, fmt.Errorf("%w: fee percentage %.2f out of range", ErrInvariantViolation, feePct)
	}

	netNanos = int64(math.Round(float64(grossNanos) / (1 + feePct/100)))
	feeNanos = grossNanos - netNanos

	if netNanos > grossNanos || feeNanos < 0 {
		return 0, 0, fmt.Errorf("%w: net %d exceeds gross %d", ErrInvariantViolation, netNanos, grossNanos)
	}

	if grossNanos < p.SmallPaymentGrossNanos && feeNanos < p.MinFeeNanos {
		feeNanos = p.MinFeeNanos
		netNanos = max(grossNanos-feeNanos, 0)
	}

	return netNanos, feeNanos, nil
}

// RefundNet computes the proportional reversal of a previously recorded net
// credit. The ratio comes from the refund's share of the original gross;
// the net is taken from the charge's recorded ledger entry, never re-derived
// from the tier schedule (the tier in effect at refund time may differ from
// the one at charge time). When the original gross is zero or unknown the
// ratio defaults to a full refund.
func RefundNet(originalGrossNanos, originalNetNanos, refundGrossNanos int64) (int64, error) {
	if originalNetNanos < 0 {
		return 0, fmt.Errorf("%w: negative recorded net %d", ErrInvariantViolation, originalNetNanos)
	}
	if refundGrossNanos < 0 {
		return 0, fmt.Errorf("%w: negative refund gross %d", ErrInvariantViolation, refundGrossNanos)
	}

	ratio := 1.0
	if originalGrossNanos > 0 {
		ratio = math.Min(1, float64(refundGrossNanos)/float64(originalGrossNanos))
	}

	refundNet := int64(math.Round(float64(originalNetNanos) * ratio))
	if refundNet > originalNetNanos {
		refundNet = originalNetNanos
	}
	if refundNet < 0 {
		refundNet = 0
	}
	return refundNet, nil
}
