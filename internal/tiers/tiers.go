// Package tiers selects a team's fee tier from its trailing gateway spend.
//
// The current tier is always derived from the previous completed period:
// a charge issued today must not get a better rate from spend that happened
// after it. The in-progress period only drives the forward-looking
// "projected" tier shown in the dashboard.
package tiers

import (
	"errors"
	"fmt"

	"gatewaycredits/pkg/models"
)

var ErrEmptySchedule = errors.New("no tiers configured")

// Tier is one fee bracket. ThresholdNanos is the minimum trailing-period
// spend that unlocks it.
type Tier struct {
	Key            string  `json:"key"`
	Name           string  `json:"name"`
	ThresholdNanos int64   `json:"threshold_nanos"`
	FeePct         float64 `json:"fee_pct"`
	Description    string  `json:"description,omitempty"`
}

// Schedule is an ordered, immutable fee schedule. Thresholds strictly
// increase from zero and fee percentages never increase with tier index.
type Schedule []Tier

// DefaultSchedule returns the production gateway fee schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		{Key: "starter", Name: "Starter", ThresholdNanos: 0, FeePct: 10.0,
			Description: "Default tier for new teams getting started."},
		{Key: "builder", Name: "Builder", ThresholdNanos: 100 * models.NanosPerUnit, FeePct: 9.75,
			Description: "For casual builders unlocking their first discount."},
		{Key: "growth", Name: "Growth", ThresholdNanos: 1_000 * models.NanosPerUnit, FeePct: 9.5,
			Description: "Growing projects with steady gateway usage."},
		{Key: "scale", Name: "Scale", ThresholdNanos: 10_000 * models.NanosPerUnit, FeePct: 9.0,
			Description: "Scaling teams consolidating model workloads."},
		{Key: "enterprise", Name: "Enterprise", ThresholdNanos: 100_000 * models.NanosPerUnit, FeePct: 8.5,
			Description: "Enterprise deployments with significant volume."},
		{Key: "partner", Name: "Partner", ThresholdNanos: 1_000_000 * models.NanosPerUnit, FeePct: 8.0,
			Description: "Strategic partners with dedicated support needs."},
		{Key: "enterprise_plus", Name: "Enterprise+", ThresholdNanos: 10_000_000 * models.NanosPerUnit, FeePct: 7.5,
			Description: "Ultra-scale usage with bespoke commercial terms."},
	}
}

// Validate checks the schedule invariants: non-empty, first threshold zero,
// thresholds strictly increasing, fee percentage non-increasing.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return ErrEmptySchedule
	}
	if s[0].ThresholdNanos != 0 {
		return fmt.Errorf("first tier threshold must be zero, got %d", s[0].ThresholdNanos)
	}
	for i := 1; i < len(s); i++ {
		if s[i].ThresholdNanos <= s[i-1].ThresholdNanos {
			return fmt.Errorf("tier %q threshold %d not greater than previous %d",
				s[i].Key, s[i].ThresholdNanos, s[i-1].ThresholdNanos)
		}
		if s[i].FeePct > s[i-1].FeePct {
			return fmt.Errorf("tier %q fee %.2f%% exceeds previous tier's %.2f%%",
				s[i].Key, s[i].FeePct, s[i-1].FeePct)
		}
	}
	return nil
}

// Computation is the full tier derivation for one team. Current is based on
// the previous period's spend, Projected on the in-progress period's.
type Computation struct {
	CurrentIndex         int     `json:"current_index"`
	Current              Tier    `json:"current"`
	Next                 *Tier   `json:"next,omitempty"`
	TopTier              bool    `json:"top_tier"`
	RemainingToNextNanos int64   `json:"remaining_to_next_nanos"`
	SavingVsBasePct      float64 `json:"saving_vs_base_pct"`
	ProjectedSavingNanos int64   `json:"projected_saving_nanos"`
	NextDiscountDeltaPct float64 `json:"next_discount_delta_pct"`
	ProjectedIndex       int     `json:"projected_index"`
	Projected            Tier    `json:"projected"`
}

// Compute resolves the tier computation for the given spend figures, both in
// nanos and both non-negative.
func (s Schedule) Compute(prevPeriodNanos, inProgressNanos int64) (Computation, error) {
	if err := s.Validate(); err != nil {
		return Computation{}, err
	}

	currentIndex := s.indexFor(prevPeriodNanos)
	projectedIndex := s.indexFor(inProgressNanos)

	comp := Computation{
		CurrentIndex:   currentIndex,
		Current:        s[currentIndex],
		TopTier:        currentIndex == len(s)-1,
		ProjectedIndex: projectedIndex,
		Projected:      s[projectedIndex],
	}

	if !comp.TopTier {
		next := s[currentIndex+1]
		comp.Next = &next
		comp.NextDiscountDeltaPct = max(0, comp.Current.FeePct-next.FeePct)
		comp.RemainingToNextNanos = max(0, next.ThresholdNanos-inProgressNanos)
	}

	comp.SavingVsBasePct = max(0, s[0].FeePct-comp.Current.FeePct)
	if comp.SavingVsBasePct > 0 {
		comp.ProjectedSavingNanos = int64(float64(inProgressNanos) * comp.SavingVsBasePct / 100)
	}

	return comp, nil
}

// indexFor returns the highest tier whose threshold does not exceed spend.
func (s Schedule) indexFor(spendNanos int64) int {
	index := 0
	for i := range s {
		if spendNanos >= s[i].ThresholdNanos {
			index = i
		}
	}
	return index
}
