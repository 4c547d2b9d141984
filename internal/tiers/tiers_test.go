package tiers

import (
	"testing"

	"gatewaycredits/pkg/models"
)

func dollars(n int64) int64 { return n * models.NanosPerUnit }

func TestDefaultScheduleValid(t *testing.T) {
	if err := DefaultSchedule().Validate(); err != nil {
		t.Fatalf("default schedule invalid: %v", err)
	}
}

func TestFeeMonotonicity(t *testing.T) {
	s := DefaultSchedule()
	for i := 1; i < len(s); i++ {
		if s[i].FeePct > s[i-1].FeePct {
			t.Fatalf("fee pct increased from tier %q (%.2f) to %q (%.2f)",
				s[i-1].Key, s[i-1].FeePct, s[i].Key, s[i].FeePct)
		}
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
	}{
		{"empty", Schedule{}},
		{"nonzero first threshold", Schedule{{Key: "a", ThresholdNanos: 5, FeePct: 10}}},
		{"non-increasing thresholds", Schedule{
			{Key: "a", ThresholdNanos: 0, FeePct: 10},
			{Key: "b", ThresholdNanos: 0, FeePct: 9},
		}},
		{"increasing fee", Schedule{
			{Key: "a", ThresholdNanos: 0, FeePct: 8},
			{Key: "b", ThresholdNanos: 100, FeePct: 9},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.schedule.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestComputeCurrentUsesPreviousPeriod(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		name        string
		prev        int64
		mtd         int64
		wantCurrent string
		wantProj    string
	}{
		{"new team", 0, 0, "starter", "starter"},
		{"exact threshold", dollars(100), 0, "builder", "starter"},
		{"just below threshold", dollars(100) - 1, 0, "starter", "starter"},
		{"current spend does not apply retroactively", 0, dollars(50_000), "starter", "enterprise"},
		{"top tier", dollars(20_000_000), dollars(20_000_000), "enterprise_plus", "enterprise_plus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp, err := s.Compute(tt.prev, tt.mtd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if comp.Current.Key != tt.wantCurrent {
				t.Fatalf("current tier = %q, want %q", comp.Current.Key, tt.wantCurrent)
			}
			if comp.Projected.Key != tt.wantProj {
				t.Fatalf("projected tier = %q, want %q", comp.Projected.Key, tt.wantProj)
			}
		})
	}
}

func TestComputeTopTierHasNoNext(t *testing.T) {
	comp, err := DefaultSchedule().Compute(dollars(10_000_000), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !comp.TopTier {
		t.Fatal("expected top tier")
	}
	if comp.Next != nil {
		t.Fatalf("expected no next tier, got %q", comp.Next.Key)
	}
	if comp.RemainingToNextNanos != 0 {
		t.Fatalf("expected zero remaining, got %d", comp.RemainingToNextNanos)
	}
}

func TestComputeProgress(t *testing.T) {
	comp, err := DefaultSchedule().Compute(dollars(150), dollars(400))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comp.Current.Key != "builder" {
		t.Fatalf("current tier = %q, want builder", comp.Current.Key)
	}
	// Next tier after builder is growth at $1,000; $400 already spent.
	if want := dollars(600); comp.RemainingToNextNanos != want {
		t.Fatalf("remaining to next = %d, want %d", comp.RemainingToNextNanos, want)
	}
	if comp.SavingVsBasePct != 0.25 {
		t.Fatalf("saving vs base = %.2f, want 0.25", comp.SavingVsBasePct)
	}
	// 0.25% of $400 = $1.00
	if want := dollars(1); comp.ProjectedSavingNanos != want {
		t.Fatalf("projected saving = %d, want %d", comp.ProjectedSavingNanos, want)
	}
}
