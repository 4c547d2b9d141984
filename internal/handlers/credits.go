package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"gatewaycredits/internal/ledger"
	"gatewaycredits/pkg/api/bursar"
	"gatewaycredits/pkg/middleware"
	"gatewaycredits/pkg/models"
)

// GetBalance returns the authenticated team's wallet balance
func GetBalance(c middleware.Context) {
	teamID := c.GetString("team_id")

	wallet, err := store.WalletByTeam(c.Request.Context(), teamID)
	if errors.Is(err, ledger.ErrUnknownWallet) {
		// Never billed yet: zero balance, not an error.
		c.JSON(http.StatusOK, bursar.BalanceResponse{TeamID: teamID})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to fetch wallet")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch balance"})
		return
	}

	c.JSON(http.StatusOK, bursar.BalanceResponse{
		TeamID:       wallet.TeamID,
		BalanceNanos: wallet.BalanceNanos,
		Balance:      float64(wallet.BalanceNanos) / float64(models.NanosPerUnit),
		AutoTopup:    wallet.AutoTopupEnabled,
	})
}

// GetBalanceInternal serves service-to-service balance reads. The caller
// names the team explicitly instead of carrying a user JWT.
func GetBalanceInternal(c middleware.Context) {
	teamID := c.Query("team_id")
	if teamID == "" {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "team_id is required"})
		return
	}
	c.Set("team_id", teamID)
	GetBalance(c)
}

// GetLedger returns the authenticated team's ledger entries, newest first
func GetLedger(c middleware.Context) {
	teamID := c.GetString("team_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := store.RecentEntries(c.Request.Context(), teamID, limit, offset)
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to fetch ledger")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch ledger"})
		return
	}

	c.JSON(http.StatusOK, bursar.LedgerResponse{
		TeamID:  teamID,
		Entries: entries,
		Count:   len(entries),
	})
}

// GetTierStatus reports the team's fee tier and progress toward the next
// discount. The tier in effect comes from last month's spend; the month in
// flight only moves next month's placement.
func GetTierStatus(c middleware.Context) {
	teamID := c.GetString("team_id")
	ctx := c.Request.Context()

	now := time.Now().UTC()
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevMonth := thisMonth.AddDate(0, -1, 0)

	prevSpend, err := spendSource.PeriodSpend(ctx, teamID, prevMonth)
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to read previous period spend")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to resolve tier"})
		return
	}
	inProgress, err := spendSource.PeriodSpend(ctx, teamID, thisMonth)
	if err != nil {
		logger.WithError(err).WithField("team_id", teamID).Error("Failed to read in-progress spend")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to resolve tier"})
		return
	}

	comp, err := schedule.Compute(prevSpend, inProgress)
	if err != nil {
		logger.WithError(err).Error("Tier schedule misconfigured")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to resolve tier"})
		return
	}

	resp := bursar.TierStatusResponse{
		TeamID:               teamID,
		Tier:                 comp.Current.Key,
		TierName:             comp.Current.Name,
		FeePct:               comp.Current.FeePct,
		PrevPeriodSpendNanos: prevSpend,
		InProgressSpendNanos: inProgress,
		SavingVsBasePct:      comp.SavingVsBasePct,
		ProjectedSavingNanos: comp.ProjectedSavingNanos,
		ProjectedTier:        comp.Projected.Key,
		TopTier:              comp.TopTier,
	}
	if comp.Next != nil {
		resp.NextTier = comp.Next.Key
		resp.RemainingToNextNanos = comp.RemainingToNextNanos
		resp.NextDiscountDeltaPct = comp.NextDiscountDeltaPct
	}

	c.JSON(http.StatusOK, resp)
}

// GetTierSchedule publishes the fee schedule
func GetTierSchedule(c middleware.Context) {
	resp := bursar.TierScheduleResponse{}
	for _, t := range schedule {
		resp.Tiers = append(resp.Tiers, bursar.TierScheduleEntry{
			Key:            t.Key,
			Name:           t.Name,
			ThresholdNanos: t.ThresholdNanos,
			FeePct:         t.FeePct,
			Description:    t.Description,
		})
	}
	c.JSON(http.StatusOK, resp)
}
