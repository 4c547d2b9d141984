package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatewaycredits/pkg/cache"
	"gatewaycredits/pkg/logging"
)

// SpendSource reports a team's gross payment volume per calendar month.
// Tier placement reads the previous month; progress reporting also reads
// the month in flight.
type SpendSource interface {
	PeriodSpend(ctx context.Context, teamID string, month time.Time) (int64, error)
	AddSpend(ctx context.Context, teamID string, at time.Time, grossNanos int64) error
	Invalidate(teamID string)
}

// monthStart truncates t to the first day of its month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PostgresSpendSource accumulates and reads monthly spend rollups.
type PostgresSpendSource struct {
	db *sql.DB
}

func NewPostgresSpendSource(db *sql.DB) *PostgresSpendSource {
	return &PostgresSpendSource{db: db}
}

func (s *PostgresSpendSource) PeriodSpend(ctx context.Context, teamID string, month time.Time) (int64, error) {
	var spend int64
	err := s.db.QueryRowContext(ctx, `
		SELECT spend_nanos FROM bursar.team_spend_monthly
		WHERE team_id = $1 AND month = $2
	`, teamID, monthStart(month)).Scan(&spend)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly spend: %w", err)
	}
	return spend, nil
}

// AddSpend adds grossNanos to the rollup for the month containing at.
// Only settled charges accumulate; refunds do not reduce tier standing.
func (s *PostgresSpendSource) AddSpend(ctx context.Context, teamID string, at time.Time, grossNanos int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.team_spend_monthly (team_id, month, spend_nanos)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, month) DO UPDATE SET
			spend_nanos = bursar.team_spend_monthly.spend_nanos + EXCLUDED.spend_nanos,
			updated_at = NOW()
	`, teamID, monthStart(at), grossNanos)
	if err != nil {
		return fmt.Errorf("failed to accumulate monthly spend: %w", err)
	}
	return nil
}

func (s *PostgresSpendSource) Invalidate(string) {}

// CachedSpendSource wraps a SpendSource with a short stale-while-revalidate
// cache. Tier placement is read on every settled charge; the rollup changes
// slowly enough that a few seconds of staleness is fine.
type CachedSpendSource struct {
	inner  SpendSource
	cache  *cache.Cache
	logger logging.Logger
}

func NewCachedSpendSource(inner SpendSource, logger logging.Logger) *CachedSpendSource {
	return &CachedSpendSource{
		inner: inner,
		cache: cache.New(cache.Options{
			TTL:                  30 * time.Second,
			StaleWhileRevalidate: 2 * time.Minute,
			NegativeTTL:          5 * time.Second,
			MaxEntries:           10000,
		}),
		logger: logger,
	}
}

func spendKey(teamID string, month time.Time) string {
	return teamID + "|" + monthStart(month).Format("2006-01")
}

func (s *CachedSpendSource) PeriodSpend(ctx context.Context, teamID string, month time.Time) (int64, error) {
	val, ok, err := s.cache.Get(ctx, spendKey(teamID, month), func(ctx context.Context, _ string) (interface{}, bool, error) {
		spend, err := s.inner.PeriodSpend(ctx, teamID, month)
		if err != nil {
			return nil, false, err
		}
		return spend, true, nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return val.(int64), nil
}

func (s *CachedSpendSource) AddSpend(ctx context.Context, teamID string, at time.Time, grossNanos int64) error {
	if err := s.inner.AddSpend(ctx, teamID, at, grossNanos); err != nil {
		return err
	}
	s.Invalidate(teamID)
	return nil
}

// Invalidate drops the team's cached rollups for the current and previous
// month, the two periods tier placement reads.
func (s *CachedSpendSource) Invalidate(teamID string) {
	now := time.Now().UTC()
	s.cache.Invalidate(spendKey(teamID, now))
	s.cache.Invalidate(spendKey(teamID, monthStart(now).AddDate(0, -1, 0)))
}
