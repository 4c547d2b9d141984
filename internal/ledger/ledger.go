// Package ledger owns every write to wallet balances and the credit ledger.
//
// Two disciplines keep it correct under at-least-once, out-of-order webhook
// delivery:
//
//   - The unique constraint on credit_ledger (ref_type, ref_id) is the only
//     deduplication point. Inserts are insert-or-ignore; nothing upstream may
//     assume single delivery. The constraint lives in the database because
//     two concurrent deliveries of the same event race past any in-memory
//     check.
//   - Balance updates happen inside one transaction holding a row lock on
//     the wallet (SELECT ... FOR UPDATE). The ledger status gate inside the
//     same transaction makes each balance mutation exactly-once.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatewaycredits/pkg/database"
	"gatewaycredits/pkg/logging"
	"gatewaycredits/pkg/models"
)

var (
	// ErrUnknownWallet is returned when an event references a team with no
	// wallet row and not enough metadata to create one.
	ErrUnknownWallet = errors.New("wallet not found")

	// ErrMissingEntry is returned when a settlement references a ledger
	// entry that was never recorded.
	ErrMissingEntry = errors.New("ledger entry not found")
)

// Store performs all wallet and ledger persistence.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// ChargeResult reports the outcome of settling a charge.
type ChargeResult struct {
	Applied            bool
	BeforeBalanceNanos int64
	AfterBalanceNanos  int64
}

// RefundResult reports the outcome of settling a refund.
type RefundResult struct {
	Applied            bool
	TeamID             string
	AmountNanos        int64
	BeforeBalanceNanos int64
	AfterBalanceNanos  int64
}

// WalletByCustomerRef looks up the wallet linked to a payment-processor
// customer record. Returns ErrUnknownWallet when no wallet is linked.
func (s *Store) WalletByCustomerRef(ctx context.Context, customerRef string) (*models.Wallet, error) {
	return s.scanWallet(s.db.QueryRowContext(ctx, `
		SELECT team_id, balance_nanos, COALESCE(stripe_customer_id, ''),
		       auto_topup_enabled, low_balance_threshold_nanos,
		       auto_topup_amount_nanos, COALESCE(auto_topup_payment_method, ''),
		       created_at, updated_at
		FROM bursar.wallets
		WHERE stripe_customer_id = $1
	`, customerRef))
}

// WalletByTeam looks up a team's wallet. Returns ErrUnknownWallet when the
// team has never been billed.
func (s *Store) WalletByTeam(ctx context.Context, teamID string) (*models.Wallet, error) {
	return s.scanWallet(s.db.QueryRowContext(ctx, `
		SELECT team_id, balance_nanos, COALESCE(stripe_customer_id, ''),
		       auto_topup_enabled, low_balance_threshold_nanos,
		       auto_topup_amount_nanos, COALESCE(auto_topup_payment_method, ''),
		       created_at, updated_at
		FROM bursar.wallets
		WHERE team_id = $1
	`, teamID))
}

// EnsureWallet creates a wallet row for the team if none exists, linking the
// processor customer ref. Wallets are created lazily the first time a team
// is billed.
func (s *Store) EnsureWallet(ctx context.Context, teamID, customerRef string) (*models.Wallet, error) {
	if teamID == "" {
		return nil, ErrUnknownWallet
	}
	w, err := s.scanWallet(s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.wallets (team_id, stripe_customer_id)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (team_id) DO UPDATE SET
			stripe_customer_id = COALESCE(bursar.wallets.stripe_customer_id, EXCLUDED.stripe_customer_id),
			updated_at = NOW()
		RETURNING team_id, balance_nanos, COALESCE(stripe_customer_id, ''),
		          auto_topup_enabled, low_balance_threshold_nanos,
		          auto_topup_amount_nanos, COALESCE(auto_topup_payment_method, ''),
		          created_at, updated_at
	`, teamID, customerRef))
	if err != nil && customerRef != "" && database.IsUniqueViolation(err) {
		// The customer ref is already linked to another wallet; the upsert's
		// conflict target is team_id, so the stripe_customer_id uniqueness
		// constraint surfaces as a raw violation. Keep the existing linkage
		// and ensure this team's wallet without it.
		s.logger.WithFields(logging.Fields{
			"team_id":      teamID,
			"customer_ref": customerRef,
		}).Warn("Customer already linked to another wallet, keeping existing linkage")
		return s.EnsureWallet(ctx, teamID, "")
	}
	return w, err
}

// InsertChargePlaceholder records a Processing entry for an off-session
// charge that has been created but not yet completed, so operators can see
// pending charges. The amount is zero; the succeeded handler fills it in.
// A no-op if the entry already exists, which also covers the succeeded
// event arriving first.
func (s *Store) InsertChargePlaceholder(ctx context.Context, teamID, refID string, eventTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.credit_ledger (
			team_id, kind, amount_nanos, before_balance_nanos, after_balance_nanos,
			ref_type, ref_id, status, event_time
		)
		SELECT w.team_id, $2, 0, w.balance_nanos, w.balance_nanos, $3, $4, $5, $6
		FROM bursar.wallets w
		WHERE w.team_id = $1
		ON CONFLICT (ref_type, ref_id) DO NOTHING
	`, teamID, models.KindTopUp, models.RefTypePaymentIntent, refID, models.StatusProcessing, eventTime)
	if err != nil {
		return fmt.Errorf("failed to insert charge placeholder: %w", err)
	}
	return nil
}

// SettleCharge credits netNanos to the team's wallet and writes the Paid
// ledger entry, all in one transaction holding the wallet row lock. If a
// Processing placeholder exists for the same reference it is promoted to
// Paid on the same row. Duplicate deliveries return Applied=false with no
// balance change.
func (s *Store) SettleCharge(ctx context.Context, teamID, kind string, netNanos int64, refID string, eventTime time.Time) (ChargeResult, error) {
	var res ChargeResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var before int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_nanos FROM bursar.wallets
		WHERE team_id = $1
		FOR UPDATE
	`, teamID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrUnknownWallet
	}
	if err != nil {
		return res, fmt.Errorf("failed to lock wallet: %w", err)
	}

	after := before + netNanos

	result, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_ledger (
			team_id, kind, amount_nanos, before_balance_nanos, after_balance_nanos,
			ref_type, ref_id, status, event_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ref_type, ref_id) DO NOTHING
	`, teamID, kind, netNanos, before, after,
		models.RefTypePaymentIntent, refID, models.StatusPaid, eventTime)
	if err != nil {
		return res, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	inserted, _ := result.RowsAffected()
	if inserted == 0 {
		// Entry exists. Promote a Processing placeholder to Paid; any other
		// status means this delivery is a duplicate.
		result, err = tx.ExecContext(ctx, `
			UPDATE bursar.credit_ledger
			SET kind = $1, amount_nanos = $2, before_balance_nanos = $3,
			    after_balance_nanos = $4, status = $5, event_time = $6
			WHERE ref_type = $7 AND ref_id = $8 AND status = $9
		`, kind, netNanos, before, after, models.StatusPaid, eventTime,
			models.RefTypePaymentIntent, refID, models.StatusProcessing)
		if err != nil {
			return res, fmt.Errorf("failed to promote placeholder entry: %w", err)
		}
		promoted, _ := result.RowsAffected()
		if promoted == 0 {
			return ChargeResult{Applied: false, BeforeBalanceNanos: before, AfterBalanceNanos: before}, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET balance_nanos = $1, updated_at = NOW()
		WHERE team_id = $2
	`, after, teamID); err != nil {
		return res, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ChargeResult{Applied: true, BeforeBalanceNanos: before, AfterBalanceNanos: after}, nil
}

// MarkChargeFailed marks an off-session charge's Processing placeholder as
// Failed. No balance change. Returns false if no placeholder was pending.
func (s *Store) MarkChargeFailed(ctx context.Context, refID string, eventTime time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.credit_ledger
		SET status = $1, event_time = $2
		WHERE ref_type = $3 AND ref_id = $4 AND status = $5
	`, models.StatusFailed, eventTime, models.RefTypePaymentIntent, refID, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark charge failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// EntryByRef fetches the ledger entry for an external reference. Returns
// ErrMissingEntry when the reference was never recorded.
func (s *Store) EntryByRef(ctx context.Context, refType, refID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(team_id, ''), kind, amount_nanos,
		       before_balance_nanos, after_balance_nanos,
		       ref_type, ref_id, status, event_time, created_at
		FROM bursar.credit_ledger
		WHERE ref_type = $1 AND ref_id = $2
	`, refType, refID).Scan(&e.ID, &e.TeamID, &e.Kind, &e.AmountNanos,
		&e.BeforeBalanceNanos, &e.AfterBalanceNanos,
		&e.RefType, &e.RefID, &e.Status, &e.EventTime, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissingEntry
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger entry: %w", err)
	}
	return &e, nil
}

// RecordPendingRefund writes the provisional reversal entry for a refund.
// amountNanos is the (negative) provisional delta; the before/after snapshot
// mirrors the original charge's after-balance for audit visibility and is
// rewritten when the refund settles. Pending entries never move money.
func (s *Store) RecordPendingRefund(ctx context.Context, teamID string, amountNanos, snapshotNanos int64, refundRefID string, eventTime time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.credit_ledger (
			team_id, kind, amount_nanos, before_balance_nanos, after_balance_nanos,
			ref_type, ref_id, status, event_time
		) VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ref_type, ref_id) DO NOTHING
	`, teamID, models.KindRefund, amountNanos, snapshotNanos, snapshotNanos,
		models.RefTypeRefund, refundRefID, models.StatusPending, eventTime)
	if err != nil {
		return false, fmt.Errorf("failed to record pending refund: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SettleRefund debits the wallet by the refund's recorded amount, gated on
// the entry still being Pending. The gate runs inside the transaction that
// holds the wallet lock, so concurrent deliveries of the same terminal event
// settle exactly once.
func (s *Store) SettleRefund(ctx context.Context, refundRefID string, eventTime time.Time) (RefundResult, error) {
	var res RefundResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var teamID sql.NullString
	var amount int64
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT team_id, amount_nanos, status
		FROM bursar.credit_ledger
		WHERE ref_type = $1 AND ref_id = $2
	`, models.RefTypeRefund, refundRefID).Scan(&teamID, &amount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrMissingEntry
	}
	if err != nil {
		return res, fmt.Errorf("failed to fetch refund entry: %w", err)
	}

	if status != models.StatusPending || !teamID.Valid || teamID.String == "" {
		// Already settled, or the refund was never linked to a wallet.
		return RefundResult{Applied: false, TeamID: teamID.String, AmountNanos: amount}, nil
	}

	var before int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_nanos FROM bursar.wallets
		WHERE team_id = $1
		FOR UPDATE
	`, teamID.String).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrUnknownWallet
	}
	if err != nil {
		return res, fmt.Errorf("failed to lock wallet: %w", err)
	}

	after := before + amount

	result, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_ledger
		SET status = $1, before_balance_nanos = $2, after_balance_nanos = $3, event_time = $4
		WHERE ref_type = $5 AND ref_id = $6 AND status = $7
	`, models.StatusSucceeded, before, after, eventTime,
		models.RefTypeRefund, refundRefID, models.StatusPending)
	if err != nil {
		return res, fmt.Errorf("failed to settle refund entry: %w", err)
	}
	settled, _ := result.RowsAffected()
	if settled == 0 {
		return RefundResult{Applied: false, TeamID: teamID.String, AmountNanos: amount}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET balance_nanos = $1, updated_at = NOW()
		WHERE team_id = $2
	`, after, teamID.String); err != nil {
		return res, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return RefundResult{
		Applied:            true,
		TeamID:             teamID.String,
		AmountNanos:        amount,
		BeforeBalanceNanos: before,
		AfterBalanceNanos:  after,
	}, nil
}

// MarkRefundTerminal marks a Pending refund entry Failed or Canceled.
// No balance change. Returns false when the entry was not Pending.
func (s *Store) MarkRefundTerminal(ctx context.Context, refundRefID, status string, eventTime time.Time) (bool, error) {
	if status != models.StatusFailed && status != models.StatusCanceled {
		return false, fmt.Errorf("invalid terminal refund status %q", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.credit_ledger
		SET status = $1, event_time = $2
		WHERE ref_type = $3 AND ref_id = $4 AND status = $5
	`, status, eventTime, models.RefTypeRefund, refundRefID, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark refund %s: %w", status, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// HasPendingCharge reports whether the team has a charge still Processing.
// The auto top-up sweep uses this to avoid stacking charges while one is
// in flight.
func (s *Store) HasPendingCharge(ctx context.Context, teamID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM bursar.credit_ledger
			WHERE team_id = $1 AND ref_type = $2 AND status = $3
		)
	`, teamID, models.RefTypePaymentIntent, models.StatusProcessing).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending charges: %w", err)
	}
	return exists, nil
}

// RecentEntries lists a team's ledger entries, newest first.
func (s *Store) RecentEntries(ctx context.Context, teamID string, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(team_id, ''), kind, amount_nanos,
		       before_balance_nanos, after_balance_nanos,
		       ref_type, ref_id, status, event_time, created_at
		FROM bursar.credit_ledger
		WHERE team_id = $1
		ORDER BY event_time DESC
		LIMIT $2 OFFSET $3
	`, teamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TeamID, &e.Kind, &e.AmountNanos,
			&e.BeforeBalanceNanos, &e.AfterBalanceNanos,
			&e.RefType, &e.RefID, &e.Status, &e.EventTime, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateAutoTopup configures or disables a wallet's automatic top-up.
func (s *Store) UpdateAutoTopup(ctx context.Context, teamID string, enabled bool, thresholdNanos, amountNanos int64, paymentMethod string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET auto_topup_enabled = $1,
		    low_balance_threshold_nanos = $2,
		    auto_topup_amount_nanos = $3,
		    auto_topup_payment_method = NULLIF($4, ''),
		    updated_at = NOW()
		WHERE team_id = $5
	`, enabled, thresholdNanos, amountNanos, paymentMethod, teamID)
	if err != nil {
		return fmt.Errorf("failed to update auto top-up config: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUnknownWallet
	}
	return nil
}

// WalletsForAutoTopup lists wallets whose balance has fallen below their
// configured threshold and that have a saved payment method to charge.
func (s *Store) WalletsForAutoTopup(ctx context.Context) ([]models.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, balance_nanos, COALESCE(stripe_customer_id, ''),
		       auto_topup_enabled, low_balance_threshold_nanos,
		       auto_topup_amount_nanos, COALESCE(auto_topup_payment_method, ''),
		       created_at, updated_at
		FROM bursar.wallets
		WHERE auto_topup_enabled = TRUE
		  AND balance_nanos < low_balance_threshold_nanos
		  AND auto_topup_amount_nanos > 0
		  AND auto_topup_payment_method IS NOT NULL
		  AND stripe_customer_id IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto top-up candidates: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWalletRows(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (s *Store) scanWallet(row *sql.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.TeamID, &w.BalanceNanos, &w.StripeCustomerID,
		&w.AutoTopupEnabled, &w.LowBalanceThresholdNanos,
		&w.AutoTopupAmountNanos, &w.AutoTopupPaymentMethod,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownWallet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	return &w, nil
}

func scanWalletRows(rows *sql.Rows) (*models.Wallet, error) {
	var w models.Wallet
	if err := rows.Scan(&w.TeamID, &w.BalanceNanos, &w.StripeCustomerID,
		&w.AutoTopupEnabled, &w.LowBalanceThresholdNanos,
		&w.AutoTopupAmountNanos, &w.AutoTopupPaymentMethod,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	return &w, nil
}
