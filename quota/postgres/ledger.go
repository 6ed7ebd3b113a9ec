package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ineyio/admission"
)

// Charge implements admission.Ledger.
func (s *Store) Charge(ctx context.Context, accountID string, amount int64, caps admission.CostCaps, now time.Time) (admission.Charge, error) {
	mode := caps.Mode
	if mode == "" {
		mode = admission.PeriodCalendar
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return admission.Charge{}, fmt.Errorf("admission/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Make sure the ledger row exists so it can be locked.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, mode, day_start, month_start) VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id) DO NOTHING`, s.ledgerTable()),
		accountID, string(mode), mode.Day(now).Start, mode.Month(now).Start,
	)
	if err != nil {
		return admission.Charge{}, fmt.Errorf("admission/postgres: init ledger: %w", err)
	}

	// 2. Lock and load.
	var t admission.LedgerTotals
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT day_total, month_total, day_start, month_start, day_blocked, month_blocked
			FROM %s WHERE account_id = $1 FOR UPDATE`, s.ledgerTable()),
		accountID,
	).Scan(&t.Day, &t.Month, &t.DayStart, &t.MonthStart, &t.DayBlocked, &t.MonthBlocked)
	if err != nil {
		return admission.Charge{}, fmt.Errorf("admission/postgres: lock ledger: %w", err)
	}

	// 3. Apply and write back. Rollover and block flags persist even when the charge is refused.
	ch := t.Apply(amount, caps, now)
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET mode = $1, day_total = $2, month_total = $3, day_start = $4,
			month_start = $5, day_blocked = $6, month_blocked = $7 WHERE account_id = $8`, s.ledgerTable()),
		string(mode), t.Day, t.Month, t.DayStart, t.MonthStart, t.DayBlocked, t.MonthBlocked, accountID,
	)
	if err != nil {
		return admission.Charge{}, fmt.Errorf("admission/postgres: update ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return admission.Charge{}, fmt.Errorf("admission/postgres: commit: %w", err)
	}
	return ch, nil
}

// Totals implements admission.Ledger.
func (s *Store) Totals(ctx context.Context, accountID string, now time.Time) (admission.LedgerTotals, error) {
	var t admission.LedgerTotals
	var mode string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT mode, day_total, month_total, day_start, month_start, day_blocked, month_blocked
			FROM %s WHERE account_id = $1`, s.ledgerTable()),
		accountID,
	).Scan(&mode, &t.Day, &t.Month, &t.DayStart, &t.MonthStart, &t.DayBlocked, &t.MonthBlocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return admission.LedgerTotals{}, nil
	}
	if err != nil {
		return admission.LedgerTotals{}, fmt.Errorf("admission/postgres: totals: %w", err)
	}

	// Lazy rollover check (read-only).
	t.Roll(admission.PeriodMode(mode), now)
	return t, nil
}

// Unblock implements admission.Ledger.
func (s *Store) Unblock(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET day_blocked = false, month_blocked = false WHERE account_id = $1`,
			s.ledgerTable()),
		accountID,
	)
	if err != nil {
		return fmt.Errorf("admission/postgres: unblock: %w", err)
	}
	return nil
}
