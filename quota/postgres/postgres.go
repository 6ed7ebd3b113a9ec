// Package postgres provides PostgreSQL-backed CounterStore, Ledger and
// AccountDirectory implementations.
//
// Every check-and-increment runs in one transaction holding row locks on the
// key's rows, so concurrent evaluations for the same key are serialized while
// different keys proceed independently. This makes the stores safe for
// multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/admission"
)

// Store holds the pool and table names shared by the Postgres backends.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ admission.CounterStore     = (*Store)(nil)
	_ admission.Ledger           = (*Store)(nil)
	_ admission.AccountDirectory = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "admission_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "admission_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowsTable() string  { return s.tablePrefix + "windows" }
func (s *Store) ledgerTable() string   { return s.tablePrefix + "ledger" }
func (s *Store) accountsTable() string { return s.tablePrefix + "accounts" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (key, name)
		);
		CREATE TABLE IF NOT EXISTS %s (
			account_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL DEFAULT 'calendar',
			day_total BIGINT NOT NULL DEFAULT 0,
			month_total BIGINT NOT NULL DEFAULT 0,
			day_start TIMESTAMPTZ NOT NULL,
			month_start TIMESTAMPTZ NOT NULL,
			day_blocked BOOLEAN NOT NULL DEFAULT false,
			month_blocked BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.windowsTable(), s.ledgerTable(), s.accountsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("admission/postgres: ensure schema: %w", err)
	}
	return nil
}

// Acquire implements admission.CounterStore.
func (s *Store) Acquire(ctx context.Context, key string, windows []admission.Window, now time.Time) (admission.Acquisition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return admission.Acquisition{}, fmt.Errorf("admission/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Make sure every window row exists so it can be locked.
	for _, w := range windows {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, name, window_start, count) VALUES ($1, $2, $3, 0)
				ON CONFLICT (key, name) DO NOTHING`, s.windowsTable()),
			key, w.Name, w.Start(now),
		)
		if err != nil {
			return admission.Acquisition{}, fmt.Errorf("admission/postgres: init window: %w", err)
		}
	}

	// 2. Lock the key's rows. Ordered by name so lockers never deadlock.
	names := make([]string, len(windows))
	for i, w := range windows {
		names[i] = w.Name
	}
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT name, window_start, count FROM %s
			WHERE key = $1 AND name = ANY($2) ORDER BY name FOR UPDATE`, s.windowsTable()),
		key, names,
	)
	if err != nil {
		return admission.Acquisition{}, fmt.Errorf("admission/postgres: lock windows: %w", err)
	}
	stored := make(map[string]*admission.WindowCounter, len(windows))
	for rows.Next() {
		var name string
		wc := &admission.WindowCounter{}
		if err := rows.Scan(&name, &wc.Start, &wc.Count); err != nil {
			rows.Close()
			return admission.Acquisition{}, fmt.Errorf("admission/postgres: scan window: %w", err)
		}
		stored[name] = wc
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return admission.Acquisition{}, fmt.Errorf("admission/postgres: read windows: %w", err)
	}

	counters := make([]*admission.WindowCounter, len(windows))
	for i, w := range windows {
		wc, ok := stored[w.Name]
		if !ok {
			return admission.Acquisition{}, fmt.Errorf("admission/postgres: window %q missing for key %q", w.Name, key)
		}
		counters[i] = wc
	}

	// 3. Decide and write back (resets are persisted even on deny).
	acq := admission.Admit(windows, counters, now)
	for i, w := range windows {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET window_start = $1, count = $2 WHERE key = $3 AND name = $4`, s.windowsTable()),
			counters[i].Start, counters[i].Count, key, w.Name,
		)
		if err != nil {
			return admission.Acquisition{}, fmt.Errorf("admission/postgres: update window: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return admission.Acquisition{}, fmt.Errorf("admission/postgres: commit: %w", err)
	}
	return acq, nil
}

// CleanupWindows removes window rows opened more than olderThan before now.
// olderThan must exceed the longest window so only expired rows go.
func (s *Store) CleanupWindows(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	cutoff := now.Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE window_start < $1`, s.windowsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("admission/postgres: cleanup windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Lookup implements admission.AccountDirectory.
func (s *Store) Lookup(ctx context.Context, accountID string) (admission.Account, bool, error) {
	var acc admission.Account
	var tier string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, tier, created_at FROM %s WHERE id = $1`, s.accountsTable()),
		accountID,
	).Scan(&acc.ID, &tier, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return admission.Account{}, false, nil
	}
	if err != nil {
		return admission.Account{}, false, fmt.Errorf("admission/postgres: lookup account: %w", err)
	}
	acc.Tier = admission.Tier(tier)
	return acc, true, nil
}

// PutAccount inserts or updates an account's tier.
func (s *Store) PutAccount(ctx context.Context, acc admission.Account) error {
	createdAt := acc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tier, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET tier = $2`, s.accountsTable()),
		acc.ID, string(acc.Tier), createdAt,
	)
	if err != nil {
		return fmt.Errorf("admission/postgres: put account: %w", err)
	}
	return nil
}
