package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists counter state in the rate_limits table. Each
// update runs in a transaction with the row locked, so concurrent
// increments on the same key never lose updates.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn func(prev *State) (State, bool)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting rate limit transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		value float64
		ts    time.Time
		prev  *State
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, ts FROM rate_limits WHERE key = $1 FOR UPDATE`, key).
		Scan(&value, &ts)
	switch {
	case err == nil:
		prev = &State{Value: value, Ts: ts}
	case errors.Is(err, sql.ErrNoRows):
		// first use of this key
	default:
		return fmt.Errorf("error reading rate limit state: %w", err)
	}

	next, write := fn(prev)
	if !write {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (key, value, ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, ts = EXCLUDED.ts`,
		key, next.Value, next.Ts)
	if err != nil {
		return fmt.Errorf("error writing rate limit state: %w", err)
	}

	return tx.Commit()
}
