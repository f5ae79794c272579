package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps breaker keys in the breaker_state table. Expired rows
// are treated as missing and overwritten on the next write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db. The breaker_state table is
// created by repository.Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func expiresAt(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := `
		SELECT value FROM breaker_state
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store
func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := `
		INSERT INTO breaker_state (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Increment implements Store with a single upsert, so concurrent workers
// never lose an update
func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	query := `
		INSERT INTO breaker_state (key, value, expires_at)
		VALUES ($1, '1', $2)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN breaker_state.expires_at IS NULL OR breaker_state.expires_at > NOW()
				THEN (breaker_state.value::bigint + 1)::text
				ELSE '1'
			END,
			expires_at = CASE
				WHEN breaker_state.expires_at IS NULL OR breaker_state.expires_at > NOW()
				THEN breaker_state.expires_at
				ELSE EXCLUDED.expires_at
			END
		RETURNING value::bigint
	`
	var n int64
	if err := s.db.QueryRowContext(ctx, query, key, expiresAt(ttl)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

// CompareAndSwap implements Store
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if old == "" {
		query := `
			INSERT INTO breaker_state (key, value, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE breaker_state.expires_at IS NOT NULL AND breaker_state.expires_at <= NOW()
		`
		result, err = s.db.ExecContext(ctx, query, key, new, expiresAt(ttl))
	} else {
		query := `
			UPDATE breaker_state SET value = $3, expires_at = $4
			WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())
		`
		result, err = s.db.ExecContext(ctx, query, key, old, new, expiresAt(ttl))
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	return rows == 1, nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM breaker_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
