package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrTerminalState is returned when a finished job would change status
	ErrTerminalState = errors.New("job already finished")
	// ErrInvalidReference is returned when a referenced row does not exist
	ErrInvalidReference = errors.New("invalid reference")
)

// pq error code for foreign_key_violation
const foreignKeyViolation = "23503"

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection and checks it is reachable
func NewDB(url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{DB: db}, nil
}

// mapError translates driver errors into repository errors
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", ErrInvalidReference, pqErr.Detail)
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS ml_models (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '1.0.0',
	framework TEXT NOT NULL,
	file_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS datasets (
	id UUID PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id UUID PRIMARY KEY,
	model_id UUID NOT NULL REFERENCES ml_models(id),
	dataset_id UUID NOT NULL REFERENCES datasets(id),
	parameters JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'PENDING',
	metrics JSONB,
	output_path TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS analysis_jobs_status_idx ON analysis_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS job_events (
	id BIGSERIAL PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
	at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status TEXT NOT NULL,
	reason TEXT NOT NULL,
	meta_json JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS job_artifacts (
	id BIGSERIAL PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	uri TEXT NOT NULL,
	meta_json JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS preprocessing_jobs (
	id UUID PRIMARY KEY,
	dataset_id UUID NOT NULL REFERENCES datasets(id),
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	log TEXT NOT NULL DEFAULT '',
	result_path TEXT,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS breaker_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// encodeMeta stores a nil map as an empty object
func encodeMeta(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func decodeMeta(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
