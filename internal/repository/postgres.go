package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres creates a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the claims and submission_status tables if missing.
// The partial unique index is what keeps a claim from having two in-flight
// work items on one channel.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			owner_ref TEXT NOT NULL DEFAULT '',
			form_type TEXT NOT NULL,
			form JSONB NOT NULL DEFAULT '{}'::jsonb,
			revision INTEGER NOT NULL DEFAULT 0,
			attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
			external_reference TEXT NOT NULL DEFAULT '',
			submitted_channel TEXT NOT NULL DEFAULT '',
			last_error JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS submission_status (
			work_item_id TEXT PRIMARY KEY,
			claim_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			error_log JSONB NOT NULL DEFAULT '{}'::jsonb,
			fallback_of TEXT NOT NULL DEFAULT '',
			resubmission_of TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS submission_status_claim_idx ON submission_status (claim_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS submission_status_in_flight_idx
			ON submission_status (claim_id, channel)
			WHERE status IN ('pending', 'retryable_error')`,
	}
	for _, statement := range statements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
