package postgres

import (
	"context"
	"fmt"
)

// Schema DDL applied idempotently at startup. Indexes follow the read paths:
// owner-scoped listing and the reaper's expiry scan.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		owner_fingerprint TEXT NOT NULL,
		status            TEXT NOT NULL,
		conversation_text TEXT NOT NULL,
		options           JSONB NOT NULL DEFAULT '{}',
		result            JSONB,
		error             JSONB,
		cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		finished_at       TIMESTAMPTZ,
		expires_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_fingerprint, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_expires_idx ON jobs (expires_at)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		fingerprint  TEXT PRIMARY KEY,
		tier         TEXT NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		usage_count  BIGINT NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema applies the schema statements in order.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
