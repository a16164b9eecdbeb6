package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id UUID PRIMARY KEY,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		rows_processed INTEGER NOT NULL DEFAULT 0,
		rows_total INTEGER NOT NULL DEFAULT 0,
		rows_skipped INTEGER NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]',
		user_id TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_status ON ingestion_jobs (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS line_items (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		ingestion_job_id UUID NOT NULL,
		fingerprint TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		payer_account_id TEXT NOT NULL DEFAULT '',
		linked_account_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		product_code TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL,
		usage_type TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL DEFAULT '',
		availability_zone TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		usage_start_date TIMESTAMPTZ,
		usage_end_date TIMESTAMPTZ,
		usage_quantity NUMERIC,
		blended_rate NUMERIC,
		blended_cost NUMERIC,
		unblended_rate NUMERIC,
		unblended_cost NUMERIC,
		cost NUMERIC NOT NULL,
		tags JSONB NOT NULL DEFAULT '[]',
		ingestion_date TIMESTAMPTZ NOT NULL,
		is_anomaly BOOLEAN NOT NULL DEFAULT false,
		anomaly_score NUMERIC,
		UNIQUE (user_id, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_line_items_user_day ON line_items (user_id, (COALESCE(usage_start_date, ingestion_date)))`,

	`CREATE TABLE IF NOT EXISTS aggregates (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		date DATE NOT NULL,
		account_id TEXT NOT NULL,
		service TEXT NOT NULL,
		region TEXT NOT NULL,
		aggregation_type TEXT NOT NULL,
		total_cost NUMERIC NOT NULL,
		total_usage_quantity NUMERIC NOT NULL,
		line_item_count INTEGER NOT NULL,
		previous_period_cost NUMERIC,
		cost_variance NUMERIC,
		cost_variance_percent NUMERIC,
		computed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, date, account_id, service, region, aggregation_type)
	)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		date DATE NOT NULL,
		cost DOUBLE PRECISION NOT NULL,
		expected_cost DOUBLE PRECISION NOT NULL,
		variance DOUBLE PRECISION NOT NULL,
		variance_percent DOUBLE PRECISION NOT NULL,
		z_score DOUBLE PRECISION NOT NULL,
		description TEXT NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT false,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_user_date ON anomalies (user_id, date DESC)`,

	`CREATE TABLE IF NOT EXISTS recommendations (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		current_cost DOUBLE PRECISION NOT NULL,
		estimated_savings DOUBLE PRECISION NOT NULL,
		estimated_savings_percent DOUBLE PRECISION NOT NULL,
		implementation_effort TEXT NOT NULL,
		action_items TEXT[] NOT NULL DEFAULT '{}',
		metadata JSONB,
		status TEXT NOT NULL,
		generated_at TIMESTAMPTZ NOT NULL,
		implemented_at TIMESTAMPTZ,
		implemented_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recommendations_user_status ON recommendations (user_id, status)`,

	`CREATE TABLE IF NOT EXISTS job_executions (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		error TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT ''
	)`,
}

// Migrate creates the tables and indexes the services rely on.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
