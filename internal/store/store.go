package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qualys/costwatch/internal/models"
)

// insertBatchSize bounds the rows sent in one multi-row INSERT so the bind
// parameter count stays under the Postgres limit.
const insertBatchSize = 1000

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

const ingestionJobColumns = `id, file_name, file_path, file_size, status, started_at, completed_at,
	duration_ms, rows_processed, rows_total, rows_skipped, errors, user_id, created_by,
	created_at, updated_at`

func (s *Store) CreateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	query := `INSERT INTO ingestion_jobs (` + ingestionJobColumns + `)
		VALUES (:id, :file_name, :file_path, :file_size, :status, :started_at, :completed_at,
			:duration_ms, :rows_processed, :rows_total, :rows_skipped, :errors, :user_id, :created_by,
			:created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting ingestion job: %w", err)
	}
	return nil
}

func (s *Store) GetIngestionJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	var job models.IngestionJob
	query := `SELECT ` + ingestionJobColumns + ` FROM ingestion_jobs WHERE id = $1`
	err := s.db.GetContext(ctx, &job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ingestion job: %w", err)
	}
	return &job, nil
}

func (s *Store) UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	job.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE ingestion_jobs SET
			status = :status,
			started_at = :started_at,
			completed_at = :completed_at,
			duration_ms = :duration_ms,
			rows_processed = :rows_processed,
			rows_total = :rows_total,
			rows_skipped = :rows_skipped,
			errors = :errors,
			file_size = :file_size,
			updated_at = :updated_at
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("updating ingestion job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIngestionJobs returns jobs oldest first, so pending work drains in
// submission order.
func (s *Store) ListIngestionJobs(ctx context.Context, filter JobFilter) ([]models.IngestionJob, error) {
	w := filter.where()
	query := `SELECT ` + ingestionJobColumns + ` FROM ingestion_jobs ` + w.String() + ` ORDER BY created_at ASC`
	query += w.page(filter.Limit, filter.Offset)

	var jobs []models.IngestionJob
	if err := s.db.SelectContext(ctx, &jobs, query, w.args...); err != nil {
		return nil, fmt.Errorf("listing ingestion jobs: %w", err)
	}
	return jobs, nil
}

const lineItemColumns = `id, user_id, ingestion_job_id, fingerprint, invoice_id, payer_account_id,
	linked_account_id, account_id, product_name, product_code, service, usage_type, operation,
	availability_zone, region, resource_id, usage_start_date, usage_end_date, usage_quantity,
	blended_rate, blended_cost, unblended_rate, unblended_cost, cost, tags, ingestion_date,
	is_anomaly, anomaly_score`

const insertLineItemsQuery = `INSERT INTO line_items (` + lineItemColumns + `)
	VALUES (:id, :user_id, :ingestion_job_id, :fingerprint, :invoice_id, :payer_account_id,
		:linked_account_id, :account_id, :product_name, :product_code, :service, :usage_type, :operation,
		:availability_zone, :region, :resource_id, :usage_start_date, :usage_end_date, :usage_quantity,
		:blended_rate, :blended_cost, :unblended_rate, :unblended_cost, :cost, :tags, :ingestion_date,
		:is_anomaly, :anomaly_score)
	ON CONFLICT (user_id, fingerprint) DO NOTHING`

// InsertLineItems bulk-inserts items and returns how many were new. Items
// whose fingerprint already exists for the owner are silently skipped.
func (s *Store) InsertLineItems(ctx context.Context, items []models.LineItem) (int, error) {
	inserted := 0
	for start := 0; start < len(items); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(items) {
			end = len(items)
		}
		res, err := s.db.NamedExecContext(ctx, insertLineItemsQuery, items[start:end])
		if err != nil {
			return inserted, fmt.Errorf("inserting line items: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("counting inserted line items: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// ListLineItems returns items ordered by usage day then id.
func (s *Store) ListLineItems(ctx context.Context, filter LineItemFilter) ([]models.LineItem, error) {
	w := filter.where()
	query := `SELECT ` + lineItemColumns + ` FROM line_items ` + w.String() +
		` ORDER BY COALESCE(usage_start_date, ingestion_date), id`
	query += w.page(filter.Limit, filter.Offset)

	var items []models.LineItem
	if err := s.db.SelectContext(ctx, &items, query, w.args...); err != nil {
		return nil, fmt.Errorf("listing line items: %w", err)
	}
	return items, nil
}

// MarkLineItemsAnomalous flags up to filter.Limit matching items with the
// given score and returns how many rows changed.
func (s *Store) MarkLineItemsAnomalous(ctx context.Context, filter LineItemFilter, score float64) (int, error) {
	w := filter.where()
	inner := `SELECT id FROM line_items ` + w.String() + w.page(filter.Limit, 0)
	w.args = append(w.args, score)
	query := fmt.Sprintf(`UPDATE line_items SET is_anomaly = true, anomaly_score = $%d WHERE id IN (%s)`, len(w.args), inner)

	res, err := s.db.ExecContext(ctx, query, w.args...)
	if err != nil {
		return 0, fmt.Errorf("marking line items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListLineItemOwners returns every user id that owns at least one line item.
func (s *Store) ListLineItemOwners(ctx context.Context) ([]string, error) {
	var users []string
	if err := s.db.SelectContext(ctx, &users, `SELECT DISTINCT user_id FROM line_items ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("listing line item owners: %w", err)
	}
	return users, nil
}

// DeleteUserData removes everything a user owns in one transaction.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"line_items", "aggregates", "anomalies", "recommendations", "ingestion_jobs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return tx.Commit()
}
