package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
)

const aggregateColumns = `id, user_id, date, account_id, service, region, aggregation_type,
	total_cost, total_usage_quantity, line_item_count, previous_period_cost, cost_variance,
	cost_variance_percent, computed_at`

const aggregateValues = `(:id, :user_id, :date, :account_id, :service, :region, :aggregation_type,
	:total_cost, :total_usage_quantity, :line_item_count, :previous_period_cost, :cost_variance,
	:cost_variance_percent, :computed_at)`

// ListAggregates returns rows ordered by date, then dimension.
func (s *Store) ListAggregates(ctx context.Context, filter AggregateFilter) ([]models.Aggregate, error) {
	w := filter.where()
	query := `SELECT ` + aggregateColumns + ` FROM aggregates ` + w.String() +
		` ORDER BY date, account_id, service, region`

	var aggs []models.Aggregate
	if err := s.db.SelectContext(ctx, &aggs, query, w.args...); err != nil {
		return nil, fmt.Errorf("listing aggregates: %w", err)
	}
	return aggs, nil
}

// DeleteAggregates removes all rows of one type for a user.
func (s *Store) DeleteAggregates(ctx context.Context, userID string, aggType models.AggregationType) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM aggregates WHERE user_id = $1 AND aggregation_type = $2`, userID, aggType)
	if err != nil {
		return 0, fmt.Errorf("deleting aggregates: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertAggregates bulk-inserts freshly computed rows. A collision on the
// aggregate key yields ErrDuplicate.
func (s *Store) InsertAggregates(ctx context.Context, aggs []models.Aggregate) error {
	for i := range aggs {
		if aggs[i].ID == uuid.Nil {
			aggs[i].ID = uuid.New()
		}
	}
	query := `INSERT INTO aggregates (` + aggregateColumns + `) VALUES ` + aggregateValues

	for start := 0; start < len(aggs); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(aggs) {
			end = len(aggs)
		}
		if _, err := s.db.NamedExecContext(ctx, query, aggs[start:end]); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("inserting aggregates: %w", ErrDuplicate)
			}
			return fmt.Errorf("inserting aggregates: %w", err)
		}
	}
	return nil
}

// UpsertAggregate writes one row, replacing the measures of an existing row
// with the same key.
func (s *Store) UpsertAggregate(ctx context.Context, agg *models.Aggregate) error {
	if agg.ID == uuid.Nil {
		agg.ID = uuid.New()
	}
	query := `INSERT INTO aggregates (` + aggregateColumns + `) VALUES ` + aggregateValues + `
		ON CONFLICT (user_id, date, account_id, service, region, aggregation_type) DO UPDATE SET
			total_cost = EXCLUDED.total_cost,
			total_usage_quantity = EXCLUDED.total_usage_quantity,
			line_item_count = EXCLUDED.line_item_count,
			previous_period_cost = EXCLUDED.previous_period_cost,
			cost_variance = EXCLUDED.cost_variance,
			cost_variance_percent = EXCLUDED.cost_variance_percent,
			computed_at = EXCLUDED.computed_at`

	if _, err := s.db.NamedExecContext(ctx, query, agg); err != nil {
		return fmt.Errorf("upserting aggregate: %w", err)
	}
	return nil
}
