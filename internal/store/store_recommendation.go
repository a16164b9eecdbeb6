package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
)

const recommendationColumns = `id, user_id, account_id, type, priority, title, description,
	current_cost, estimated_savings, estimated_savings_percent, implementation_effort,
	action_items, metadata, status, generated_at, implemented_at, implemented_by, updated_at`

const insertRecommendationQuery = `INSERT INTO recommendations (` + recommendationColumns + `)
	VALUES (:id, :user_id, :account_id, :type, :priority, :title, :description,
		:current_cost, :estimated_savings, :estimated_savings_percent, :implementation_effort,
		:action_items, :metadata, :status, :generated_at, :implemented_at, :implemented_by, :updated_at)`

// InsertRecommendations stores recommendations one by one so a bad document
// does not discard the rest. It returns the ids stored and the joined
// per-document errors.
func (s *Store) InsertRecommendations(ctx context.Context, recs []models.Recommendation) ([]uuid.UUID, error) {
	var errs []error
	stored := make([]uuid.UUID, 0, len(recs))
	for i := range recs {
		if _, err := s.db.NamedExecContext(ctx, insertRecommendationQuery, &recs[i]); err != nil {
			errs = append(errs, fmt.Errorf("inserting recommendation %s: %w", recs[i].ID, err))
			continue
		}
		stored = append(stored, recs[i].ID)
	}
	return stored, errors.Join(errs...)
}

func (s *Store) GetRecommendation(ctx context.Context, userID string, id uuid.UUID) (*models.Recommendation, error) {
	var r models.Recommendation
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE user_id = $1 AND id = $2`
	err := s.db.GetContext(ctx, &r, query, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying recommendation: %w", err)
	}
	return &r, nil
}

// UpdateRecommendation writes the lifecycle fields of a recommendation.
func (s *Store) UpdateRecommendation(ctx context.Context, r *models.Recommendation) error {
	query := `
		UPDATE recommendations SET
			status = :status,
			implemented_at = :implemented_at,
			implemented_by = :implemented_by,
			updated_at = :updated_at
		WHERE user_id = :user_id AND id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return fmt.Errorf("updating recommendation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecommendations returns a page ordered by estimated savings, largest
// first, together with the total number of matches.
func (s *Store) ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]models.Recommendation, int, error) {
	w := filter.where()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recommendations "+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recommendations: %w", err)
	}

	query := `SELECT ` + recommendationColumns + ` FROM recommendations ` + w.String() +
		` ORDER BY estimated_savings DESC, generated_at DESC, id`
	query += w.page(filter.Limit, filter.Offset)

	var recs []models.Recommendation
	if err := s.db.SelectContext(ctx, &recs, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("querying recommendations: %w", err)
	}
	return recs, total, nil
}
