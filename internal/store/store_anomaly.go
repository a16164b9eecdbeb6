package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
)

const anomalyColumns = `id, user_id, type, severity, account_id, service, region, date, cost,
	expected_cost, variance, variance_percent, z_score, description, acknowledged,
	acknowledged_by, acknowledged_at, created_at`

// InsertAnomalies persists detected anomalies in one statement per batch.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []models.Anomaly) error {
	query := `INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (:id, :user_id, :type, :severity, :account_id, :service, :region, :date, :cost,
			:expected_cost, :variance, :variance_percent, :z_score, :description, :acknowledged,
			:acknowledged_by, :acknowledged_at, :created_at)`

	for start := 0; start < len(anomalies); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(anomalies) {
			end = len(anomalies)
		}
		if _, err := s.db.NamedExecContext(ctx, query, anomalies[start:end]); err != nil {
			return fmt.Errorf("inserting anomalies: %w", err)
		}
	}
	return nil
}

// GetAnomaly retrieves an anomaly owned by userID.
func (s *Store) GetAnomaly(ctx context.Context, userID string, id uuid.UUID) (*models.Anomaly, error) {
	var a models.Anomaly
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE user_id = $1 AND id = $2`
	err := s.db.GetContext(ctx, &a, query, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying anomaly: %w", err)
	}
	return &a, nil
}

func (s *Store) AcknowledgeAnomaly(ctx context.Context, userID string, id uuid.UUID, by string, at time.Time) error {
	query := `UPDATE anomalies SET acknowledged = true, acknowledged_by = $1, acknowledged_at = $2
		WHERE user_id = $3 AND id = $4`
	res, err := s.db.ExecContext(ctx, query, by, at, userID, id)
	if err != nil {
		return fmt.Errorf("acknowledging anomaly: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAnomalies returns a page of anomalies, newest day first, together with
// the total number of matches.
func (s *Store) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]models.Anomaly, int, error) {
	w := filter.where()

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM anomalies %s", w)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting anomalies: %w", err)
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies ` + w.String() +
		` ORDER BY date DESC, ABS(z_score) DESC, id`
	query += w.page(filter.Limit, filter.Offset)

	var anomalies []models.Anomaly
	if err := s.db.SelectContext(ctx, &anomalies, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("querying anomalies: %w", err)
	}
	return anomalies, total, nil
}

// AnomalySeverityCounts counts unacknowledged anomalies by severity.
func (s *Store) AnomalySeverityCounts(ctx context.Context, userID string) (map[models.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM anomalies
		WHERE user_id = $1 AND acknowledged = false
		GROUP BY severity
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("counting anomalies by severity: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Severity]int)
	for rows.Next() {
		var sev models.Severity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scanning severity count: %w", err)
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}
