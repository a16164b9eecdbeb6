package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

const (
	DefaultLookbackDays  = 30
	DefaultThreshold     = 2.5
	DefaultMinPoints     = 7
	DefaultAnnotateLimit = 100
)

// allLabel stands in for a dimension the anomaly does not narrow to.
const allLabel = "all"

// Store defines the persistence the detector needs.
type Store interface {
	ListAggregates(ctx context.Context, filter store.AggregateFilter) ([]models.Aggregate, error)
	ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]models.LineItem, error)
	MarkLineItemsAnomalous(ctx context.Context, filter store.LineItemFilter, score float64) (int, error)

	InsertAnomalies(ctx context.Context, anomalies []models.Anomaly) error
	GetAnomaly(ctx context.Context, userID string, id uuid.UUID) (*models.Anomaly, error)
	AcknowledgeAnomaly(ctx context.Context, userID string, id uuid.UUID, by string, at time.Time) error
	ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, int, error)
}

// Notifier is told about anomalies after they are persisted.
type Notifier interface {
	NotifyAnomalies(ctx context.Context, userID string, anomalies []models.Anomaly) error
}

type Config struct {
	LookbackDays  int
	Threshold     float64
	MinPoints     int
	AnnotateLimit int
}

// DetectOptions scopes one detection run. Zero values take the service
// configuration.
type DetectOptions struct {
	UserID       string
	AccountID    string
	Service      string
	LookbackDays int
	Threshold    float64
}

// groupKey identifies a series. Empty fields cover every value of that
// dimension.
type groupKey struct {
	AccountID string
	Service   string
	Region    string
}

// point is one daily cost observation in a series.
type point struct {
	Key  groupKey
	Date time.Time
	Cost float64
}
