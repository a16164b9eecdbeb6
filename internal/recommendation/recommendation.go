// Package recommendation derives cost-saving suggestions from a user's line
// items and aggregates.
package recommendation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

const DefaultLookbackDays = 30

var (
	ErrUserRequired  = errors.New("user id is required")
	ErrInvalidStatus = errors.New("invalid recommendation status")
)

// Store defines the interface for recommendation persistence
type Store interface {
	ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]models.LineItem, error)
	ListAggregates(ctx context.Context, filter store.AggregateFilter) ([]models.Aggregate, error)

	InsertRecommendations(ctx context.Context, recs []models.Recommendation) ([]uuid.UUID, error)
	GetRecommendation(ctx context.Context, userID string, id uuid.UUID) (*models.Recommendation, error)
	UpdateRecommendation(ctx context.Context, r *models.Recommendation) error
	ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]models.Recommendation, int, error)
}

type GenerateOptions struct {
	UserID       string
	AccountID    string
	LookbackDays int
}

// Engine runs the detectors and manages recommendation lifecycle.
type Engine struct {
	store        Store
	detectors    []detector
	lookbackDays int
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates a new recommendation engine
func NewEngine(store Store, lookbackDays int, logger *slog.Logger) *Engine {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		detectors:    defaultDetectors(),
		lookbackDays: lookbackDays,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Generate runs every detector over the lookback window and stores the
// results. Each run produces fresh rows; earlier recommendations are kept.
func (e *Engine) Generate(ctx context.Context, opts GenerateOptions) ([]models.Recommendation, error) {
	if opts.UserID == "" {
		return nil, ErrUserRequired
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = e.lookbackDays
	}

	now := e.now()
	in, err := e.load(ctx, opts, now)
	if err != nil {
		return nil, err
	}

	var recs []models.Recommendation
	for _, d := range e.detectors {
		found := d.detect(in)
		e.logger.Debug("recommendation detector finished",
			"user_id", opts.UserID,
			"detector", d.name,
			"count", len(found),
		)
		recs = append(recs, found...)
	}

	for i := range recs {
		recs[i].ID = uuid.New()
		recs[i].UserID = opts.UserID
		recs[i].Status = models.RecommendationPending
		recs[i].GeneratedAt = now
		recs[i].UpdatedAt = now
	}

	if len(recs) == 0 {
		return []models.Recommendation{}, nil
	}

	generated := len(recs)
	ids, err := e.store.InsertRecommendations(ctx, recs)
	if err != nil {
		if len(ids) == 0 {
			return nil, fmt.Errorf("storing recommendations: %w", err)
		}
		e.logger.Warn("some recommendations were not stored",
			"user_id", opts.UserID,
			"stored", len(ids),
			"generated", generated,
			"error", err,
		)
		// Only stored rows are returned; their ids must resolve later.
		recs = lo.Filter(recs, func(r models.Recommendation, _ int) bool {
			return lo.Contains(ids, r.ID)
		})
	}

	e.logger.Info("recommendations generated",
		"user_id", opts.UserID,
		"count", generated,
		"stored", len(ids),
	)
	return recs, nil
}

func (e *Engine) load(ctx context.Context, opts GenerateOptions, now time.Time) (*input, error) {
	from := models.StartOfDay(now.AddDate(0, 0, -opts.LookbackDays))
	today := models.StartOfDay(now)
	end := today.AddDate(0, 0, 1)

	items, err := e.store.ListLineItems(ctx, store.LineItemFilter{
		UserID:    opts.UserID,
		AccountID: opts.AccountID,
		From:      &from,
		To:        &end,
	})
	if err != nil {
		return nil, fmt.Errorf("loading line items: %w", err)
	}

	daily, err := e.store.ListAggregates(ctx, store.AggregateFilter{
		UserID:    opts.UserID,
		Type:      models.AggregationDaily,
		AccountID: opts.AccountID,
		From:      &from,
		To:        &today,
	})
	if err != nil {
		return nil, fmt.Errorf("loading daily aggregates: %w", err)
	}

	monthStart := models.StartOfMonth(from)
	monthly, err := e.store.ListAggregates(ctx, store.AggregateFilter{
		UserID:    opts.UserID,
		Type:      models.AggregationMonthly,
		AccountID: opts.AccountID,
		From:      &monthStart,
		To:        &today,
	})
	if err != nil {
		return nil, fmt.Errorf("loading monthly aggregates: %w", err)
	}

	return &input{lineItems: items, daily: daily, monthly: monthly}, nil
}

// UpdateStatus moves a recommendation through its lifecycle. Marking it
// implemented records who did it and when.
func (e *Engine) UpdateStatus(ctx context.Context, userID string, id uuid.UUID, status models.RecommendationStatus, by string) (*models.Recommendation, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	rec, err := e.store.GetRecommendation(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("getting recommendation: %w", err)
	}

	now := e.now()
	rec.Status = status
	rec.UpdatedAt = now
	if status == models.RecommendationImplemented {
		rec.ImplementedAt = &now
		rec.ImplementedBy = by
	} else {
		rec.ImplementedAt = nil
		rec.ImplementedBy = ""
	}

	if err := e.store.UpdateRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("updating recommendation: %w", err)
	}
	return rec, nil
}

func (e *Engine) List(ctx context.Context, filter store.RecommendationFilter) ([]models.Recommendation, int, error) {
	if filter.UserID == "" {
		return nil, 0, ErrUserRequired
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return e.store.ListRecommendations(ctx, filter)
}
