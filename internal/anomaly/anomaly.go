// Package anomaly flags statistically unusual daily costs.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

var ErrUserRequired = errors.New("user id is required")

// Service provides anomaly detection and management capabilities
type Service struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new anomaly detection service
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = DefaultMinPoints
	}
	if cfg.AnnotateLimit <= 0 {
		cfg.AnnotateLimit = DefaultAnnotateLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers a sink that is told about new anomalies.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Detect scans the user's recent daily costs and persists every outlier.
// Too little history yields an empty result, not an error.
func (s *Service) Detect(ctx context.Context, opts DetectOptions) ([]models.Anomaly, error) {
	if opts.UserID == "" {
		return nil, ErrUserRequired
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = s.cfg.LookbackDays
	}
	if opts.Threshold <= 0 {
		opts.Threshold = s.cfg.Threshold
	}

	now := s.now()
	points, err := s.loadPoints(ctx, opts, now)
	if err != nil {
		return nil, err
	}
	if len(points) < s.cfg.MinPoints {
		s.logger.Debug("insufficient history for anomaly detection",
			"user_id", opts.UserID,
			"points", len(points),
			"required", s.cfg.MinPoints,
		)
		return []models.Anomaly{}, nil
	}

	anomalies := NewDetector(opts.Threshold).Detect(opts.UserID, points, now)
	if len(anomalies) == 0 {
		return []models.Anomaly{}, nil
	}

	if err := s.store.InsertAnomalies(ctx, anomalies); err != nil {
		return nil, fmt.Errorf("persisting anomalies: %w", err)
	}

	s.annotate(ctx, anomalies)

	if s.notifier != nil {
		if err := s.notifier.NotifyAnomalies(ctx, opts.UserID, anomalies); err != nil {
			s.logger.Warn("failed to send anomaly notification", "user_id", opts.UserID, "error", err)
		}
	}

	s.logger.Info("anomaly detection completed",
		"user_id", opts.UserID,
		"points", len(points),
		"anomalies", len(anomalies),
	)
	return anomalies, nil
}

// loadPoints reads daily aggregates in the window and falls back to daily
// line item totals when no aggregates exist yet.
func (s *Service) loadPoints(ctx context.Context, opts DetectOptions, now time.Time) ([]point, error) {
	from := models.StartOfDay(now.AddDate(0, 0, -opts.LookbackDays))
	to := models.StartOfDay(now)

	aggs, err := s.store.ListAggregates(ctx, store.AggregateFilter{
		UserID:    opts.UserID,
		Type:      models.AggregationDaily,
		AccountID: opts.AccountID,
		Service:   opts.Service,
		From:      &from,
		To:        &to,
	})
	if err != nil {
		return nil, fmt.Errorf("loading daily aggregates: %w", err)
	}

	if len(aggs) > 0 {
		points := make([]point, 0, len(aggs))
		for _, a := range aggs {
			points = append(points, point{
				Key:  groupKey{AccountID: a.AccountID, Service: a.Service, Region: a.Region},
				Date: models.StartOfDay(a.Date),
				Cost: a.TotalCost.InexactFloat64(),
			})
		}
		return points, nil
	}

	end := to.AddDate(0, 0, 1)
	items, err := s.store.ListLineItems(ctx, store.LineItemFilter{
		UserID:    opts.UserID,
		AccountID: opts.AccountID,
		Service:   opts.Service,
		From:      &from,
		To:        &end,
	})
	if err != nil {
		return nil, fmt.Errorf("loading line items: %w", err)
	}

	key := groupKey{AccountID: opts.AccountID, Service: opts.Service}
	groups := aggregation.Rollup(items, aggregation.DayKey, aggregation.LineItemTotals)
	points := make([]point, 0, len(groups))
	for _, g := range groups {
		points = append(points, point{Key: key, Date: g.Date, Cost: g.Cost.InexactFloat64()})
	}
	return points, nil
}

// annotate flags a bounded number of the line items behind each anomaly.
// Failures are logged; the anomalies themselves are already stored.
func (s *Service) annotate(ctx context.Context, anomalies []models.Anomaly) {
	for _, a := range anomalies {
		from := a.Date
		to := a.Date.AddDate(0, 0, 1)
		n, err := s.store.MarkLineItemsAnomalous(ctx, store.LineItemFilter{
			UserID:    a.UserID,
			AccountID: a.AccountID,
			Service:   a.Service,
			Region:    a.Region,
			From:      &from,
			To:        &to,
			Limit:     s.cfg.AnnotateLimit,
		}, a.ZScore)
		if err != nil {
			s.logger.Warn("failed to annotate line items", "anomaly_id", a.ID, "error", err)
			continue
		}
		s.logger.Debug("annotated line items", "anomaly_id", a.ID, "count", n)
	}
}

// Acknowledge marks an anomaly as seen by the given person.
func (s *Service) Acknowledge(ctx context.Context, userID string, id uuid.UUID, by string) (*models.Anomaly, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if err := s.store.AcknowledgeAnomaly(ctx, userID, id, by, s.now()); err != nil {
		return nil, fmt.Errorf("acknowledging anomaly: %w", err)
	}
	return s.store.GetAnomaly(ctx, userID, id)
}

// List lists anomalies with optional filtering
func (s *Service) List(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, int, error) {
	if filter.UserID == "" {
		return nil, 0, ErrUserRequired
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListAnomalies(ctx, filter)
}
