// Package aggregation rebuilds the daily and monthly cost rollups of a user
// from their line items.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

var ErrUserRequired = errors.New("user id is required")

type Store interface {
	ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]models.LineItem, error)
	ListAggregates(ctx context.Context, filter store.AggregateFilter) ([]models.Aggregate, error)
	DeleteAggregates(ctx context.Context, userID string, aggType models.AggregationType) (int, error)
	InsertAggregates(ctx context.Context, aggs []models.Aggregate) error
	UpsertAggregate(ctx context.Context, agg *models.Aggregate) error
}

type Engine struct {
	store  Store
	logger *slog.Logger
	locks  userLocks
	now    func() time.Time
}

func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RebuildAggregates recomputes the daily rollups of a user and then the
// monthly rollups from them. Rebuilds for the same user never overlap.
func (e *Engine) RebuildAggregates(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	unlock := e.locks.lock(userID)
	defer unlock()

	start := time.Now()
	daily, err := e.rebuildDaily(ctx, userID)
	if err != nil {
		return err
	}
	monthly, err := e.rebuildMonthly(ctx, userID)
	if err != nil {
		return err
	}

	e.logger.Info("aggregates rebuilt",
		"user_id", userID,
		"daily", daily,
		"monthly", monthly,
		"duration", time.Since(start),
	)
	return nil
}

// RebuildDailyAggregates replaces the user's daily rollups and returns how
// many rows were written.
func (e *Engine) RebuildDailyAggregates(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserRequired
	}
	unlock := e.locks.lock(userID)
	defer unlock()
	return e.rebuildDaily(ctx, userID)
}

// RebuildMonthlyAggregates replaces the user's monthly rollups using the
// daily rollups currently stored.
func (e *Engine) RebuildMonthlyAggregates(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserRequired
	}
	unlock := e.locks.lock(userID)
	defer unlock()
	return e.rebuildMonthly(ctx, userID)
}

func (e *Engine) rebuildDaily(ctx context.Context, userID string) (int, error) {
	items, err := e.store.ListLineItems(ctx, store.LineItemFilter{UserID: userID})
	if err != nil {
		return 0, fmt.Errorf("loading line items: %w", err)
	}

	groups := Rollup(items, DailyKey, LineItemTotals)
	computedAt := e.now()
	aggs := make([]models.Aggregate, 0, len(groups))
	for _, g := range groups {
		aggs = append(aggs, newAggregate(userID, models.AggregationDaily, g, computedAt))
	}

	if err := e.replace(ctx, userID, models.AggregationDaily, aggs); err != nil {
		return 0, fmt.Errorf("rebuilding daily aggregates: %w", err)
	}
	return len(aggs), nil
}

func (e *Engine) rebuildMonthly(ctx context.Context, userID string) (int, error) {
	daily, err := e.store.ListAggregates(ctx, store.AggregateFilter{
		UserID: userID,
		Type:   models.AggregationDaily,
	})
	if err != nil {
		return 0, fmt.Errorf("loading daily aggregates: %w", err)
	}

	groups := Rollup(daily, MonthlyKey, AggregateTotals)
	computedAt := e.now()
	aggs := make([]models.Aggregate, 0, len(groups))
	for _, g := range groups {
		aggs = append(aggs, newAggregate(userID, models.AggregationMonthly, g, computedAt))
	}
	applyTrend(aggs)

	if err := e.replace(ctx, userID, models.AggregationMonthly, aggs); err != nil {
		return 0, fmt.Errorf("rebuilding monthly aggregates: %w", err)
	}
	return len(aggs), nil
}

// replace deletes the user's rows of one type and inserts the new set. A
// uniqueness conflict means another writer got in between, so the rows are
// upserted one by one instead.
func (e *Engine) replace(ctx context.Context, userID string, aggType models.AggregationType, aggs []models.Aggregate) error {
	if _, err := e.store.DeleteAggregates(ctx, userID, aggType); err != nil {
		return fmt.Errorf("deleting aggregates: %w", err)
	}
	if len(aggs) == 0 {
		return nil
	}

	err := e.store.InsertAggregates(ctx, aggs)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return err
	}

	e.logger.Warn("aggregate insert conflicted, falling back to upsert",
		"user_id", userID,
		"type", aggType,
		"rows", len(aggs),
	)
	for i := range aggs {
		if err := e.store.UpsertAggregate(ctx, &aggs[i]); err != nil {
			return err
		}
	}
	return nil
}

func newAggregate(userID string, aggType models.AggregationType, g Group, computedAt time.Time) models.Aggregate {
	return models.Aggregate{
		ID:                 uuid.New(),
		UserID:             userID,
		Date:               g.Date,
		AccountID:          g.AccountID,
		Service:            g.Service,
		Region:             g.Region,
		AggregationType:    aggType,
		TotalCost:          g.Cost,
		TotalUsageQuantity: g.Usage,
		LineItemCount:      g.Count,
		ComputedAt:         computedAt,
	}
}

var hundred = decimal.NewFromInt(100)

// applyTrend fills the month-over-month fields from the previous calendar
// month of the same account, service and region.
func applyTrend(monthly []models.Aggregate) {
	byKey := make(map[Key]decimal.Decimal, len(monthly))
	for _, a := range monthly {
		byKey[Key{Date: a.Date, AccountID: a.AccountID, Service: a.Service, Region: a.Region}] = a.TotalCost
	}

	for i := range monthly {
		a := &monthly[i]
		prev, ok := byKey[Key{
			Date:      a.Date.AddDate(0, -1, 0),
			AccountID: a.AccountID,
			Service:   a.Service,
			Region:    a.Region,
		}]
		if !ok {
			continue
		}
		variance := a.TotalCost.Sub(prev)
		a.PreviousPeriodCost = decimal.NewNullDecimal(prev)
		a.CostVariance = decimal.NewNullDecimal(variance)
		if !prev.IsZero() {
			a.CostVariancePercent = decimal.NewNullDecimal(variance.Div(prev).Mul(hundred).Round(4))
		}
	}
}
