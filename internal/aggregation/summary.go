package aggregation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

type Dimension string

const (
	DimensionService Dimension = "service"
	DimensionAccount Dimension = "account"
	DimensionRegion  Dimension = "region"
	DimensionDay     Dimension = "day"
)

// ParseDimension maps a query value onto a dimension, defaulting to service.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case "":
		return DimensionService, nil
	case DimensionService, DimensionAccount, DimensionRegion, DimensionDay:
		return d, nil
	}
	return "", fmt.Errorf("unknown group by %q", s)
}

// SummaryQuery bounds a summary by calendar day; both ends are inclusive and
// a zero value leaves that side open.
type SummaryQuery struct {
	UserID  string
	From    time.Time
	To      time.Time
	GroupBy Dimension
}

type SummaryItem struct {
	Key           string          `json:"key"`
	Cost          decimal.Decimal `json:"cost"`
	Usage         decimal.Decimal `json:"usage"`
	LineItemCount int             `json:"line_item_count"`
}

type Summary struct {
	UserID    string          `json:"user_id"`
	GroupBy   Dimension       `json:"group_by"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Items     []SummaryItem   `json:"items"`
	Source    string          `json:"source"`
}

const (
	SourceAggregates = "aggregates"
	SourceLineItems  = "line_items"
)

// Summary totals a user's cost by one dimension. It reads daily aggregates
// and falls back to raw line items when none have been built yet.
func (e *Engine) Summary(ctx context.Context, q SummaryQuery) (*Summary, error) {
	if q.UserID == "" {
		return nil, ErrUserRequired
	}
	if q.GroupBy == "" {
		q.GroupBy = DimensionService
	}
	project := projection(q.GroupBy)

	af := store.AggregateFilter{UserID: q.UserID, Type: models.AggregationDaily}
	if !q.From.IsZero() {
		from := models.StartOfDay(q.From)
		af.From = &from
	}
	if !q.To.IsZero() {
		to := models.StartOfDay(q.To)
		af.To = &to
	}

	aggs, err := e.store.ListAggregates(ctx, af)
	if err != nil {
		return nil, fmt.Errorf("loading aggregates: %w", err)
	}

	var groups []Group
	source := SourceAggregates
	if len(aggs) > 0 {
		groups = Rollup(aggs, func(a *models.Aggregate) Key {
			return project(Key{Date: models.StartOfDay(a.Date), AccountID: a.AccountID, Service: a.Service, Region: a.Region})
		}, AggregateTotals)
	} else {
		lf := store.LineItemFilter{UserID: q.UserID, From: af.From}
		if af.To != nil {
			end := af.To.AddDate(0, 0, 1)
			lf.To = &end
		}
		items, err := e.store.ListLineItems(ctx, lf)
		if err != nil {
			return nil, fmt.Errorf("loading line items: %w", err)
		}
		source = SourceLineItems
		groups = Rollup(items, func(li *models.LineItem) Key {
			return project(DailyKey(li))
		}, LineItemTotals)
	}

	s := &Summary{
		UserID:    q.UserID,
		GroupBy:   q.GroupBy,
		TotalCost: decimal.Zero,
		Items:     make([]SummaryItem, 0, len(groups)),
		Source:    source,
	}
	for _, g := range groups {
		s.TotalCost = s.TotalCost.Add(g.Cost)
		s.Items = append(s.Items, SummaryItem{
			Key:           label(q.GroupBy, g.Key),
			Cost:          g.Cost,
			Usage:         g.Usage,
			LineItemCount: g.Count,
		})
	}
	if q.GroupBy != DimensionDay {
		sort.SliceStable(s.Items, func(a, b int) bool {
			if !s.Items[a].Cost.Equal(s.Items[b].Cost) {
				return s.Items[a].Cost.GreaterThan(s.Items[b].Cost)
			}
			return s.Items[a].Key < s.Items[b].Key
		})
	}
	return s, nil
}

func projection(d Dimension) func(Key) Key {
	return func(k Key) Key {
		switch d {
		case DimensionAccount:
			return Key{AccountID: k.AccountID}
		case DimensionRegion:
			return Key{Region: k.Region}
		case DimensionDay:
			return Key{Date: k.Date}
		default:
			return Key{Service: k.Service}
		}
	}
}

func label(d Dimension, k Key) string {
	switch d {
	case DimensionAccount:
		return k.AccountID
	case DimensionRegion:
		return k.Region
	case DimensionDay:
		return k.Date.Format(time.DateOnly)
	default:
		return k.Service
	}
}
