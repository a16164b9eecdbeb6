package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
)

// Key identifies one rollup bucket. Dimensions left empty are not part of
// the grouping.
type Key struct {
	Date      time.Time
	AccountID string
	Service   string
	Region    string
}

// Totals is the additive measure carried by every bucket.
type Totals struct {
	Cost  decimal.Decimal
	Usage decimal.Decimal
	Count int
}

func (t *Totals) add(o Totals) {
	t.Cost = t.Cost.Add(o.Cost)
	t.Usage = t.Usage.Add(o.Usage)
	t.Count += o.Count
}

type Group struct {
	Key
	Totals
}

// Rollup groups rows by key and sums their measures. Groups come back
// ordered by date, account, service and region so callers see a stable
// sequence regardless of input order.
func Rollup[T any](rows []T, key func(*T) Key, measure func(*T) Totals) []Group {
	index := make(map[Key]int)
	var groups []Group
	for i := range rows {
		k := key(&rows[i])
		pos, ok := index[k]
		if !ok {
			pos = len(groups)
			index[k] = pos
			groups = append(groups, Group{Key: k, Totals: Totals{Cost: decimal.Zero, Usage: decimal.Zero}})
		}
		groups[pos].add(measure(&rows[i]))
	}

	sort.Slice(groups, func(a, b int) bool {
		x, y := groups[a].Key, groups[b].Key
		if !x.Date.Equal(y.Date) {
			return x.Date.Before(y.Date)
		}
		if x.AccountID != y.AccountID {
			return x.AccountID < y.AccountID
		}
		if x.Service != y.Service {
			return x.Service < y.Service
		}
		return x.Region < y.Region
	})
	return groups
}

// LineItemTotals measures a single line item.
func LineItemTotals(li *models.LineItem) Totals {
	return Totals{Cost: li.Cost, Usage: li.Usage(), Count: 1}
}

// AggregateTotals measures an already rolled-up row.
func AggregateTotals(a *models.Aggregate) Totals {
	return Totals{Cost: a.TotalCost, Usage: a.TotalUsageQuantity, Count: a.LineItemCount}
}

// DailyKey buckets a line item by usage day and its full dimension tuple.
func DailyKey(li *models.LineItem) Key {
	return Key{
		Date:      li.UsageDay(),
		AccountID: models.OrUnknown(li.AccountID),
		Service:   models.OrUnknown(li.Service),
		Region:    models.OrUnknown(li.Region),
	}
}

// DayKey buckets a line item by usage day only.
func DayKey(li *models.LineItem) Key {
	return Key{Date: li.UsageDay()}
}

// MonthlyKey buckets a daily aggregate into its calendar month.
func MonthlyKey(a *models.Aggregate) Key {
	return Key{
		Date:      models.StartOfMonth(a.Date),
		AccountID: a.AccountID,
		Service:   a.Service,
		Region:    a.Region,
	}
}
