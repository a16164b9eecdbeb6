package aggregation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
	"github.com/qualys/costwatch/internal/store/memory"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func lineItem(userID string, start time.Time, account, service, region, cost string) models.LineItem {
	start = start.Add(3 * time.Hour)
	li := models.LineItem{
		ID:             uuid.New(),
		UserID:         userID,
		IngestionJobID: uuid.New(),
		AccountID:      account,
		Service:        service,
		Region:         region,
		ResourceID:     uuid.NewString(),
		UsageStartDate: &start,
		UsageQuantity:  decimal.NewNullDecimal(decimal.NewFromInt(2)),
		Cost:           decimal.RequireFromString(cost),
		IngestionDate:  time.Now().UTC(),
	}
	li.Fingerprint = li.ComputeFingerprint()
	return li
}

func seed(t *testing.T, s *memory.Store, items ...models.LineItem) {
	t.Helper()
	_, err := s.InsertLineItems(context.Background(), items)
	require.NoError(t, err)
}

func sumCost(aggs []models.Aggregate) decimal.Decimal {
	total := decimal.Zero
	for _, a := range aggs {
		total = total.Add(a.TotalCost)
	}
	return total
}

func TestRebuildAggregates_DailyTotalsMatchLineItems(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "1.25"),
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "2.75"),
		lineItem("u1", day(2024, 3, 1), "111", "AmazonS3", "us-east-1", "0.40"),
		lineItem("u1", day(2024, 3, 2), "222", "AmazonEC2", "eu-west-1", "5.00"),
	)

	engine := NewEngine(s, nil)
	require.NoError(t, engine.RebuildAggregates(ctx, "u1"))

	daily, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	require.Len(t, daily, 3)
	assert.True(t, sumCost(daily).Equal(decimal.RequireFromString("9.40")))

	first := daily[0]
	assert.Equal(t, day(2024, 3, 1), first.Date)
	assert.Equal(t, "AmazonEC2", first.Service)
	assert.True(t, first.TotalCost.Equal(decimal.NewFromInt(4)))
	assert.True(t, first.TotalUsageQuantity.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 2, first.LineItemCount)
}

func TestRebuildAggregates_MonthlyRollupAndTrend(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		lineItem("u1", day(2024, 2, 10), "111", "AmazonEC2", "us-east-1", "100"),
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "60"),
		lineItem("u1", day(2024, 3, 15), "111", "AmazonEC2", "us-east-1", "90"),
		lineItem("u1", day(2024, 3, 20), "111", "AmazonS3", "us-east-1", "7"),
	)

	engine := NewEngine(s, nil)
	require.NoError(t, engine.RebuildAggregates(ctx, "u1"))

	monthly, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationMonthly})
	require.NoError(t, err)
	require.Len(t, monthly, 3)

	daily, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	assert.True(t, sumCost(monthly).Equal(sumCost(daily)))

	var march *models.Aggregate
	for i := range monthly {
		if monthly[i].Date.Equal(day(2024, 3, 1)) && monthly[i].Service == "AmazonEC2" {
			march = &monthly[i]
		}
	}
	require.NotNil(t, march)
	assert.True(t, march.TotalCost.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, 2, march.LineItemCount)
	require.True(t, march.PreviousPeriodCost.Valid)
	assert.True(t, march.PreviousPeriodCost.Decimal.Equal(decimal.NewFromInt(100)))
	assert.True(t, march.CostVariance.Decimal.Equal(decimal.NewFromInt(50)))
	assert.True(t, march.CostVariancePercent.Decimal.Equal(decimal.NewFromInt(50)))

	for _, a := range monthly {
		if a.Service == "AmazonS3" {
			assert.False(t, a.PreviousPeriodCost.Valid, "no previous month for S3")
			assert.False(t, a.CostVariancePercent.Valid)
		}
	}
}

func TestRebuildAggregates_EmptyUserClearsRows(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.InsertAggregates(ctx, []models.Aggregate{{
		UserID:          "u1",
		Date:            day(2024, 1, 1),
		AccountID:       "111",
		Service:         "AmazonEC2",
		Region:          "us-east-1",
		AggregationType: models.AggregationDaily,
		TotalCost:       decimal.NewFromInt(3),
	}}))

	engine := NewEngine(s, nil)
	require.NoError(t, engine.RebuildAggregates(ctx, "u1"))

	aggs, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestRebuildAggregates_RequiresUser(t *testing.T) {
	engine := NewEngine(memory.New(), nil)
	assert.ErrorIs(t, engine.RebuildAggregates(context.Background(), ""), ErrUserRequired)
}

func TestRebuildAggregates_UserIsolation(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "10"),
		lineItem("u2", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "99"),
	)

	engine := NewEngine(s, nil)
	require.NoError(t, engine.RebuildAggregates(ctx, "u1"))

	u1, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	require.Len(t, u1, 1)
	assert.True(t, u1[0].TotalCost.Equal(decimal.NewFromInt(10)))

	u2, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, u2, "other users are not rebuilt")
}

// conflictingStore reports a uniqueness conflict on the first bulk insert.
type conflictingStore struct {
	*memory.Store
	once    sync.Once
	upserts int
}

func (c *conflictingStore) InsertAggregates(ctx context.Context, aggs []models.Aggregate) error {
	var conflict bool
	c.once.Do(func() { conflict = true })
	if conflict {
		return store.ErrDuplicate
	}
	return c.Store.InsertAggregates(ctx, aggs)
}

func (c *conflictingStore) UpsertAggregate(ctx context.Context, agg *models.Aggregate) error {
	c.upserts++
	return c.Store.UpsertAggregate(ctx, agg)
}

func TestRebuildAggregates_ConflictFallsBackToUpsert(t *testing.T) {
	ctx := context.Background()
	s := &conflictingStore{Store: memory.New()}
	seed(t, s.Store,
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "10"),
		lineItem("u1", day(2024, 3, 2), "111", "AmazonEC2", "us-east-1", "20"),
	)

	engine := NewEngine(s, nil)
	n, err := engine.RebuildDailyAggregates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.upserts)

	daily, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	assert.True(t, sumCost(daily).Equal(decimal.NewFromInt(30)))
}

func TestRebuildAggregates_ConcurrentRunsConverge(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for d := 1; d <= 20; d++ {
		seed(t, s, lineItem("u1", day(2024, 3, d), "111", "AmazonEC2", "us-east-1", "1"))
	}

	engine := NewEngine(s, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.RebuildAggregates(ctx, "u1"))
		}()
	}
	wg.Wait()

	daily, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	assert.Len(t, daily, 20)
	monthly, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationMonthly})
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.True(t, monthly[0].TotalCost.Equal(decimal.NewFromInt(20)))
}

func TestRollup_StableOrder(t *testing.T) {
	items := []models.LineItem{
		lineItem("u1", day(2024, 3, 2), "b", "S3", "us-east-1", "1"),
		lineItem("u1", day(2024, 3, 1), "b", "S3", "us-east-1", "1"),
		lineItem("u1", day(2024, 3, 1), "a", "S3", "us-east-1", "1"),
		lineItem("u1", day(2024, 3, 1), "a", "EC2", "", "1"),
	}

	groups := Rollup(items, DailyKey, LineItemTotals)

	require.Len(t, groups, 4)
	assert.Equal(t, Key{Date: day(2024, 3, 1), AccountID: "a", Service: "EC2", Region: "unknown"}, groups[0].Key)
	assert.Equal(t, Key{Date: day(2024, 3, 1), AccountID: "a", Service: "S3", Region: "us-east-1"}, groups[1].Key)
	assert.Equal(t, "b", groups[2].AccountID)
	assert.Equal(t, day(2024, 3, 2), groups[3].Date)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		lineItem("u1", day(2024, 3, 1), "111", "AmazonEC2", "us-east-1", "10"),
		lineItem("u1", day(2024, 3, 2), "111", "AmazonS3", "us-east-1", "4"),
		lineItem("u1", day(2024, 3, 3), "222", "AmazonEC2", "eu-west-1", "6"),
	)
	engine := NewEngine(s, nil)

	t.Run("falls back to line items", func(t *testing.T) {
		sum, err := engine.Summary(ctx, SummaryQuery{UserID: "u1", GroupBy: DimensionService})
		require.NoError(t, err)
		assert.Equal(t, SourceLineItems, sum.Source)
		assert.True(t, sum.TotalCost.Equal(decimal.NewFromInt(20)))
		require.Len(t, sum.Items, 2)
		assert.Equal(t, "AmazonEC2", sum.Items[0].Key)
		assert.True(t, sum.Items[0].Cost.Equal(decimal.NewFromInt(16)))
	})

	require.NoError(t, engine.RebuildAggregates(ctx, "u1"))

	t.Run("reads aggregates with inclusive day bounds", func(t *testing.T) {
		sum, err := engine.Summary(ctx, SummaryQuery{
			UserID:  "u1",
			From:    day(2024, 3, 2),
			To:      day(2024, 3, 3),
			GroupBy: DimensionDay,
		})
		require.NoError(t, err)
		assert.Equal(t, SourceAggregates, sum.Source)
		require.Len(t, sum.Items, 2)
		assert.Equal(t, "2024-03-02", sum.Items[0].Key)
		assert.Equal(t, "2024-03-03", sum.Items[1].Key)
		assert.True(t, sum.TotalCost.Equal(decimal.NewFromInt(10)))
	})

	t.Run("by account", func(t *testing.T) {
		sum, err := engine.Summary(ctx, SummaryQuery{UserID: "u1", GroupBy: DimensionAccount})
		require.NoError(t, err)
		require.Len(t, sum.Items, 2)
		assert.Equal(t, "111", sum.Items[0].Key)
	})
}

func TestParseDimension(t *testing.T) {
	d, err := ParseDimension("")
	require.NoError(t, err)
	assert.Equal(t, DimensionService, d)

	d, err = ParseDimension("region")
	require.NoError(t, err)
	assert.Equal(t, DimensionRegion, d)

	_, err = ParseDimension("tag")
	assert.Error(t, err)
}
