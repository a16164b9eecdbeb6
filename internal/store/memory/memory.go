// Package memory is an in-process implementation of the store used by tests
// and by single-node deployments configured with the "memory" driver.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

type Store struct {
	mu sync.RWMutex

	jobs            map[uuid.UUID]models.IngestionJob
	lineItems       []models.LineItem
	fingerprints    map[string]map[string]struct{}
	aggregates      []models.Aggregate
	anomalies       []models.Anomaly
	recommendations []models.Recommendation

	// FailRecommendation, when set, rejects matching documents on insert.
	FailRecommendation func(models.Recommendation) error
}

func New() *Store {
	return &Store{
		jobs:         make(map[uuid.UUID]models.IngestionJob),
		fingerprints: make(map[string]map[string]struct{}),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicate
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	s.jobs[job.ID] = copyJob(*job)
	return nil
}

func (s *Store) GetIngestionJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	job = copyJob(job)
	return &job, nil
}

func (s *Store) UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	job.CreatedAt = existing.CreatedAt
	s.jobs[job.ID] = copyJob(*job)
	return nil
}

func (s *Store) ListIngestionJobs(ctx context.Context, filter store.JobFilter) ([]models.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []models.IngestionJob
	for _, j := range s.jobs {
		if filter.Match(&j) {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID.String() < jobs[b].ID.String()
	})
	return page(jobs, filter.Limit, filter.Offset), nil
}

func copyJob(j models.IngestionJob) models.IngestionJob {
	j.Errors = append(models.JobErrors(nil), j.Errors...)
	return j
}

// InsertLineItems skips items whose fingerprint the owner already holds,
// including duplicates within the same batch.
func (s *Store) InsertLineItems(ctx context.Context, items []models.LineItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, li := range items {
		if li.UserID == "" {
			return inserted, errors.New("line item without owner")
		}
		seen, ok := s.fingerprints[li.UserID]
		if !ok {
			seen = make(map[string]struct{})
			s.fingerprints[li.UserID] = seen
		}
		if _, dup := seen[li.Fingerprint]; dup {
			continue
		}
		seen[li.Fingerprint] = struct{}{}
		li.Tags = append(models.Tags(nil), li.Tags...)
		s.lineItems = append(s.lineItems, li)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]models.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.matchLineItems(filter)
	out := make([]models.LineItem, len(items))
	for i, idx := range items {
		out[i] = s.lineItems[idx]
	}
	return page(out, filter.Limit, filter.Offset), nil
}

// matchLineItems returns indexes of matching items in (usage day, id) order.
func (s *Store) matchLineItems(filter store.LineItemFilter) []int {
	var idx []int
	for i := range s.lineItems {
		if filter.Match(&s.lineItems[i]) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		la, lb := &s.lineItems[idx[a]], &s.lineItems[idx[b]]
		ta, tb := usageTime(la), usageTime(lb)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return la.ID.String() < lb.ID.String()
	})
	return idx
}

func usageTime(li *models.LineItem) time.Time {
	if li.UsageStartDate != nil {
		return *li.UsageStartDate
	}
	return li.IngestionDate
}

func (s *Store) MarkLineItemsAnomalous(ctx context.Context, filter store.LineItemFilter, score float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.matchLineItems(filter)
	if filter.Limit > 0 && len(idx) > filter.Limit {
		idx = idx[:filter.Limit]
	}
	for _, i := range idx {
		s.lineItems[i].IsAnomaly = true
		s.lineItems[i].AnomalyScore = decimal.NullDecimal{Decimal: decimal.NewFromFloat(score), Valid: true}
	}
	return len(idx), nil
}

func (s *Store) ListLineItemOwners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := lo.Uniq(lo.Map(s.lineItems, func(li models.LineItem, _ int) string { return li.UserID }))
	sort.Strings(users)
	return users, nil
}

func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := func(u string) bool { return u == userID }
	s.lineItems = lo.Reject(s.lineItems, func(li models.LineItem, _ int) bool { return owned(li.UserID) })
	s.aggregates = lo.Reject(s.aggregates, func(a models.Aggregate, _ int) bool { return owned(a.UserID) })
	s.anomalies = lo.Reject(s.anomalies, func(a models.Anomaly, _ int) bool { return owned(a.UserID) })
	s.recommendations = lo.Reject(s.recommendations, func(r models.Recommendation, _ int) bool { return owned(r.UserID) })
	for id, j := range s.jobs {
		if owned(j.UserID) {
			delete(s.jobs, id)
		}
	}
	delete(s.fingerprints, userID)
	return nil
}

func (s *Store) ListAggregates(ctx context.Context, filter store.AggregateFilter) ([]models.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Aggregate
	for i := range s.aggregates {
		if filter.Match(&s.aggregates[i]) {
			out = append(out, s.aggregates[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
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
	return out, nil
}

func (s *Store) DeleteAggregates(ctx context.Context, userID string, aggType models.AggregationType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.aggregates)
	s.aggregates = lo.Reject(s.aggregates, func(a models.Aggregate, _ int) bool {
		return a.UserID == userID && a.AggregationType == aggType
	})
	return before - len(s.aggregates), nil
}

func aggregateKey(a *models.Aggregate) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", a.UserID, a.Date.UTC().Format(time.DateOnly), a.AccountID, a.Service, a.Region, a.AggregationType)
}

func (s *Store) InsertAggregates(ctx context.Context, aggs []models.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(s.aggregates))
	for i := range s.aggregates {
		existing[aggregateKey(&s.aggregates[i])] = struct{}{}
	}
	for i := range aggs {
		key := aggregateKey(&aggs[i])
		if _, dup := existing[key]; dup {
			return fmt.Errorf("inserting aggregates: %w", store.ErrDuplicate)
		}
		existing[key] = struct{}{}
	}
	for i := range aggs {
		if aggs[i].ID == uuid.Nil {
			aggs[i].ID = uuid.New()
		}
		s.aggregates = append(s.aggregates, aggs[i])
	}
	return nil
}

func (s *Store) UpsertAggregate(ctx context.Context, agg *models.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggregateKey(agg)
	for i := range s.aggregates {
		if aggregateKey(&s.aggregates[i]) == key {
			agg.ID = s.aggregates[i].ID
			s.aggregates[i] = *agg
			return nil
		}
	}
	if agg.ID == uuid.Nil {
		agg.ID = uuid.New()
	}
	s.aggregates = append(s.aggregates, *agg)
	return nil
}

func (s *Store) InsertAnomalies(ctx context.Context, anomalies []models.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anomalies = append(s.anomalies, anomalies...)
	return nil
}

func (s *Store) GetAnomaly(ctx context.Context, userID string, id uuid.UUID) (*models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.anomalies {
		if a.UserID == userID && a.ID == id {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) AcknowledgeAnomaly(ctx context.Context, userID string, id uuid.UUID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.anomalies {
		a := &s.anomalies[i]
		if a.UserID == userID && a.ID == id {
			a.Acknowledged = true
			a.AcknowledgedBy = by
			a.AcknowledgedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Anomaly
	for i := range s.anomalies {
		if filter.Match(&s.anomalies[i]) {
			out = append(out, s.anomalies[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if !x.Date.Equal(y.Date) {
			return x.Date.After(y.Date)
		}
		if abs(x.ZScore) != abs(y.ZScore) {
			return abs(x.ZScore) > abs(y.ZScore)
		}
		return x.ID.String() < y.ID.String()
	})
	return page(out, filter.Limit, filter.Offset), len(out), nil
}

func (s *Store) AnomalySeverityCounts(ctx context.Context, userID string) (map[models.Severity]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Severity]int)
	for _, a := range s.anomalies {
		if a.UserID == userID && !a.Acknowledged {
			counts[a.Severity]++
		}
	}
	return counts, nil
}

func (s *Store) InsertRecommendations(ctx context.Context, recs []models.Recommendation) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	stored := make([]uuid.UUID, 0, len(recs))
	for _, r := range recs {
		if s.FailRecommendation != nil {
			if err := s.FailRecommendation(r); err != nil {
				errs = append(errs, fmt.Errorf("inserting recommendation %s: %w", r.ID, err))
				continue
			}
		}
		r.ActionItems = append(models.StringArray(nil), r.ActionItems...)
		s.recommendations = append(s.recommendations, r)
		stored = append(stored, r.ID)
	}
	return stored, errors.Join(errs...)
}

func (s *Store) GetRecommendation(ctx context.Context, userID string, id uuid.UUID) (*models.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.recommendations {
		if r.UserID == userID && r.ID == id {
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateRecommendation(ctx context.Context, r *models.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.recommendations {
		cur := &s.recommendations[i]
		if cur.UserID == r.UserID && cur.ID == r.ID {
			cur.Status = r.Status
			cur.ImplementedAt = r.ImplementedAt
			cur.ImplementedBy = r.ImplementedBy
			cur.UpdatedAt = r.UpdatedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]models.Recommendation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Recommendation
	for i := range s.recommendations {
		if filter.Match(&s.recommendations[i]) {
			out = append(out, s.recommendations[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if x.EstimatedSavings != y.EstimatedSavings {
			return x.EstimatedSavings > y.EstimatedSavings
		}
		if !x.GeneratedAt.Equal(y.GeneratedAt) {
			return x.GeneratedAt.After(y.GeneratedAt)
		}
		return x.ID.String() < y.ID.String()
	})
	return page(out, filter.Limit, filter.Offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
