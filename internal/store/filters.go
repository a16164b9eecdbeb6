package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
)

// LineItemFilter selects line items within one user's partition. From is
// inclusive and To exclusive, both applied to the usage day.
type LineItemFilter struct {
	UserID    string
	JobID     *uuid.UUID
	AccountID string
	Service   string
	Region    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func (f LineItemFilter) where() *whereClause {
	w := &whereClause{}
	w.add("user_id = $%d", f.UserID)
	if f.JobID != nil {
		w.add("ingestion_job_id = $%d", *f.JobID)
	}
	if f.AccountID != "" {
		w.add("account_id = $%d", f.AccountID)
	}
	if f.Service != "" {
		w.add("service = $%d", f.Service)
	}
	if f.Region != "" {
		w.add("region = $%d", f.Region)
	}
	if f.From != nil {
		w.add("COALESCE(usage_start_date, ingestion_date) >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("COALESCE(usage_start_date, ingestion_date) < $%d", *f.To)
	}
	return w
}

// Match applies the filter to an in-memory item.
func (f LineItemFilter) Match(li *models.LineItem) bool {
	if li.UserID != f.UserID {
		return false
	}
	if f.JobID != nil && li.IngestionJobID != *f.JobID {
		return false
	}
	if f.AccountID != "" && li.AccountID != f.AccountID {
		return false
	}
	if f.Service != "" && li.Service != f.Service {
		return false
	}
	if f.Region != "" && li.Region != f.Region {
		return false
	}
	t := li.IngestionDate
	if li.UsageStartDate != nil {
		t = *li.UsageStartDate
	}
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.Before(*f.To) {
		return false
	}
	return true
}

// AggregateFilter selects aggregate rows. From and To are inclusive on Date.
type AggregateFilter struct {
	UserID    string
	Type      models.AggregationType
	AccountID string
	Service   string
	Region    string
	From      *time.Time
	To        *time.Time
}

func (f AggregateFilter) where() *whereClause {
	w := &whereClause{}
	w.add("user_id = $%d", f.UserID)
	if f.Type != "" {
		w.add("aggregation_type = $%d", f.Type)
	}
	if f.AccountID != "" {
		w.add("account_id = $%d", f.AccountID)
	}
	if f.Service != "" {
		w.add("service = $%d", f.Service)
	}
	if f.Region != "" {
		w.add("region = $%d", f.Region)
	}
	if f.From != nil {
		w.add("date >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("date <= $%d", *f.To)
	}
	return w
}

func (f AggregateFilter) Match(a *models.Aggregate) bool {
	if a.UserID != f.UserID {
		return false
	}
	if f.Type != "" && a.AggregationType != f.Type {
		return false
	}
	if f.AccountID != "" && a.AccountID != f.AccountID {
		return false
	}
	if f.Service != "" && a.Service != f.Service {
		return false
	}
	if f.Region != "" && a.Region != f.Region {
		return false
	}
	if f.From != nil && a.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && a.Date.After(*f.To) {
		return false
	}
	return true
}

type AnomalyFilter struct {
	UserID       string
	Type         models.AnomalyType
	Severity     models.Severity
	AccountID    string
	Acknowledged *bool
	Limit        int
	Offset       int
}

func (f AnomalyFilter) where() *whereClause {
	w := &whereClause{}
	w.add("user_id = $%d", f.UserID)
	if f.Type != "" {
		w.add("type = $%d", f.Type)
	}
	if f.Severity != "" {
		w.add("severity = $%d", f.Severity)
	}
	if f.AccountID != "" {
		w.add("account_id = $%d", f.AccountID)
	}
	if f.Acknowledged != nil {
		w.add("acknowledged = $%d", *f.Acknowledged)
	}
	return w
}

func (f AnomalyFilter) Match(a *models.Anomaly) bool {
	if a.UserID != f.UserID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.AccountID != "" && a.AccountID != f.AccountID {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	return true
}

type RecommendationFilter struct {
	UserID    string
	Type      models.RecommendationType
	Status    models.RecommendationStatus
	AccountID string
	Limit     int
	Offset    int
}

func (f RecommendationFilter) where() *whereClause {
	w := &whereClause{}
	w.add("user_id = $%d", f.UserID)
	if f.Type != "" {
		w.add("type = $%d", f.Type)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	if f.AccountID != "" {
		w.add("account_id = $%d", f.AccountID)
	}
	return w
}

func (f RecommendationFilter) Match(r *models.Recommendation) bool {
	if r.UserID != f.UserID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.AccountID != "" && r.AccountID != f.AccountID {
		return false
	}
	return true
}

// JobFilter selects ingestion jobs. An empty UserID spans all users and is
// only used by the scheduler when collecting pending work.
type JobFilter struct {
	UserID string
	Status models.JobStatus
	Limit  int
	Offset int
}

func (f JobFilter) where() *whereClause {
	w := &whereClause{}
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	return w
}

func (f JobFilter) Match(j *models.IngestionJob) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

// whereClause accumulates positional predicates in a fixed order.
type whereClause struct {
	clauses []string
	args    []interface{}
}

func (w *whereClause) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereClause) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET as further positional arguments.
func (w *whereClause) page(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(w.args))
	}
	return sb.String()
}
