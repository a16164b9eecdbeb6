package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// Unknown is stored for dimensions the billing row does not carry.
const Unknown = "unknown"

// MaxJobErrors caps the error entries kept on an ingestion job.
const MaxJobErrors = 100

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPartial    JobStatus = "partial"
)

type AggregationType string

const (
	AggregationDaily   AggregationType = "daily"
	AggregationMonthly AggregationType = "monthly"
)

type AnomalyType string

const (
	AnomalySpike          AnomalyType = "spike"
	AnomalyDrop           AnomalyType = "drop"
	AnomalyUnusualPattern AnomalyType = "unusual_pattern"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type RecommendationType string

const (
	RecommendationRightsizing      RecommendationType = "rightsizing"
	RecommendationReservedInstance RecommendationType = "reserved_instance"
	RecommendationSavingsPlan      RecommendationType = "savings_plan"
	RecommendationStorageTiering   RecommendationType = "storage_tiering"
	RecommendationIdleResource     RecommendationType = "idle_resource_cleanup"
	RecommendationDataTransfer     RecommendationType = "data_transfer_optimization"
	RecommendationUnattachedEBS    RecommendationType = "unattached_ebs"
	RecommendationUnattachedEIP    RecommendationType = "unattached_eip"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

type RecommendationStatus string

const (
	RecommendationPending     RecommendationStatus = "pending"
	RecommendationInProgress  RecommendationStatus = "in_progress"
	RecommendationImplemented RecommendationStatus = "implemented"
	RecommendationDismissed   RecommendationStatus = "dismissed"
)

// Valid reports whether s is one of the known recommendation statuses.
func (s RecommendationStatus) Valid() bool {
	switch s {
	case RecommendationPending, RecommendationInProgress, RecommendationImplemented, RecommendationDismissed:
		return true
	}
	return false
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Tag is a single user-defined cost allocation tag.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tags keeps the tag columns in the order they appear in the CSV header.
type Tags []Tag

func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

func (t *Tags) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, t)
}

// LineItem is one normalized billing record.
type LineItem struct {
	ID             uuid.UUID           `json:"id" db:"id"`
	UserID         string              `json:"user_id" db:"user_id"`
	IngestionJobID uuid.UUID           `json:"ingestion_job_id" db:"ingestion_job_id"`
	Fingerprint    string              `json:"-" db:"fingerprint"`
	InvoiceID      string              `json:"invoice_id,omitempty" db:"invoice_id"`
	PayerAccountID string              `json:"payer_account_id,omitempty" db:"payer_account_id"`
	LinkedAccount  string              `json:"linked_account_id,omitempty" db:"linked_account_id"`
	AccountID      string              `json:"account_id" db:"account_id"`
	ProductName    string              `json:"product_name,omitempty" db:"product_name"`
	ProductCode    string              `json:"product_code,omitempty" db:"product_code"`
	Service        string              `json:"service" db:"service"`
	UsageType      string              `json:"usage_type,omitempty" db:"usage_type"`
	Operation      string              `json:"operation,omitempty" db:"operation"`
	Zone           string              `json:"availability_zone,omitempty" db:"availability_zone"`
	Region         string              `json:"region" db:"region"`
	ResourceID     string              `json:"resource_id,omitempty" db:"resource_id"`
	UsageStartDate *time.Time          `json:"usage_start_date,omitempty" db:"usage_start_date"`
	UsageEndDate   *time.Time          `json:"usage_end_date,omitempty" db:"usage_end_date"`
	UsageQuantity  decimal.NullDecimal `json:"usage_quantity" db:"usage_quantity"`
	BlendedRate    decimal.NullDecimal `json:"blended_rate" db:"blended_rate"`
	BlendedCost    decimal.NullDecimal `json:"blended_cost" db:"blended_cost"`
	UnblendedRate  decimal.NullDecimal `json:"unblended_rate" db:"unblended_rate"`
	UnblendedCost  decimal.NullDecimal `json:"unblended_cost" db:"unblended_cost"`
	Cost           decimal.Decimal     `json:"cost" db:"cost"`
	Tags           Tags                `json:"tags" db:"tags"`
	IngestionDate  time.Time           `json:"ingestion_date" db:"ingestion_date"`
	IsAnomaly      bool                `json:"is_anomaly" db:"is_anomaly"`
	AnomalyScore   decimal.NullDecimal `json:"anomaly_score" db:"anomaly_score"`
}

// UsageDay is the UTC calendar day the item is attributed to: the usage
// start date when known, otherwise the ingestion date.
func (li *LineItem) UsageDay() time.Time {
	t := li.IngestionDate
	if li.UsageStartDate != nil {
		t = *li.UsageStartDate
	}
	return StartOfDay(t)
}

// Usage returns the usage quantity, zero when absent.
func (li *LineItem) Usage() decimal.Decimal {
	if li.UsageQuantity.Valid {
		return li.UsageQuantity.Decimal
	}
	return decimal.Zero
}

// ComputeFingerprint derives the idempotency key for the item within its
// owner's partition. Two rows describing the same charge produce the same key.
func (li *LineItem) ComputeFingerprint() string {
	parts := []string{
		li.UserID,
		li.InvoiceID,
		li.AccountID,
		li.Service,
		li.UsageType,
		li.Operation,
		li.ResourceID,
		formatTime(li.UsageStartDate),
		formatTime(li.UsageEndDate),
		li.Cost.String(),
		li.Usage().String(),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// JobError is a single row-level or stream-level problem recorded on a job.
type JobError struct {
	Row       int       `json:"row"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type JobErrors []JobError

func (e JobErrors) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

func (e *JobErrors) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, e)
}

// IngestionJob tracks one file-processing run.
type IngestionJob struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	FileName      string     `json:"file_name" db:"file_name"`
	FilePath      string     `json:"file_path" db:"file_path"`
	FileSize      int64      `json:"file_size" db:"file_size"`
	Status        JobStatus  `json:"status" db:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs    int64      `json:"duration_ms" db:"duration_ms"`
	RowsProcessed int        `json:"rows_processed" db:"rows_processed"`
	RowsTotal     int        `json:"rows_total" db:"rows_total"`
	RowsSkipped   int        `json:"rows_skipped" db:"rows_skipped"`
	Errors        JobErrors  `json:"errors" db:"errors"`
	UserID        string     `json:"user_id" db:"user_id"`
	CreatedBy     string     `json:"created_by" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// JobProgress is a point-in-time snapshot of a running ingestion job.
type JobProgress struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id"`
	Status        JobStatus `json:"status"`
	RowsTotal     int       `json:"rows_total"`
	RowsProcessed int       `json:"rows_processed"`
	RowsSkipped   int       `json:"rows_skipped"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Aggregate is one rollup row, unique on
// (user_id, date, account_id, service, region, aggregation_type).
type Aggregate struct {
	ID                  uuid.UUID           `json:"id" db:"id"`
	UserID              string              `json:"user_id" db:"user_id"`
	Date                time.Time           `json:"date" db:"date"`
	AccountID           string              `json:"account_id" db:"account_id"`
	Service             string              `json:"service" db:"service"`
	Region              string              `json:"region" db:"region"`
	AggregationType     AggregationType     `json:"aggregation_type" db:"aggregation_type"`
	TotalCost           decimal.Decimal     `json:"total_cost" db:"total_cost"`
	TotalUsageQuantity  decimal.Decimal     `json:"total_usage_quantity" db:"total_usage_quantity"`
	LineItemCount       int                 `json:"line_item_count" db:"line_item_count"`
	PreviousPeriodCost  decimal.NullDecimal `json:"previous_period_cost" db:"previous_period_cost"`
	CostVariance        decimal.NullDecimal `json:"cost_variance" db:"cost_variance"`
	CostVariancePercent decimal.NullDecimal `json:"cost_variance_percent" db:"cost_variance_percent"`
	ComputedAt          time.Time           `json:"computed_at" db:"computed_at"`
}

// Anomaly is one detected cost outlier. Empty AccountID, Service or Region
// mean the anomaly covers all values of that dimension.
type Anomaly struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	UserID          string      `json:"user_id" db:"user_id"`
	Type            AnomalyType `json:"type" db:"type"`
	Severity        Severity    `json:"severity" db:"severity"`
	AccountID       string      `json:"account_id,omitempty" db:"account_id"`
	Service         string      `json:"service,omitempty" db:"service"`
	Region          string      `json:"region,omitempty" db:"region"`
	Date            time.Time   `json:"date" db:"date"`
	Cost            float64     `json:"cost" db:"cost"`
	ExpectedCost    float64     `json:"expected_cost" db:"expected_cost"`
	Variance        float64     `json:"variance" db:"variance"`
	VariancePercent float64     `json:"variance_percent" db:"variance_percent"`
	ZScore          float64     `json:"z_score" db:"z_score"`
	Description     string      `json:"description" db:"description"`
	Acknowledged    bool        `json:"acknowledged" db:"acknowledged"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// Recommendation is one suggested cost action.
type Recommendation struct {
	ID                      uuid.UUID            `json:"id" db:"id"`
	UserID                  string               `json:"user_id" db:"user_id"`
	AccountID               string               `json:"account_id,omitempty" db:"account_id"`
	Type                    RecommendationType   `json:"type" db:"type"`
	Priority                Priority             `json:"priority" db:"priority"`
	Title                   string               `json:"title" db:"title"`
	Description             string               `json:"description" db:"description"`
	CurrentCost             float64              `json:"current_cost" db:"current_cost"`
	EstimatedSavings        float64              `json:"estimated_savings" db:"estimated_savings"`
	EstimatedSavingsPercent float64              `json:"estimated_savings_percent" db:"estimated_savings_percent"`
	ImplementationEffort    Effort               `json:"implementation_effort" db:"implementation_effort"`
	ActionItems             StringArray          `json:"action_items" db:"action_items"`
	Metadata                JSONB                `json:"metadata" db:"metadata"`
	Status                  RecommendationStatus `json:"status" db:"status"`
	GeneratedAt             time.Time            `json:"generated_at" db:"generated_at"`
	ImplementedAt           *time.Time           `json:"implemented_at,omitempty" db:"implemented_at"`
	ImplementedBy           string               `json:"implemented_by,omitempty" db:"implemented_by"`
	UpdatedAt               time.Time            `json:"updated_at" db:"updated_at"`
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth truncates t to the first day of its month, UTC.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// OrUnknown substitutes Unknown for an empty dimension value.
func OrUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
