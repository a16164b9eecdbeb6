// Package ingestion streams AWS billing CSV files into normalized line items
// and tracks each run as an ingestion job.
package ingestion

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/normalizer"
	"github.com/qualys/costwatch/internal/store"
)

const DefaultChunkSize = 1000

var (
	ErrUserRequired = errors.New("ingestion job has no owning user")
	ErrJobNotFound  = errors.New("ingestion job not found")
	ErrJobBusy      = errors.New("ingestion job is already queued or processing")
)

type Store interface {
	CreateIngestionJob(ctx context.Context, job *models.IngestionJob) error
	GetIngestionJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	UpdateIngestionJob(ctx context.Context, job *models.IngestionJob) error
	ListIngestionJobs(ctx context.Context, filter store.JobFilter) ([]models.IngestionJob, error)
	InsertLineItems(ctx context.Context, items []models.LineItem) (int, error)
}

// Aggregator rebuilds a user's rollups after new line items land.
type Aggregator interface {
	RebuildAggregates(ctx context.Context, userID string) error
}

// ProgressReporter receives a snapshot after every flushed batch.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, p models.JobProgress) error
}

type Config struct {
	ChunkSize int
	MaxErrors int
}

type Options struct {
	ChunkSize int
	UserID    string
}

type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

type Pipeline struct {
	store      Store
	aggregator Aggregator
	progress   ProgressReporter
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(store Store, aggregator Aggregator, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = models.MaxJobErrors
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      store,
		aggregator: aggregator,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetProgressReporter attaches a sink for per-batch progress snapshots.
func (p *Pipeline) SetProgressReporter(r ProgressReporter) {
	p.progress = r
}

// ProcessFile ingests one CSV file on behalf of the job. The owning user is
// opts.UserID when set, otherwise the job's owner. Row-level problems are
// recorded on the job; only stream and storage failures are returned.
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string, jobID uuid.UUID, opts Options) (*Result, error) {
	job, err := p.store.GetIngestionJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading ingestion job: %w", err)
	}

	userID := opts.UserID
	if userID == "" {
		userID = job.UserID
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.cfg.ChunkSize
	}

	run := &run{
		pipeline:  p,
		job:       job,
		userID:    userID,
		chunkSize: chunkSize,
		batch:     make([]models.LineItem, 0, chunkSize),
	}

	started := p.now()
	job.Status = models.JobStatusProcessing
	job.StartedAt = &started
	job.CompletedAt = nil
	job.Errors = nil
	if err := p.store.UpdateIngestionJob(ctx, job); err != nil {
		return nil, fmt.Errorf("marking job processing: %w", err)
	}

	p.logger.Info("ingestion started",
		"job_id", jobID,
		"user_id", userID,
		"file", filePath,
		"chunk_size", chunkSize,
	)

	if err := run.stream(ctx, filePath); err != nil {
		run.fail(ctx, err)
		return run.result(), err
	}

	if err := run.finish(ctx); err != nil {
		return run.result(), err
	}

	res := run.result()
	if res.Processed > 0 && p.aggregator != nil {
		if err := p.aggregator.RebuildAggregates(ctx, userID); err != nil {
			return res, fmt.Errorf("rebuilding aggregates: %w", err)
		}
	}
	return res, nil
}

// ProcessJob ingests a previously registered job from its stored path.
func (p *Pipeline) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.GetIngestionJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("loading ingestion job: %w", err)
	}
	_, err = p.ProcessFile(ctx, job.FilePath, job.ID, Options{})
	return err
}

// run holds the mutable state of one ProcessFile call.
type run struct {
	pipeline  *Pipeline
	job       *models.IngestionJob
	userID    string
	chunkSize int

	batch     []models.LineItem
	total     int
	processed int
	skipped   int
}

func (r *run) result() *Result {
	return &Result{Processed: r.processed, Skipped: r.skipped, Total: r.total}
}

func (r *run) addError(row int, msg string) {
	if len(r.job.Errors) >= r.pipeline.cfg.MaxErrors {
		return
	}
	r.job.Errors = append(r.job.Errors, models.JobError{
		Row:       row,
		Message:   msg,
		Timestamp: r.pipeline.now(),
	})
}

// stream reads the file one record at a time. Writes happen inline, so the
// reader is idle while a batch is in flight and memory stays bounded by the
// chunk size.
func (r *run) stream(ctx context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		r.job.FileSize = info.Size()
	}

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	header = cleanHeader(header)

	ingestedAt := r.pipeline.now()
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading row %d: %w", r.total+1, err)
		}
		r.total++

		item := normalizer.Normalize(normalizer.NewRow(header, record), r.job.ID)
		item.UserID = r.userID
		item.IngestionDate = ingestedAt
		if msg := validate(&item); msg != "" {
			r.skipped++
			r.addError(r.total, msg)
			continue
		}
		item.Fingerprint = item.ComputeFingerprint()

		r.batch = append(r.batch, item)
		if len(r.batch) >= r.chunkSize {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
	}
	return r.flush(ctx)
}

func (r *run) flush(ctx context.Context) error {
	if len(r.batch) == 0 {
		return nil
	}
	inserted, err := r.pipeline.store.InsertLineItems(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("writing batch ending at row %d: %w", r.total, err)
	}
	// Rows the store already held for this user are duplicates, not failures.
	r.processed += inserted
	r.skipped += len(r.batch) - inserted
	r.batch = r.batch[:0]

	r.report(ctx, models.JobStatusProcessing)
	return nil
}

func (r *run) report(ctx context.Context, status models.JobStatus) {
	if r.pipeline.progress == nil {
		return
	}
	err := r.pipeline.progress.ReportProgress(ctx, models.JobProgress{
		JobID:         r.job.ID,
		UserID:        r.userID,
		Status:        status,
		RowsTotal:     r.total,
		RowsProcessed: r.processed,
		RowsSkipped:   r.skipped,
		UpdatedAt:     r.pipeline.now(),
	})
	if err != nil {
		r.pipeline.logger.Warn("failed to report progress", "job_id", r.job.ID, "error", err)
	}
}

func (r *run) stamp(status models.JobStatus) {
	completed := r.pipeline.now()
	r.job.Status = status
	r.job.CompletedAt = &completed
	if r.job.StartedAt != nil {
		r.job.DurationMs = completed.Sub(*r.job.StartedAt).Milliseconds()
	}
	r.job.RowsTotal = r.total
	r.job.RowsProcessed = r.processed
	r.job.RowsSkipped = r.skipped
}

func (r *run) finish(ctx context.Context) error {
	status := models.JobStatusFailed
	if r.processed > 0 {
		status = models.JobStatusCompleted
	}
	r.stamp(status)
	if err := r.pipeline.store.UpdateIngestionJob(ctx, r.job); err != nil {
		return fmt.Errorf("finalizing job: %w", err)
	}
	r.report(ctx, status)

	r.pipeline.logger.Info("ingestion finished",
		"job_id", r.job.ID,
		"user_id", r.userID,
		"status", status,
		"total", r.total,
		"processed", r.processed,
		"skipped", r.skipped,
		"duration_ms", r.job.DurationMs,
	)
	return nil
}

// fail records a fatal stream error on the job. The update uses a fresh
// context so a cancelled caller still leaves the job in a terminal state.
func (r *run) fail(ctx context.Context, cause error) {
	r.stamp(models.JobStatusFailed)
	// The fatal entry is always kept and counts toward the cap.
	if limit := r.pipeline.cfg.MaxErrors - 1; len(r.job.Errors) > limit {
		r.job.Errors = r.job.Errors[:max(limit, 0)]
	}
	r.job.Errors = append(r.job.Errors, models.JobError{
		Row:       r.total,
		Message:   cause.Error(),
		Timestamp: r.pipeline.now(),
	})

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.pipeline.store.UpdateIngestionJob(updateCtx, r.job); err != nil {
		r.pipeline.logger.Error("failed to mark job failed", "job_id", r.job.ID, "error", err)
	}
	r.report(updateCtx, models.JobStatusFailed)

	r.pipeline.logger.Error("ingestion failed",
		"job_id", r.job.ID,
		"user_id", r.userID,
		"rows", r.total,
		"error", cause,
	)
}

// validate returns a reason when the item cannot be stored.
func validate(li *models.LineItem) string {
	switch {
	case li.AccountID == "":
		return "missing account id"
	case li.Service == "":
		return "missing service"
	// The normalizer fills both with "unknown" rather than leaving them
	// empty. A row that resolves neither carries no billing attribution, so
	// it is rejected here instead of landing in an unknown/unknown bucket.
	case li.AccountID == models.Unknown && li.Service == models.Unknown:
		return "row has neither an account nor a product"
	}
	return ""
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
	}
	if len(out) > 0 {
		out[0] = strings.TrimPrefix(out[0], "\ufeff")
	}
	return out
}

type JobRequest struct {
	FileName  string
	FilePath  string
	UserID    string
	CreatedBy string
}

// CreateJob registers an uploaded file as a pending ingestion job.
func (p *Pipeline) CreateJob(ctx context.Context, req JobRequest) (*models.IngestionJob, error) {
	if req.UserID == "" {
		return nil, ErrUserRequired
	}
	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("checking upload: %w", err)
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.FilePath)
	}

	job := &models.IngestionJob{
		ID:        uuid.New(),
		FileName:  req.FileName,
		FilePath:  req.FilePath,
		FileSize:  info.Size(),
		Status:    models.JobStatusPending,
		UserID:    req.UserID,
		CreatedBy: req.CreatedBy,
	}
	if err := p.store.CreateIngestionJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating ingestion job: %w", err)
	}
	return job, nil
}

// GetJob returns a job only when it belongs to userID.
func (p *Pipeline) GetJob(ctx context.Context, userID string, id uuid.UUID) (*models.IngestionJob, error) {
	job, err := p.store.GetIngestionJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != userID) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading ingestion job: %w", err)
	}
	return job, nil
}

// ClaimForQueue marks a job queued before it is handed to the workers so
// ProcessPending leaves it alone.
func (p *Pipeline) ClaimForQueue(ctx context.Context, userID string, id uuid.UUID) (*models.IngestionJob, error) {
	job, err := p.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusQueued || job.Status == models.JobStatusProcessing {
		return nil, ErrJobBusy
	}
	job.Status = models.JobStatusQueued
	if err := p.store.UpdateIngestionJob(ctx, job); err != nil {
		return nil, fmt.Errorf("marking job queued: %w", err)
	}
	return job, nil
}

// ReleaseClaim returns a queued job to pending after a failed enqueue.
func (p *Pipeline) ReleaseClaim(ctx context.Context, job *models.IngestionJob) error {
	if job.Status != models.JobStatusQueued {
		return nil
	}
	job.Status = models.JobStatusPending
	if err := p.store.UpdateIngestionJob(ctx, job); err != nil {
		return fmt.Errorf("releasing queued job: %w", err)
	}
	return nil
}

type PendingSummary struct {
	Jobs      int `json:"jobs"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ProcessPending drains every pending job oldest first. A failing job is
// logged and counted; it does not stop the remaining jobs.
func (p *Pipeline) ProcessPending(ctx context.Context) (*PendingSummary, error) {
	jobs, err := p.store.ListIngestionJobs(ctx, store.JobFilter{Status: models.JobStatusPending})
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}

	summary := &PendingSummary{Jobs: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, err := p.ProcessFile(ctx, job.FilePath, job.ID, Options{})
		if res != nil {
			summary.Processed += res.Processed
			summary.Skipped += res.Skipped
		}
		if err != nil {
			summary.Failed++
			p.logger.Error("pending job failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
		}
	}
	return summary, nil
}
