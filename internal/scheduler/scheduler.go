package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrJobNotFound    = errors.New("scheduled job not found")
)

// Job is a named, scheduled invocation of a handler.
type Job struct {
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"` // cron expression, seconds optional
	Type     JobType `json:"job_type"`
}

type JobType string

const (
	JobTypeProcessPending          JobType = "process_pending"
	JobTypeRebuildAggregates       JobType = "rebuild_aggregates"
	JobTypeDetectAnomalies         JobType = "detect_anomalies"
	JobTypeGenerateRecommendations JobType = "generate_recommendations"
	JobTypeNightly                 JobType = "nightly"
)

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobName   string          `json:"job_name" db:"job_name"`
	JobType   JobType         `json:"job_type" db:"job_type"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler runs a job and returns a short summary of what it did.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store defines the interface for execution history
type Store interface {
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	ListExecutions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error)
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	jobs     map[string]*Job
	entries  map[string]cron.EntryID
	running  bool
	inflight sync.WaitGroup
	mu       sync.RWMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		jobs:     make(map[string]*Job),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandler registers a handler for a job type
func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// AddJob schedules a job, replacing any job with the same name.
func (s *Scheduler) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[job.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	if entryID, ok := s.entries[job.Name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(context.Background(), job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}
	s.entries[job.Name] = entryID
	s.jobs[job.Name] = job

	s.logger.Info("scheduled job",
		"job_name", job.Name,
		"job_type", job.Type,
		"schedule", job.Schedule)
	return nil
}

// RemoveJob unschedules a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
		delete(s.jobs, name)
	}
}

// Start starts the scheduler. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("scheduler already running")
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(s.entries))
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunJobNow runs a scheduled job synchronously.
func (s *Scheduler) RunJobNow(ctx context.Context, name string) (*JobExecution, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.executeJob(ctx, job), nil
}

// Run executes a handler once outside any schedule.
func (s *Scheduler) Run(ctx context.Context, jobType JobType) (*JobExecution, error) {
	s.mu.RLock()
	_, ok := s.handlers[jobType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return s.executeJob(ctx, &Job{Name: string(jobType), Type: jobType}), nil
}

// NextRuns returns the next count run times of a scheduled job.
func (s *Scheduler) NextRuns(name string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now())
	}
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}
	return runs
}

func (s *Scheduler) Executions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListExecutions(ctx, jobName, limit)
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobExecution {
	s.inflight.Add(1)
	defer s.inflight.Done()

	start := s.now()
	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobName:   job.Name,
		JobType:   job.Type,
		Status:    StatusRunning,
		StartedAt: start,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "job_name", job.Name, "error", err)
	}

	s.logger.Info("executing job",
		"job_name", job.Name,
		"job_type", job.Type,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()

	var output string
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	} else {
		output, err = handler(ctx, job)
	}

	end := s.now()
	exec.EndedAt = &end
	exec.Output = output
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_name", job.Name,
			"error", err,
			"duration", end.Sub(start))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_name", job.Name,
			"output", output,
			"duration", end.Sub(start))
	}

	if err := s.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("failed to update execution record", "execution_id", exec.ID, "error", err)
	}
	return exec
}
