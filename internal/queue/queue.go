package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qualys/costwatch/internal/models"
)

const (
	IngestionQueue      = "costwatch:ingestion:pending"
	IngestionProcessing = "costwatch:ingestion:processing"
	IngestionCompleted  = "costwatch:ingestion:completed"
	IngestionFailed     = "costwatch:ingestion:failed"
	WorkerHeartbeatKey  = "costwatch:workers:heartbeat"
	JobProgressPrefix   = "costwatch:job:progress:"

	progressTTL = 24 * time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Queue hands ingestion jobs to workers and keeps live progress snapshots.
type Queue struct {
	client *redis.Client
	now    func() time.Time
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewFromClient(client), nil
}

func NewFromClient(client *redis.Client) *Queue {
	return &Queue{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Job is a queued ingestion job. The authoritative record lives in the store;
// the queue only carries enough to route and report on it.
type Job struct {
	JobID      uuid.UUID `json:"job_id"`
	UserID     string    `json:"user_id"`
	FileName   string    `json:"file_name,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	raw string
}

// member is the sorted set and set entry for the job. A claimed job keeps
// the exact entry it was dequeued with.
func (j *Job) member() (string, error) {
	if j.raw != "" {
		return j.raw, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}
	return string(data), nil
}

// EnqueueIngestion queues a job. Higher priority jobs are dequeued first,
// ties go to the oldest.
func (q *Queue) EnqueueIngestion(ctx context.Context, job *Job) error {
	if job.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	now := q.now()
	job.EnqueuedAt = now
	job.raw = ""

	member, err := job.member()
	if err != nil {
		return err
	}

	score := float64(now.Unix()) - float64(job.Priority*1000)
	if err := q.client.ZAdd(ctx, IngestionQueue, redis.Z{
		Score:  score,
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	if err := q.ReportProgress(ctx, models.JobProgress{
		JobID:  job.JobID,
		UserID: job.UserID,
		Status: models.JobStatusPending,
	}); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}
	return nil
}

// Dequeue claims the next job, or returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	results, err := q.client.ZPopMin(ctx, IngestionQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", results[0].Member)
	}
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	job.raw = member

	if err := q.client.SAdd(ctx, IngestionProcessing, member).Err(); err != nil {
		q.client.ZAdd(ctx, IngestionQueue, results[0])
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	_ = q.ReportProgress(ctx, models.JobProgress{
		JobID:  job.JobID,
		UserID: job.UserID,
		Status: models.JobStatusProcessing,
	})
	return &job, nil
}

// Complete moves a claimed job to the completed or failed set. Failed jobs
// are not retried.
func (q *Queue) Complete(ctx context.Context, job *Job, success bool) error {
	member, err := job.member()
	if err != nil {
		return err
	}

	if err := q.client.SRem(ctx, IngestionProcessing, member).Err(); err != nil {
		return fmt.Errorf("releasing job: %w", err)
	}

	target := IngestionCompleted
	if !success {
		target = IngestionFailed
	}
	if err := q.client.SAdd(ctx, target, member).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}
	return nil
}

// ReportProgress stores the latest snapshot for a job. Snapshots expire so
// abandoned jobs do not accumulate.
func (q *Queue) ReportProgress(ctx context.Context, p models.JobProgress) error {
	p.UpdatedAt = q.now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	if err := q.client.Set(ctx, JobProgressPrefix+p.JobID.String(), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

// GetProgress returns nil when no snapshot exists.
func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, error) {
	data, err := q.client.Get(ctx, JobProgressPrefix+jobID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var p models.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}
	return &p, nil
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, IngestionQueue)
	processing := pipe.SCard(ctx, IngestionProcessing)
	completed := pipe.SCard(ctx, IngestionCompleted)
	failed := pipe.SCard(ctx, IngestionFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}

	return &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, q.now().Unix()).Err()
}

func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	cutoff := q.now().Add(-timeout).Unix()
	var active []string
	for id, lastSeen := range workers {
		ts, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			continue
		}
		if ts > cutoff {
			active = append(active, id)
		}
	}
	return active, nil
}

// FailStaleJobs moves processing jobs whose progress has not moved within
// timeout to the failed set.
func (q *Queue) FailStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	members, err := q.client.SMembers(ctx, IngestionProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	failed := 0
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			continue
		}
		job.raw = member

		p, err := q.GetProgress(ctx, job.JobID)
		if err != nil {
			continue
		}
		if p != nil && q.now().Sub(p.UpdatedAt) <= timeout {
			continue
		}

		if err := q.Complete(ctx, &job, false); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}
