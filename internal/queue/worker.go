package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor runs one ingestion job to completion.
type Processor interface {
	ProcessJob(ctx context.Context, jobID uuid.UUID) error
}

// JobSource is the part of the queue a worker consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job, success bool) error
	WorkerHeartbeat(ctx context.Context, workerID string) error
	FailStaleJobs(ctx context.Context, timeout time.Duration) (int, error)
}

type WorkerConfig struct {
	Queue     JobSource
	Processor Processor
	Logger    *slog.Logger

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

type Worker struct {
	id        string
	queue     JobSource
	processor Processor
	logger    *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:                workerID,
		queue:             cfg.Queue,
		processor:         cfg.Processor,
		logger:            logger.With("worker_id", workerID),
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting")

	w.wg.Add(3)
	go w.heartbeatLoop()
	go w.processLoop()
	go w.staleLoop()

	return nil
}

// Stop cancels the loops and waits for the job in flight to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.WorkerHeartbeat(w.ctx, w.id); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		processed, err := w.RunOnce(w.ctx)
		if err != nil {
			w.logger.Error("error dequeuing job", "error", err)
			w.sleep(5 * w.pollInterval)
			continue
		}
		if !processed {
			w.sleep(w.pollInterval)
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed; a job that fails is recorded as failed, not returned as an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.JobID, "user_id", job.UserID)
	log.Info("processing ingestion job")

	start := time.Now()
	procErr := w.processor.ProcessJob(ctx, job.JobID)
	if procErr != nil {
		log.Error("ingestion job failed", "error", procErr, "duration", time.Since(start))
	} else {
		log.Info("ingestion job completed", "duration", time.Since(start))
	}

	// Record the outcome even when ctx was cancelled mid-job.
	doneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.queue.Complete(doneCtx, job, procErr == nil); err != nil {
		log.Error("failed to record job outcome", "error", err)
	}
	return true, nil
}

func (w *Worker) staleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.FailStaleJobs(w.ctx, w.staleAfter)
			if err != nil {
				w.logger.Error("error failing stale jobs", "error", err)
			} else if n > 0 {
				w.logger.Warn("failed stale jobs", "count", n)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
	case <-t.C:
	}
}
