package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL scheduler store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateExecution creates a job execution record
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_name, job_type, status, started_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exec.ID, exec.JobName, string(exec.JobType), string(exec.Status), exec.StartedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// UpdateExecution updates a job execution record
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions, newest first. An empty
// name lists every job.
func (s *PostgresStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_name, job_type, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE ($1 = '' OR job_name = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return execs, nil
}

// MemoryStore keeps execution history in process.
type MemoryStore struct {
	mu    sync.Mutex
	execs []JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	s.execs = append(s.execs, *exec)
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.execs {
		if s.execs[i].ID == exec.ID {
			s.execs[i] = *exec
			return nil
		}
	}
	return fmt.Errorf("execution %s not found", exec.ID)
}

func (s *MemoryStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]*JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*JobExecution
	for i := range s.execs {
		if jobName == "" || s.execs[i].JobName == jobName {
			e := s.execs[i]
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
