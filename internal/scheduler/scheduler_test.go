package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/store"
	"github.com/qualys/costwatch/internal/store/memory"
)

func TestScheduler_AddJobRejectsUnknownType(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), nil)
	err := s.AddJob(&Job{Name: "mystery", Schedule: "@daily", Type: "reindex"})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = s.Run(context.Background(), "reindex")
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestScheduler_AddJobRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), nil)
	s.RegisterHandler(JobTypeNightly, func(context.Context, *Job) (string, error) { return "", nil })
	assert.Error(t, s.AddJob(&Job{Name: "nightly", Schedule: "every night", Type: JobTypeNightly}))
}

func TestScheduler_RunJobNowRecordsExecution(t *testing.T) {
	ctx := context.Background()
	execs := NewMemoryStore()
	s := NewScheduler(execs, nil)
	s.RegisterHandler(JobTypeRebuildAggregates, func(context.Context, *Job) (string, error) {
		return "users=2", nil
	})
	s.RegisterHandler(JobTypeDetectAnomalies, func(context.Context, *Job) (string, error) {
		return "", errors.New("store unavailable")
	})
	require.NoError(t, s.AddJob(&Job{Name: "rebuild", Schedule: "0 1 * * *", Type: JobTypeRebuildAggregates}))
	require.NoError(t, s.AddJob(&Job{Name: "detect", Schedule: "0 2 * * *", Type: JobTypeDetectAnomalies}))

	ok, err := s.RunJobNow(ctx, "rebuild")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ok.Status)
	assert.Equal(t, "users=2", ok.Output)
	require.NotNil(t, ok.EndedAt)

	failed, err := s.RunJobNow(ctx, "detect")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "store unavailable", failed.Error)

	_, err = s.RunJobNow(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	history, err := s.Executions(ctx, "rebuild", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)

	all, err := s.Executions(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScheduler_StartTwiceAndStop(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), nil)
	s.RegisterHandler(JobTypeNightly, func(context.Context, *Job) (string, error) { return "", nil })
	require.NoError(t, s.AddJob(&Job{Name: "nightly", Schedule: "0 2 * * *", Type: JobTypeNightly}))

	s.Start()
	s.Start()
	assert.True(t, s.Running())

	runs := s.NextRuns("nightly", 3)
	require.Len(t, runs, 3)
	assert.True(t, runs[1].After(runs[0]))

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

func TestScheduler_CronFires(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), nil)
	fired := make(chan struct{}, 1)
	s.RegisterHandler(JobTypeProcessPending, func(context.Context, *Job) (string, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return "", nil
	})
	require.NoError(t, s.AddJob(&Job{Name: "pending", Schedule: "@every 1s", Type: JobTypeProcessPending}))

	s.Start()
	defer s.Stop()
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

type fakePending struct{ err error }

func (f fakePending) ProcessPending(ctx context.Context) (*ingestion.PendingSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ingestion.PendingSummary{Jobs: 2, Processed: 40, Skipped: 1, Failed: 1}, nil
}

type fakeRebuilder struct {
	mu    sync.Mutex
	users []string
	fail  string
}

func (f *fakeRebuilder) RebuildAggregates(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if userID == f.fail {
		return errors.New("rebuild failed")
	}
	return nil
}

type staticUsers []string

func (u staticUsers) ListLineItemOwners(ctx context.Context) ([]string, error) { return u, nil }

func TestTasks_EachUserContinuesPastFailure(t *testing.T) {
	rb := &fakeRebuilder{fail: "u2"}
	tasks := &Tasks{Aggregation: rb, Users: staticUsers{"u1", "u2", "u3"}}

	out, err := tasks.RebuildAggregates(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "user u2")
	assert.Equal(t, []string{"u1", "u2", "u3"}, rb.users)
	assert.Equal(t, "users=2", out)
}

func TestTasks_ProcessPendingSummary(t *testing.T) {
	tasks := &Tasks{Ingestion: fakePending{}}
	out, err := tasks.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jobs=2 processed=40 skipped=1 failed=1", out)

	tasks.Ingestion = fakePending{err: errors.New("listing jobs: timeout")}
	_, err = tasks.ProcessPending(context.Background())
	assert.Error(t, err)
}

func TestTasks_NightlyWithoutLogger(t *testing.T) {
	tasks := &Tasks{
		Ingestion:   fakePending{err: errors.New("store down")},
		Aggregation: &fakeRebuilder{},
		Users:       staticUsers{},
	}

	var out string
	var err error
	require.NotPanics(t, func() {
		out, err = tasks.Nightly(context.Background())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process_pending")
	assert.Contains(t, out, "rebuild_aggregates: users=0")
	assert.Contains(t, out, "generate_recommendations: recommendations=0")
}

func writeBilling(t *testing.T, dir string) string {
	t.Helper()
	body := "InvoiceID,LinkedAccountId,ProductName,UsageType,AvailabilityZone,UsageStartDate,UsageQuantity,UnBlendedCost,ResourceId\n"
	start := models.StartOfDay(time.Now().UTC()).AddDate(0, 0, -9)
	for i := 0; i < 9; i++ {
		cost := "10.00"
		if i == 8 {
			cost = "90.00"
		}
		day := start.AddDate(0, 0, i).Format("2006-01-02 15:04:05")
		body += "INV-1,111111111111,Amazon Elastic Compute Cloud,USE1-BoxUsage:m5.large,us-east-1a," + day + ",24," + cost + ",i-1\n"
	}
	path := filepath.Join(dir, "billing.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTasks_NightlyEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := aggregation.NewEngine(s, nil)
	pipeline := ingestion.NewPipeline(s, agg, ingestion.Config{}, nil)
	_, err := pipeline.CreateJob(ctx, ingestion.JobRequest{
		FileName: "billing.csv",
		FilePath: writeBilling(t, t.TempDir()),
		UserID:   "u1",
	})
	require.NoError(t, err)

	tasks := &Tasks{
		Ingestion:       pipeline,
		Aggregation:     agg,
		Anomalies:       anomaly.NewService(s, anomaly.Config{Threshold: 2.0}, nil),
		Recommendations: recommendation.NewEngine(s, 30, nil),
		Users:           s,
	}
	sched := NewScheduler(NewMemoryStore(), nil)
	tasks.Register(sched)

	exec, err := sched.Run(ctx, JobTypeNightly)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status, exec.Error)
	assert.Contains(t, exec.Output, "process_pending: jobs=1 processed=9")
	assert.Contains(t, exec.Output, "detect_anomalies: anomalies=1")

	daily, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	assert.Len(t, daily, 9)

	recs, total, err := s.ListRecommendations(ctx, store.RecommendationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.RecommendationRightsizing, recs[0].Type)
}

func TestPostgresStore_Executions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ps := NewPostgresStore(sqlx.NewDb(db, "postgres"))
	ctx := context.Background()

	exec := &JobExecution{JobName: "nightly", JobType: JobTypeNightly, Status: StatusRunning, StartedAt: time.Now()}
	mock.ExpectExec("INSERT INTO job_executions").
		WithArgs(sqlmock.AnyArg(), "nightly", "nightly", "running", sqlmock.AnyArg(), "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ps.CreateExecution(ctx, exec))
	assert.NotEmpty(t, exec.ID)

	mock.ExpectQuery("SELECT id, job_name, job_type, status, started_at, ended_at, error, output").
		WithArgs("nightly", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_name", "job_type", "status", "started_at", "ended_at", "error", "output"}).
			AddRow(exec.ID, "nightly", "nightly", "completed", exec.StartedAt, nil, "", "ok"))
	execs, err := ps.ListExecutions(ctx, "nightly", 5)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, StatusCompleted, execs[0].Status)
	assert.Nil(t, execs[0].EndedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}
