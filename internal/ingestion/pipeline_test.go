package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
	"github.com/qualys/costwatch/internal/store/memory"
)

const billingHeader = "InvoiceID,LinkedAccountId,ProductName,UsageType,AvailabilityZone,UsageStartDate,UsageQuantity,UnBlendedCost,ResourceId,user:Team\n"

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

type recordingAggregator struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (a *recordingAggregator) RebuildAggregates(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, userID)
	return a.err
}

type recordingProgress struct {
	snapshots []models.JobProgress
}

func (p *recordingProgress) ReportProgress(ctx context.Context, snap models.JobProgress) error {
	p.snapshots = append(p.snapshots, snap)
	return nil
}

func newJob(t *testing.T, s Store, userID, path string) *models.IngestionJob {
	t.Helper()
	job := &models.IngestionJob{FileName: filepath.Base(path), FilePath: path, UserID: userID}
	require.NoError(t, s.CreateIngestionJob(context.Background(), job))
	return job
}

func sampleBody() string {
	return billingHeader +
		"INV-1,111111111111,Amazon Elastic Compute Cloud,USE1-BoxUsage:t3.large,us-east-1a,2024-03-01 00:00:00,1,0.0832,i-1,platform\n" +
		"INV-1,111111111111,Amazon Elastic Compute Cloud,USE1-BoxUsage:t3.large,us-east-1a,2024-03-01 01:00:00,1,0.0832,i-1,platform\n" +
		"INV-1,,,,,,,5.00,,\n" +
		"INV-1,222222222222,Amazon Simple Storage Service,EU-WEST-2-TimedStorage-ByteHrs,,2024-03-02 00:00:00,100,1.10,bucket-a,data\n"
}

func TestProcessFile_IngestsValidRowsAndSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := &recordingAggregator{}
	progress := &recordingProgress{}
	p := NewPipeline(s, agg, Config{}, nil)
	p.SetProgressReporter(progress)

	path := writeCSV(t, sampleBody())
	job := newJob(t, s, "u1", path)

	res, err := p.ProcessFile(ctx, path, job.ID, Options{ChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, &Result{Processed: 3, Skipped: 1, Total: 4}, res)
	assert.Equal(t, []string{"u1"}, agg.users)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 4, got.RowsTotal)
	assert.Equal(t, 3, got.RowsProcessed)
	assert.Equal(t, 1, got.RowsSkipped)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, 3, got.Errors[0].Row, "row numbers count data rows from 1")

	items, err := s.ListLineItems(ctx, store.LineItemFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, li := range items {
		assert.Equal(t, "u1", li.UserID)
		assert.Equal(t, job.ID, li.IngestionJobID)
		assert.NotEmpty(t, li.Fingerprint)
		assert.False(t, li.IngestionDate.IsZero())
	}

	require.NotEmpty(t, progress.snapshots)
	last := progress.snapshots[len(progress.snapshots)-1]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, 3, last.RowsProcessed)
}

func TestProcessFile_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	engine := aggregation.NewEngine(s, nil)
	p := NewPipeline(s, engine, Config{ChunkSize: 2}, nil)
	path := writeCSV(t, sampleBody())

	first := newJob(t, s, "u1", path)
	_, err := p.ProcessFile(ctx, path, first.ID, Options{})
	require.NoError(t, err)
	before, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)

	second := newJob(t, s, "u1", path)
	res, err := p.ProcessFile(ctx, path, second.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 4, res.Skipped, "duplicates count as skipped")

	items, err := s.ListLineItems(ctx, store.LineItemFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	after, err := s.ListAggregates(ctx, store.AggregateFilter{UserID: "u1", Type: models.AggregationDaily})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].TotalCost.Equal(after[i].TotalCost))
	}

	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Cost)
	}
	aggTotal := decimal.Zero
	for _, a := range after {
		aggTotal = aggTotal.Add(a.TotalCost)
	}
	assert.True(t, total.Equal(aggTotal))
}

func TestProcessFile_SameRowsDifferentUsersAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)
	path := writeCSV(t, sampleBody())

	for _, user := range []string{"u1", "u2"} {
		job := newJob(t, s, user, path)
		res, err := p.ProcessFile(ctx, path, job.ID, Options{})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Processed)
	}
}

func TestProcessFile_UserRequired(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)

	job := newJob(t, s, "", "/does/not/exist.csv")
	_, err := p.ProcessFile(ctx, job.FilePath, job.ID, Options{})
	assert.ErrorIs(t, err, ErrUserRequired)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status, "job untouched")
}

func TestProcessFile_ExplicitUserWins(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := &recordingAggregator{}
	p := NewPipeline(s, agg, Config{}, nil)
	path := writeCSV(t, sampleBody())

	job := newJob(t, s, "owner", path)
	_, err := p.ProcessFile(ctx, path, job.ID, Options{UserID: "override"})
	require.NoError(t, err)

	items, err := s.ListLineItems(ctx, store.LineItemFilter{UserID: "override"})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, []string{"override"}, agg.users)
}

func TestProcessFile_UnknownJob(t *testing.T) {
	p := NewPipeline(memory.New(), nil, Config{}, nil)
	_, err := p.ProcessFile(context.Background(), "x.csv", uuid.New(), Options{UserID: "u1"})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessFile_MissingFileFailsJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := &recordingAggregator{}
	p := NewPipeline(s, agg, Config{}, nil)

	path := filepath.Join(t.TempDir(), "missing.csv")
	job := newJob(t, s, "u1", path)

	_, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, agg.users)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Message, "missing.csv")
}

func TestProcessFile_EmptyFileFailsWithoutError(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := &recordingAggregator{}
	p := NewPipeline(s, agg, Config{}, nil)

	for name, body := range map[string]string{"no bytes": "", "header only": billingHeader} {
		t.Run(name, func(t *testing.T) {
			path := writeCSV(t, body)
			job := newJob(t, s, "u1", path)

			res, err := p.ProcessFile(ctx, path, job.ID, Options{})
			require.NoError(t, err)
			assert.Equal(t, &Result{}, res)

			got, err := s.GetIngestionJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, got.Status)
		})
	}
	assert.Empty(t, agg.users)
}

func TestProcessFile_RaggedRowsTolerated(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)

	body := "\ufeffLinkedAccountId,ProductName,UnBlendedCost\n" +
		"111,AmazonEC2\n" +
		"111,AmazonS3,2.50,extra,cells\n" +
		"222,AmazonRDS,\"1.00\"\n"
	path := writeCSV(t, body)
	job := newJob(t, s, "u1", path)

	res, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Processed)

	items, err := s.ListLineItems(ctx, store.LineItemFilter{UserID: "u1", Service: "AmazonS3"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "111", items[0].AccountID, "BOM stripped from first header")
	assert.True(t, items[0].Cost.Equal(decimal.RequireFromString("2.50")))
}

func TestProcessFile_ErrorListCapped(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)

	var b strings.Builder
	b.WriteString(billingHeader)
	b.WriteString("INV-1,111111111111,AmazonEC2,BoxUsage,us-east-1a,2024-03-01,1,1.00,i-1,\n")
	for i := 0; i < 150; i++ {
		b.WriteString(",,,,,,,,,\n")
	}
	path := writeCSV(t, b.String())
	job := newJob(t, s, "u1", path)

	res, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 150, res.Skipped)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Errors, models.MaxJobErrors)
	assert.Equal(t, 2, got.Errors[0].Row)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

// failingStore rejects line item writes.
type failingStore struct {
	*memory.Store
}

func (f failingStore) InsertLineItems(ctx context.Context, items []models.LineItem) (int, error) {
	return 0, errors.New("disk full")
}

func TestProcessFile_StorageErrorPropagates(t *testing.T) {
	ctx := context.Background()
	s := failingStore{memory.New()}
	p := NewPipeline(s, nil, Config{}, nil)
	path := writeCSV(t, sampleBody())
	job := newJob(t, s, "u1", path)

	_, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestProcessFile_AggregationErrorKeepsJobCompleted(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, &recordingAggregator{err: errors.New("boom")}, Config{}, nil)
	path := writeCSV(t, sampleBody())
	job := newJob(t, s, "u1", path)

	res, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.Error(t, err)
	assert.Equal(t, 3, res.Processed)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)
	path := writeCSV(t, sampleBody())

	job, err := p.CreateJob(ctx, JobRequest{FilePath: path, UserID: "u1", CreatedBy: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "billing.csv", job.FileName)
	assert.Equal(t, int64(len(sampleBody())), job.FileSize)

	_, err = p.CreateJob(ctx, JobRequest{FilePath: path})
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = p.CreateJob(ctx, JobRequest{FilePath: path + ".nope", UserID: "u1"})
	assert.Error(t, err)

	_, err = p.GetJob(ctx, "someone-else", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessPending_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agg := &recordingAggregator{}
	p := NewPipeline(s, agg, Config{}, nil)

	good := writeCSV(t, sampleBody())
	newJob(t, s, "u1", filepath.Join(t.TempDir(), "gone.csv"))
	newJob(t, s, "u2", good)

	summary, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, &PendingSummary{Jobs: 2, Processed: 3, Skipped: 1, Failed: 1}, summary)
	assert.Equal(t, []string{"u2"}, agg.users)

	again, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Jobs, fmt.Sprintf("no pending jobs left: %+v", again))
}

func TestProcessFile_FatalErrorStaysWithinCap(t *testing.T) {
	ctx := context.Background()
	s := failingStore{memory.New()}
	p := NewPipeline(s, nil, Config{}, nil)

	var b strings.Builder
	b.WriteString(billingHeader)
	for i := 0; i < 150; i++ {
		b.WriteString(",,,,,,,,,\n")
	}
	b.WriteString("INV-1,111111111111,AmazonEC2,BoxUsage,us-east-1a,2024-03-01,1,1.00,i-1,\n")
	path := writeCSV(t, b.String())
	job := newJob(t, s, "u1", path)

	_, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.Error(t, err)

	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, models.MaxJobErrors)
	assert.Contains(t, got.Errors[len(got.Errors)-1].Message, "disk full")
	assert.Equal(t, 1, got.Errors[0].Row)
}

func TestProcessFile_OneUnknownDimensionIsKept(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)

	body := billingHeader +
		",,Amazon Simple Storage Service,TimedStorage-ByteHrs,,2024-03-01,1,2.00,bucket-a,\n" +
		"INV-1,111111111111,,,,2024-03-01,1,3.00,,\n" +
		"INV-1,,,,,2024-03-01,1,4.00,,\n"
	path := writeCSV(t, body)
	job := newJob(t, s, "u1", path)

	res, err := p.ProcessFile(ctx, path, job.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, &Result{Processed: 2, Skipped: 1, Total: 3}, res)

	items, err := s.ListLineItems(ctx, store.LineItemFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, li := range items {
		assert.False(t, li.AccountID == models.Unknown && li.Service == models.Unknown)
	}
}

func TestClaimForQueue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	p := NewPipeline(s, nil, Config{}, nil)
	job := newJob(t, s, "u1", writeCSV(t, sampleBody()))

	_, err := p.ClaimForQueue(ctx, "u2", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	claimed, err := p.ClaimForQueue(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, claimed.Status)

	_, err = p.ClaimForQueue(ctx, "u1", job.ID)
	assert.ErrorIs(t, err, ErrJobBusy)

	summary, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Jobs, "queued jobs belong to the workers")

	require.NoError(t, p.ReleaseClaim(ctx, claimed))
	got, err := s.GetIngestionJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
}
