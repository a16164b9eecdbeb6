package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/config"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/queue"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/reports"
	"github.com/qualys/costwatch/internal/store/memory"
)

type testEnv struct {
	t        *testing.T
	server   *Server
	store    *memory.Store
	pipeline *ingestion.Pipeline
	auth     *auth.Service
}

func newTestEnv(t *testing.T, q Enqueuer) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.CORSAllowOrigin = "https://costwatch.test"
	cfg.Ingestion.UploadDir = t.TempDir()

	st := memory.New()
	agg := aggregation.NewEngine(st, nil)
	authSvc := auth.NewService(auth.Config{JWTSecret: "test-secret"})
	pipeline := ingestion.NewPipeline(st, agg, ingestion.Config{}, nil)

	srv, err := NewServer(cfg, Services{
		Store:           st,
		Ingestion:       pipeline,
		Queue:           q,
		Aggregation:     agg,
		Anomalies:       anomaly.NewService(st, anomaly.Config{}, nil),
		Recommendations: recommendation.NewEngine(st, 0, nil),
		Reports:         reports.NewGenerator(agg, st, nil),
		Auth:            authSvc,
	})
	require.NoError(t, err)
	return &testEnv{t: t, server: srv, store: st, pipeline: pipeline, auth: authSvc}
}

func (e *testEnv) do(userID, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	e.t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		token, err := e.auth.IssueToken(userID, userID+"@example.com")
		require.NoError(e.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(userID, method, path string, payload interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(payload))
	}
	return e.do(userID, method, path, &buf, "application/json")
}

func (e *testEnv) upload(userID, name, content string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(e.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(e.t, err)
	require.NoError(e.t, mw.Close())
	return e.do(userID, http.MethodPost, "/api/v1/ingestion/jobs", &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) (T, *apiMeta) {
	t.Helper()
	var resp struct {
		Success bool      `json:"success"`
		Data    T         `json:"data"`
		Error   *apiError `json:"error"`
		Meta    *apiMeta  `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data, resp.Meta
}

// billingCSV has two m5.large instances running two days ago, enough to
// trigger a rightsizing recommendation.
func billingCSV() string {
	day := time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02 15:04:05")
	var b strings.Builder
	b.WriteString("InvoiceID,LinkedAccountId,ProductName,UsageType,AvailabilityZone,UsageStartDate,UsageQuantity,UnBlendedCost,ResourceId\n")
	fmt.Fprintf(&b, "inv-1,111111111111,Amazon Elastic Compute Cloud,BoxUsage:m5.large,us-east-1a,%s,24,12.00,i-1\n", day)
	fmt.Fprintf(&b, "inv-1,111111111111,Amazon Elastic Compute Cloud,BoxUsage:m5.large,us-east-1a,%s,24,12.00,i-2\n", day)
	fmt.Fprintf(&b, "inv-1,111111111111,Amazon Simple Storage Service,Requests-Tier1,us-east-1a,%s,1000,0.50,\n", day)
	return b.String()
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("", http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("", http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://costwatch.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("", http.MethodGet, "/api/v1/anomalies", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestAnalyzeReport(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload("u1", "march.csv", billingCSV())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job, _ := decode[models.IngestionJob](t, rec)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "march.csv", job.FileName)
	assert.Equal(t, "u1", job.UserID)

	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done, _ := decode[models.IngestionJob](t, rec)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 3, done.RowsProcessed)

	rec = env.do("u1", http.MethodGet, "/api/v1/costs/summary?group_by=service", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary, _ := decode[aggregation.Summary](t, rec)
	assert.True(t, summary.TotalCost.Equal(decimal.RequireFromString("24.5")), summary.TotalCost.String())
	require.Len(t, summary.Items, 2)
	assert.Equal(t, "Amazon Elastic Compute Cloud", summary.Items[0].Key)
	assert.Equal(t, aggregation.SourceAggregates, summary.Source)

	rec = env.doJSON("u1", http.MethodPost, "/api/v1/anomalies/detect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	anomalies, _ := decode[[]models.Anomaly](t, rec)
	assert.Empty(t, anomalies, "one day of history is not enough")

	rec = env.doJSON("u1", http.MethodPost, "/api/v1/recommendations/generate", map[string]int{"lookback_days": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	recs, _ := decode[[]models.Recommendation](t, rec)
	require.Len(t, recs, 1)
	assert.Equal(t, models.RecommendationRightsizing, recs[0].Type)

	rec = env.doJSON("u1", http.MethodPatch, "/api/v1/recommendations/"+recs[0].ID.String()+"/status",
		map[string]string{"status": "implemented"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated, _ := decode[models.Recommendation](t, rec)
	assert.Equal(t, models.RecommendationImplemented, updated.Status)
	assert.Equal(t, "u1@example.com", updated.ImplementedBy)
	require.NotNil(t, updated.ImplementedAt)

	rec = env.do("u1", http.MethodGet, "/api/v1/recommendations?status=implemented", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed, meta := decode[[]models.Recommendation](t, rec)
	assert.Len(t, listed, 1)
	assert.Equal(t, 1, meta.Total)

	rec = env.do("u1", http.MethodGet, "/api/v1/reports/cost.pdf", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = env.do("u1", http.MethodGet, "/api/v1/reports/cost.csv", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Amazon Elastic Compute Cloud,24.00")
}

func TestUserIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload("u1", "billing.csv", billingCSV())
	require.Equal(t, http.StatusCreated, rec.Code)
	job, _ := decode[models.IngestionJob](t, rec)

	rec = env.do("u2", http.MethodGet, "/api/v1/ingestion/jobs/"+job.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("u2", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("u2", http.MethodGet, "/api/v1/costs/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary, _ := decode[aggregation.Summary](t, rec)
	assert.True(t, summary.TotalCost.IsZero())
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"bad job id", http.MethodGet, "/api/v1/ingestion/jobs/nope", nil, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/ingestion/jobs/" + uuid.NewString(), nil, http.StatusNotFound},
		{"bad group by", http.MethodGet, "/api/v1/costs/summary?group_by=tag", nil, http.StatusBadRequest},
		{"bad date", http.MethodGet, "/api/v1/costs/summary?from=03/01/2024", nil, http.StatusBadRequest},
		{"inverted range", http.MethodGet, "/api/v1/costs/summary?from=2024-03-10&to=2024-03-01", nil, http.StatusBadRequest},
		{"bad acknowledged", http.MethodGet, "/api/v1/anomalies?acknowledged=maybe", nil, http.StatusBadRequest},
		{"unknown anomaly", http.MethodPost, "/api/v1/anomalies/" + uuid.NewString() + "/acknowledge", nil, http.StatusNotFound},
		{"negative threshold", http.MethodPost, "/api/v1/anomalies/detect", map[string]float64{"threshold": -1}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/recommendations?status=done", nil, http.StatusBadRequest},
		{"bad status update", http.MethodPatch, "/api/v1/recommendations/" + uuid.NewString() + "/status", map[string]string{"status": "done"}, http.StatusBadRequest},
		{"missing upload", http.MethodPost, "/api/v1/ingestion/jobs", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doJSON("u1", tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestAcknowledgeAnomaly(t *testing.T) {
	env := newTestEnv(t, nil)
	id := uuid.New()
	require.NoError(t, env.store.InsertAnomalies(context.Background(), []models.Anomaly{{
		ID:       id,
		UserID:   "u1",
		Type:     models.AnomalySpike,
		Severity: models.SeverityHigh,
		Date:     time.Now().UTC(),
	}}))

	rec := env.do("u2", http.MethodPost, "/api/v1/anomalies/"+id.String()+"/acknowledge", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("u1", http.MethodPost, "/api/v1/anomalies/"+id.String()+"/acknowledge", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a, _ := decode[models.Anomaly](t, rec)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, "u1@example.com", a.AcknowledgedBy)

	rec = env.do("u1", http.MethodGet, "/api/v1/anomalies?acknowledged=false", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	open, meta := decode[[]models.Anomaly](t, rec)
	assert.Empty(t, open)
	assert.Equal(t, 0, meta.Total)
}

type fakeQueue struct {
	jobs []*queue.Job
}

func (q *fakeQueue) EnqueueIngestion(ctx context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) GetProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, error) {
	return &models.JobProgress{JobID: jobID, Status: models.JobStatusProcessing, RowsProcessed: 42}, nil
}

func TestProcessEnqueuesWhenQueueConfigured(t *testing.T) {
	q := &fakeQueue{}
	env := newTestEnv(t, q)

	rec := env.upload("u1", "billing.csv", billingCSV())
	require.Equal(t, http.StatusCreated, rec.Code)
	job, _ := decode[models.IngestionJob](t, rec)

	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, job.ID, q.jobs[0].JobID)
	assert.Equal(t, "u1", q.jobs[0].UserID)

	stored, err := env.store.GetIngestionJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status, "the worker processes it, not the request")

	// A queued job is not picked up by the batch run, and cannot be queued twice.
	summary, err := env.pipeline.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Jobs)
	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, q.jobs, 1)

	stored.Status = models.JobStatusProcessing
	require.NoError(t, env.store.UpdateIngestionJob(context.Background(), stored))

	rec = env.do("u1", http.MethodGet, "/api/v1/ingestion/jobs/"+job.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rows_processed":42`)

	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type failingQueue struct{ fakeQueue }

func (q *failingQueue) EnqueueIngestion(ctx context.Context, job *queue.Job) error {
	return errors.New("redis unavailable")
}

func TestProcessReleasesJobWhenEnqueueFails(t *testing.T) {
	env := newTestEnv(t, &failingQueue{})

	rec := env.upload("u1", "billing.csv", billingCSV())
	require.Equal(t, http.StatusCreated, rec.Code)
	job, _ := decode[models.IngestionJob](t, rec)

	rec = env.do("u1", http.MethodPost, "/api/v1/ingestion/jobs/"+job.ID.String()+"/process", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	stored, err := env.store.GetIngestionJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}
