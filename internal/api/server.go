package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/config"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/queue"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/reports"
	"github.com/qualys/costwatch/internal/store"
)

type Ingestion interface {
	CreateJob(ctx context.Context, req ingestion.JobRequest) (*models.IngestionJob, error)
	GetJob(ctx context.Context, userID string, id uuid.UUID) (*models.IngestionJob, error)
	ProcessJob(ctx context.Context, jobID uuid.UUID) error
	ClaimForQueue(ctx context.Context, userID string, id uuid.UUID) (*models.IngestionJob, error)
	ReleaseClaim(ctx context.Context, job *models.IngestionJob) error
}

// Enqueuer hands jobs to the background workers and reads their progress.
type Enqueuer interface {
	EnqueueIngestion(ctx context.Context, job *queue.Job) error
	GetProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, error)
}

type Aggregation interface {
	RebuildAggregates(ctx context.Context, userID string) error
	Summary(ctx context.Context, q aggregation.SummaryQuery) (*aggregation.Summary, error)
}

type Anomalies interface {
	Detect(ctx context.Context, opts anomaly.DetectOptions) ([]models.Anomaly, error)
	List(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, int, error)
	Acknowledge(ctx context.Context, userID string, id uuid.UUID, by string) (*models.Anomaly, error)
}

type Recommendations interface {
	Generate(ctx context.Context, opts recommendation.GenerateOptions) ([]models.Recommendation, error)
	List(ctx context.Context, filter store.RecommendationFilter) ([]models.Recommendation, int, error)
	UpdateStatus(ctx context.Context, userID string, id uuid.UUID, status models.RecommendationStatus, by string) (*models.Recommendation, error)
}

type Reports interface {
	CostReport(ctx context.Context, userID string) (*reports.Report, error)
	CostSummaryCSV(ctx context.Context, userID string) (*reports.Report, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the collaborators behind the routes. Queue may be nil, in
// which case processing runs inside the request.
type Services struct {
	Store           Pinger
	Ingestion       Ingestion
	Queue           Enqueuer
	Aggregation     Aggregation
	Anomalies       Anomalies
	Recommendations Recommendations
	Reports         Reports
	Auth            *auth.Service
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	svc    Services
	http   *http.Server
	logger *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, svc Services, opts ...ServerOption) (*Server, error) {
	if svc.Auth == nil {
		return nil, errors.New("auth service is required")
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		svc:    svc,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.svc.Auth.Middleware)

		r.Route("/ingestion/jobs", func(r chi.Router) {
			r.Post("/", s.createIngestionJob)
			r.Get("/{jobID}", s.getIngestionJob)
			r.Post("/{jobID}/process", s.processIngestionJob)
		})

		r.Post("/aggregates/rebuild", s.rebuildAggregates)
		r.Get("/costs/summary", s.getCostSummary)

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.listAnomalies)
			r.Post("/detect", s.detectAnomalies)
			r.Post("/{anomalyID}/acknowledge", s.acknowledgeAnomaly)
		})

		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/", s.listRecommendations)
			r.Post("/generate", s.generateRecommendations)
			r.Patch("/{recommendationID}/status", s.updateRecommendationStatus)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/cost.pdf", s.costReport)
			r.Get("/cost.csv", s.costSummaryCSV)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondServiceError maps domain sentinels onto status codes and hides
// anything else behind a 500.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ingestion.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, recommendation.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ingestion.ErrJobBusy):
		respondError(w, http.StatusConflict, "job_running", "Job is already queued or processing")
	case errors.Is(err, store.ErrDuplicate):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func parseID(w http.ResponseWriter, r *http.Request, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("Invalid %s ID", what))
		return uuid.Nil, false
	}
	return id, true
}

// parsePage reads limit and offset, capping limit at 500.
func parsePage(r *http.Request) (limit, offset int) {
	limit = 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// actor names the caller for audit fields, preferring the email claim.
func actor(ctx context.Context) string {
	claims, ok := auth.GetUserFromContext(ctx)
	if !ok {
		return ""
	}
	if claims.Email != "" {
		return claims.Email
	}
	return claims.UserID
}
