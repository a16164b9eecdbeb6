package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/queue"
)

const maxUploadSize = 512 << 20

type ingestionJobResponse struct {
	*models.IngestionJob
	Progress *models.JobProgress `json:"progress,omitempty"`
}

// createIngestionJob stores a multipart "file" upload and registers it as a
// pending job owned by the caller.
func (s *Server) createIngestionJob(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		respondError(w, http.StatusBadRequest, "invalid_upload", "file name is required")
		return
	}

	dir := filepath.Join(s.cfg.Ingestion.UploadDir, userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.respondServiceError(w, r, fmt.Errorf("creating upload dir: %w", err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s", uuid.NewString(), name))

	out, err := os.Create(path)
	if err != nil {
		s.respondServiceError(w, r, fmt.Errorf("creating upload: %w", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		respondError(w, http.StatusBadRequest, "invalid_upload", "failed to read upload")
		return
	}
	if err := out.Close(); err != nil {
		s.respondServiceError(w, r, fmt.Errorf("saving upload: %w", err))
		return
	}

	job, err := s.svc.Ingestion.CreateJob(r.Context(), ingestion.JobRequest{
		FileName:  name,
		FilePath:  path,
		UserID:    userID,
		CreatedBy: actor(r.Context()),
	})
	if err != nil {
		os.Remove(path)
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getIngestionJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "jobID", "job")
	if !ok {
		return
	}

	job, err := s.svc.Ingestion.GetJob(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	resp := ingestionJobResponse{IngestionJob: job}
	if s.svc.Queue != nil && (job.Status == models.JobStatusProcessing || job.Status == models.JobStatusQueued) {
		if p, err := s.svc.Queue.GetProgress(r.Context(), id); err != nil {
			s.logger.Warn("failed to read job progress", "job_id", id, "error", err)
		} else {
			resp.Progress = p
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// processIngestionJob queues the job for the workers, or runs it inline
// when no queue is configured.
func (s *Server) processIngestionJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "jobID", "job")
	if !ok {
		return
	}
	userID := auth.UserID(r.Context())

	job, err := s.svc.Ingestion.GetJob(r.Context(), userID, id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if job.Status == models.JobStatusProcessing || job.Status == models.JobStatusQueued {
		s.respondServiceError(w, r, ingestion.ErrJobBusy)
		return
	}

	if s.svc.Queue != nil {
		// Claim first: the worker may pick the job up before this returns.
		job, err := s.svc.Ingestion.ClaimForQueue(r.Context(), userID, id)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		err = s.svc.Queue.EnqueueIngestion(r.Context(), &queue.Job{
			JobID:    job.ID,
			UserID:   job.UserID,
			FileName: job.FileName,
		})
		if err != nil {
			if rerr := s.svc.Ingestion.ReleaseClaim(r.Context(), job); rerr != nil {
				s.logger.Error("failed to release queued job", "job_id", job.ID, "error", rerr)
			}
			s.respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": models.JobStatusQueued,
		})
		return
	}

	if err := s.svc.Ingestion.ProcessJob(r.Context(), job.ID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	job, err = s.svc.Ingestion.GetJob(r.Context(), userID, id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) rebuildAggregates(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	started := time.Now()

	if err := s.svc.Aggregation.RebuildAggregates(r.Context(), userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "rebuilt",
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

// getCostSummary accepts from/to as YYYY-MM-DD and group_by as one of
// service, account, region or day.
func (s *Server) getCostSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	groupBy, err := aggregation.ParseDimension(q.Get("group_by"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	query := aggregation.SummaryQuery{
		UserID:  auth.UserID(r.Context()),
		GroupBy: groupBy,
	}
	for param, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("%s must be YYYY-MM-DD", param))
			return
		}
		*dst = t
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		respondError(w, http.StatusBadRequest, "validation_error", "to must not be before from")
		return
	}

	summary, err := s.svc.Aggregation.Summary(r.Context(), query)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
