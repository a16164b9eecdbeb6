package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/reports"
	"github.com/qualys/costwatch/internal/store"
)

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type detectRequest struct {
	AccountID    string  `json:"account_id"`
	Service      string  `json:"service"`
	LookbackDays int     `json:"lookback_days"`
	Threshold    float64 `json:"threshold"`
}

func (s *Server) detectAnomalies(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.LookbackDays < 0 || req.Threshold < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "lookback_days and threshold must not be negative")
		return
	}

	anomalies, err := s.svc.Anomalies.Detect(r.Context(), anomaly.DetectOptions{
		UserID:       auth.UserID(r.Context()),
		AccountID:    req.AccountID,
		Service:      req.Service,
		LookbackDays: req.LookbackDays,
		Threshold:    req.Threshold,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, anomalies)
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AnomalyFilter{
		UserID:    auth.UserID(r.Context()),
		Type:      models.AnomalyType(q.Get("type")),
		Severity:  models.Severity(q.Get("severity")),
		AccountID: q.Get("account_id"),
	}
	if v := q.Get("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "acknowledged must be true or false")
			return
		}
		filter.Acknowledged = &ack
	}
	filter.Limit, filter.Offset = parsePage(r)

	anomalies, total, err := s.svc.Anomalies.List(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if anomalies == nil {
		anomalies = []models.Anomaly{}
	}
	respondJSONWithMeta(w, http.StatusOK, anomalies, &apiMeta{Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) acknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "anomalyID", "anomaly")
	if !ok {
		return
	}

	a, err := s.svc.Anomalies.Acknowledge(r.Context(), auth.UserID(r.Context()), id, actor(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type generateRequest struct {
	AccountID    string `json:"account_id"`
	LookbackDays int    `json:"lookback_days"`
}

func (s *Server) generateRecommendations(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.LookbackDays < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "lookback_days must not be negative")
		return
	}

	recs, err := s.svc.Recommendations.Generate(r.Context(), recommendation.GenerateOptions{
		UserID:       auth.UserID(r.Context()),
		AccountID:    req.AccountID,
		LookbackDays: req.LookbackDays,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) listRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecommendationFilter{
		UserID:    auth.UserID(r.Context()),
		Type:      models.RecommendationType(q.Get("type")),
		Status:    models.RecommendationStatus(q.Get("status")),
		AccountID: q.Get("account_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown status")
		return
	}
	filter.Limit, filter.Offset = parsePage(r)

	recs, total, err := s.svc.Recommendations.List(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	respondJSONWithMeta(w, http.StatusOK, recs, &apiMeta{Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

type updateStatusRequest struct {
	Status models.RecommendationStatus `json:"status"`
}

func (s *Server) updateRecommendationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "recommendationID", "recommendation")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	rec, err := s.svc.Recommendations.UpdateStatus(r.Context(), auth.UserID(r.Context()), id, req.Status, actor(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) costReport(w http.ResponseWriter, r *http.Request) {
	s.sendReport(w, r, s.svc.Reports.CostReport)
}

func (s *Server) costSummaryCSV(w http.ResponseWriter, r *http.Request) {
	s.sendReport(w, r, s.svc.Reports.CostSummaryCSV)
}

func (s *Server) sendReport(w http.ResponseWriter, r *http.Request, build func(ctx context.Context, userID string) (*reports.Report, error)) {
	report, err := build(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(report.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}
