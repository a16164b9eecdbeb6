package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/recommendation"
)

type PendingProcessor interface {
	ProcessPending(ctx context.Context) (*ingestion.PendingSummary, error)
}

type AggregateRebuilder interface {
	RebuildAggregates(ctx context.Context, userID string) error
}

type AnomalyDetector interface {
	Detect(ctx context.Context, opts anomaly.DetectOptions) ([]models.Anomaly, error)
}

type RecommendationGenerator interface {
	Generate(ctx context.Context, opts recommendation.GenerateOptions) ([]models.Recommendation, error)
}

// UserLister returns every user that owns line items.
type UserLister interface {
	ListLineItemOwners(ctx context.Context) ([]string, error)
}

// Tasks binds the batch services to job handlers.
type Tasks struct {
	Ingestion       PendingProcessor
	Aggregation     AggregateRebuilder
	Anomalies       AnomalyDetector
	Recommendations RecommendationGenerator
	Users           UserLister
	Logger          *slog.Logger
}

// Register registers a handler per job type with the scheduler.
func (t *Tasks) Register(s *Scheduler) {
	s.RegisterHandler(JobTypeProcessPending, func(ctx context.Context, _ *Job) (string, error) {
		return t.ProcessPending(ctx)
	})
	s.RegisterHandler(JobTypeRebuildAggregates, func(ctx context.Context, _ *Job) (string, error) {
		return t.RebuildAggregates(ctx)
	})
	s.RegisterHandler(JobTypeDetectAnomalies, func(ctx context.Context, _ *Job) (string, error) {
		return t.DetectAnomalies(ctx)
	})
	s.RegisterHandler(JobTypeGenerateRecommendations, func(ctx context.Context, _ *Job) (string, error) {
		return t.GenerateRecommendations(ctx)
	})
	s.RegisterHandler(JobTypeNightly, func(ctx context.Context, _ *Job) (string, error) {
		return t.Nightly(ctx)
	})
}

func (t *Tasks) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *Tasks) ProcessPending(ctx context.Context) (string, error) {
	summary, err := t.Ingestion.ProcessPending(ctx)
	if err != nil {
		return "", fmt.Errorf("processing pending jobs: %w", err)
	}
	return fmt.Sprintf("jobs=%d processed=%d skipped=%d failed=%d",
		summary.Jobs, summary.Processed, summary.Skipped, summary.Failed), nil
}

func (t *Tasks) RebuildAggregates(ctx context.Context) (string, error) {
	n, err := t.eachUser(ctx, "rebuild_aggregates", func(ctx context.Context, userID string) (int, error) {
		return 1, t.Aggregation.RebuildAggregates(ctx, userID)
	})
	return fmt.Sprintf("users=%d", n), err
}

func (t *Tasks) DetectAnomalies(ctx context.Context) (string, error) {
	n, err := t.eachUser(ctx, "detect_anomalies", func(ctx context.Context, userID string) (int, error) {
		found, err := t.Anomalies.Detect(ctx, anomaly.DetectOptions{UserID: userID})
		return len(found), err
	})
	return fmt.Sprintf("anomalies=%d", n), err
}

func (t *Tasks) GenerateRecommendations(ctx context.Context) (string, error) {
	n, err := t.eachUser(ctx, "generate_recommendations", func(ctx context.Context, userID string) (int, error) {
		recs, err := t.Recommendations.Generate(ctx, recommendation.GenerateOptions{UserID: userID})
		return len(recs), err
	})
	return fmt.Sprintf("recommendations=%d", n), err
}

// Nightly runs the four steps in order. A failing step is recorded and the
// remaining steps still run.
func (t *Tasks) Nightly(ctx context.Context) (string, error) {
	steps := []struct {
		name string
		run  func(context.Context) (string, error)
	}{
		{"process_pending", t.ProcessPending},
		{"rebuild_aggregates", t.RebuildAggregates},
		{"detect_anomalies", t.DetectAnomalies},
		{"generate_recommendations", t.GenerateRecommendations},
	}

	var outputs []string
	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		out, err := step.run(ctx)
		t.logger().Info("nightly step finished",
			"step", step.name,
			"output", out,
			"duration", time.Since(start),
			"error", err,
		)
		outputs = append(outputs, step.name+": "+out)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return strings.Join(outputs, "; "), errors.Join(errs...)
}

// eachUser runs fn for every user with line items and sums the counts. A
// failing user is logged and does not stop the others.
func (t *Tasks) eachUser(ctx context.Context, step string, fn func(ctx context.Context, userID string) (int, error)) (int, error) {
	users, err := t.Users.ListLineItemOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing users: %w", err)
	}

	total := 0
	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := fn(ctx, userID)
		if err != nil {
			t.logger().Error("scheduled step failed for user", "step", step, "user_id", userID, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
