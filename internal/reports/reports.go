// Package reports renders cost reports for a single user.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/store"
)

const (
	defaultPeriodDays = 30
	maxReportRows     = 25
)

var ErrUserRequired = errors.New("user id is required")

type Summarizer interface {
	Summary(ctx context.Context, q aggregation.SummaryQuery) (*aggregation.Summary, error)
}

type DataProvider interface {
	ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, int, error)
	ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]models.Recommendation, int, error)
}

type Report struct {
	UserID      string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// Generator builds reports from aggregates, anomalies and recommendations.
type Generator struct {
	summaries  Summarizer
	data       DataProvider
	periodDays int
	logger     *slog.Logger
	now        func() time.Time
}

func NewGenerator(summaries Summarizer, data DataProvider, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		summaries:  summaries,
		data:       data,
		periodDays: defaultPeriodDays,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// costData is everything a cost report shows.
type costData struct {
	from, to        time.Time
	summary         *aggregation.Summary
	anomalies       []models.Anomaly
	openAnomalies   int
	recommendations []models.Recommendation
	openRecs        int
	savings         float64
}

func (g *Generator) collect(ctx context.Context, userID string) (*costData, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	now := g.now()
	d := &costData{
		from: models.StartOfDay(now.AddDate(0, 0, -g.periodDays)),
		to:   models.StartOfDay(now),
	}

	var err error
	d.summary, err = g.summaries.Summary(ctx, aggregation.SummaryQuery{
		UserID:  userID,
		From:    d.from,
		To:      d.to,
		GroupBy: aggregation.DimensionService,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizing costs: %w", err)
	}

	open := false
	d.anomalies, d.openAnomalies, err = g.data.ListAnomalies(ctx, store.AnomalyFilter{
		UserID:       userID,
		Acknowledged: &open,
		Limit:        maxReportRows,
	})
	if err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}

	// Savings are totalled over every pending recommendation, not only the
	// rows that fit in the table.
	all, total, err := g.data.ListRecommendations(ctx, store.RecommendationFilter{
		UserID: userID,
		Status: models.RecommendationPending,
	})
	if err != nil {
		return nil, fmt.Errorf("listing recommendations: %w", err)
	}
	d.openRecs = total
	for _, r := range all {
		d.savings += r.EstimatedSavings
	}
	if len(all) > maxReportRows {
		all = all[:maxReportRows]
	}
	d.recommendations = all
	return d, nil
}

// CostReport renders a PDF with spend by service, open anomalies and pending
// recommendations for the last thirty days.
func (g *Generator) CostReport(ctx context.Context, userID string) (*Report, error) {
	d, err := g.collect(ctx, userID)
	if err != nil {
		return nil, err
	}

	generated := g.now()
	pdf := NewPDFReport("Cloud Cost Report", generated)

	pdf.AddSection("Summary")
	pdf.AddSummaryTable([]Metric{
		{Label: "Period", Text: fmt.Sprintf("%s to %s", d.from.Format(time.DateOnly), d.to.Format(time.DateOnly))},
		{Label: "Total cost", Text: "$" + d.summary.TotalCost.StringFixed(2)},
		{Label: "Open anomalies", Text: fmt.Sprintf("%d", d.openAnomalies)},
		{Label: "Pending recommendations", Text: fmt.Sprintf("%d", d.openRecs)},
		{Label: "Estimated savings", Text: fmt.Sprintf("$%.2f", d.savings)},
	})

	pdf.AddSection("Cost by Service")
	if len(d.summary.Items) == 0 {
		pdf.AddParagraph("No costs were recorded in this period.")
	} else {
		items := d.summary.Items
		if len(items) > maxReportRows {
			items = items[:maxReportRows]
		}
		metrics := make([]Metric, 0, len(items))
		for _, it := range items {
			metrics = append(metrics, Metric{
				Label: it.Key,
				Value: it.Cost.InexactFloat64(),
				Text:  "$" + it.Cost.StringFixed(2),
			})
		}
		pdf.AddChart("", metrics)
	}

	pdf.AddSection("Open Anomalies")
	if len(d.anomalies) == 0 {
		pdf.AddParagraph("No open anomalies.")
	} else {
		rows := make([][]string, 0, len(d.anomalies))
		for _, a := range d.anomalies {
			rows = append(rows, []string{
				a.Date.Format(time.DateOnly),
				string(a.Severity),
				orAll(a.Service),
				orAll(a.AccountID),
				fmt.Sprintf("$%.2f", a.Cost),
				fmt.Sprintf("$%.2f", a.ExpectedCost),
			})
		}
		pdf.AddTable(
			[]string{"Date", "Severity", "Service", "Account", "Cost", "Expected"},
			[]float64{0.15, 0.12, 0.28, 0.19, 0.13, 0.13},
			rows,
		)
	}

	pdf.AddSection("Pending Recommendations")
	if len(d.recommendations) == 0 {
		pdf.AddParagraph("No pending recommendations.")
	} else {
		rows := make([][]string, 0, len(d.recommendations))
		for _, r := range d.recommendations {
			rows = append(rows, []string{
				r.Title,
				string(r.Priority),
				string(r.ImplementationEffort),
				fmt.Sprintf("$%.2f", r.EstimatedSavings),
			})
		}
		pdf.AddTable(
			[]string{"Recommendation", "Priority", "Effort", "Savings"},
			[]float64{0.55, 0.15, 0.15, 0.15},
			rows,
		)
	}

	data, err := pdf.Output()
	if err != nil {
		return nil, err
	}

	g.logger.Info("cost report generated", "user_id", userID, "bytes", len(data))
	return &Report{
		UserID:      userID,
		GeneratedAt: generated,
		Data:        data,
		Filename:    fmt.Sprintf("cost-report-%s.pdf", generated.Format("20060102")),
		MimeType:    "application/pdf",
	}, nil
}

// CostSummaryCSV exports the per-service breakdown of the report period.
func (g *Generator) CostSummaryCSV(ctx context.Context, userID string) (*Report, error) {
	d, err := g.collect(ctx, userID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"service", "cost", "usage", "line_items", "share_percent"}); err != nil {
		return nil, err
	}
	for _, it := range d.summary.Items {
		share := decimal.Zero
		if d.summary.TotalCost.IsPositive() {
			share = it.Cost.Div(d.summary.TotalCost).Mul(decimal.NewFromInt(100))
		}
		if err := w.Write([]string{
			it.Key,
			it.Cost.StringFixed(2),
			it.Usage.String(),
			fmt.Sprintf("%d", it.LineItemCount),
			share.StringFixed(1),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}

	generated := g.now()
	return &Report{
		UserID:      userID,
		GeneratedAt: generated,
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("cost-summary-%s.csv", generated.Format("20060102")),
		MimeType:    "text/csv",
	}, nil
}

func orAll(v string) string {
	if v == "" {
		return "all"
	}
	return v
}
