package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/costwatch/internal/models"
	"github.com/qualys/costwatch/internal/stats"
)

// Detector applies a z-score test within each series.
type Detector struct {
	Threshold float64
}

func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{Threshold: threshold}
}

// Detect flags points whose distance from their series mean exceeds the
// threshold in population standard deviations. Series without variance are
// skipped.
func (d *Detector) Detect(userID string, points []point, now time.Time) []models.Anomaly {
	series := make(map[groupKey][]point)
	var keys []groupKey
	for _, p := range points {
		if _, ok := series[p.Key]; !ok {
			keys = append(keys, p.Key)
		}
		series[p.Key] = append(series[p.Key], p)
	}
	sort.Slice(keys, func(a, b int) bool {
		x, y := keys[a], keys[b]
		if x.AccountID != y.AccountID {
			return x.AccountID < y.AccountID
		}
		if x.Service != y.Service {
			return x.Service < y.Service
		}
		return x.Region < y.Region
	})

	var anomalies []models.Anomaly
	for _, key := range keys {
		pts := series[key]
		costs := make([]float64, len(pts))
		for i, p := range pts {
			costs[i] = p.Cost
		}
		m := stats.Mean(costs)
		sd := stats.PopulationStdDev(costs, m)
		if sd == 0 {
			continue
		}

		for _, p := range pts {
			z := math.Abs(p.Cost-m) / sd
			if z <= d.Threshold {
				continue
			}
			anomalies = append(anomalies, newAnomaly(userID, p, m, z, now))
		}
	}
	return anomalies
}

func newAnomaly(userID string, p point, expected, z float64, now time.Time) models.Anomaly {
	kind := models.AnomalyDrop
	if p.Cost > expected {
		kind = models.AnomalySpike
	}
	variance := p.Cost - expected
	var variancePct float64
	if expected != 0 {
		variancePct = variance / expected * 100
	}

	return models.Anomaly{
		ID:              uuid.New(),
		UserID:          userID,
		Type:            kind,
		Severity:        severityFor(z),
		AccountID:       p.Key.AccountID,
		Service:         p.Key.Service,
		Region:          p.Key.Region,
		Date:            p.Date,
		Cost:            p.Cost,
		ExpectedCost:    expected,
		Variance:        variance,
		VariancePercent: variancePct,
		ZScore:          z,
		Description:     describe(kind, p, expected, z),
		CreatedAt:       now,
	}
}

func severityFor(z float64) models.Severity {
	switch {
	case z > 4:
		return models.SeverityCritical
	case z > 3:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func describe(kind models.AnomalyType, p point, expected, z float64) string {
	return fmt.Sprintf("Cost %s on %s for %s in account %s (%s): $%.2f against expected $%.2f (z-score %.2f)",
		kind,
		p.Date.Format(time.DateOnly),
		label(p.Key.Service),
		label(p.Key.AccountID),
		label(p.Key.Region),
		p.Cost,
		expected,
		z,
	)
}

func label(v string) string {
	if v == "" {
		return allLabel
	}
	return v
}
