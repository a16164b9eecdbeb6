// Package stats holds the descriptive statistics shared by the anomaly and
// recommendation detectors.
package stats

import "math"

// Mean returns the arithmetic mean, or 0 for no data.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// PopulationStdDev returns the population standard deviation of data
// around m, or 0 for no data.
func PopulationStdDev(data []float64, m float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(data)))
}

// CoefficientOfVariation is stddev over mean. ok is false when the mean is
// zero.
func CoefficientOfVariation(data []float64) (cv float64, ok bool) {
	m := Mean(data)
	if m == 0 {
		return 0, false
	}
	return PopulationStdDev(data, m) / m, true
}
