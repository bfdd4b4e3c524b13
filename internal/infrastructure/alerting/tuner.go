package alerting

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Thresholds holds a derived warning and critical boundary pair.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// DynamicThresholds derives alert boundaries from historical samples.
// Outliers beyond 1.5 IQR are discarded, then warning is set at
// mean + sensitivity*stddev and critical at mean + 2*sensitivity*stddev.
func DynamicThresholds(samples []float64, sensitivity float64) Thresholds {
	if len(samples) == 0 {
		return Thresholds{}
	}

	filtered := filterOutliers(samples)
	if len(filtered) == 0 {
		filtered = samples
	}

	mean := stat.Mean(filtered, nil)
	var stdev float64
	if len(filtered) > 1 {
		stdev = stat.StdDev(filtered, nil)
	}

	return Thresholds{
		Warning:  mean + sensitivity*stdev,
		Critical: mean + 2*sensitivity*stdev,
	}
}

// filterOutliers drops samples outside 1.5 IQR of the quartile range.
func filterOutliers(samples []float64) []float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	q1 := sorted[len(sorted)/4]
	q3 := sorted[3*len(sorted)/4]
	iqr := q3 - q1

	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr

	filtered := make([]float64, 0, len(samples))
	for _, x := range samples {
		if x >= lo && x <= hi {
			filtered = append(filtered, x)
		}
	}
	return filtered
}

// RateTuner accumulates hourly spend-rate samples and raises the
// effective warning threshold above the configured floor when the
// observed baseline justifies it. The configured value only ever
// moves up, never down.
type RateTuner struct {
	floor       float64
	sensitivity float64
	minSamples  int
	samples     []float64
	maxSamples  int
}

// NewRateTuner creates a tuner over a configured floor threshold.
func NewRateTuner(floor, sensitivity float64, minSamples int) *RateTuner {
	if minSamples < 2 {
		minSamples = 2
	}
	return &RateTuner{
		floor:       floor,
		sensitivity: sensitivity,
		minSamples:  minSamples,
		maxSamples:  288,
	}
}

// Observe records one spend-rate sample.
func (t *RateTuner) Observe(rate float64) {
	t.samples = append(t.samples, rate)
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[len(t.samples)-t.maxSamples:]
	}
}

// WarningThreshold returns the effective warning boundary.
func (t *RateTuner) WarningThreshold() float64 {
	if len(t.samples) < t.minSamples {
		return t.floor
	}
	derived := DynamicThresholds(t.samples, t.sensitivity).Warning
	if derived > t.floor {
		return derived
	}
	return t.floor
}
