// Package fusion implements tier-1 liveness scoring: Pearson correlation
// between the device gyroscope series and the optical-flow series extracted
// from the video, mapped onto a 0-100 trust scale.
package fusion

import (
	"errors"
	"math"
)

// ErrInsufficientData is returned when fewer than two aligned sample pairs
// are available.
var ErrInsufficientData = errors.New("insufficient sensor data for correlation")

// FraudThresholdDefault is the correlation below which tier-2 forensics is
// triggered.
const FraudThresholdDefault = 0.85

// Result carries the tier-1 outcome.
type Result struct {
	Correlation float64 `json:"correlation"`
	Score       int     `json:"tier_1_score"`
	// TriggerTier2 is set when correlation falls below the fraud threshold
	// and the deepfake classifier must weigh in.
	TriggerTier2 bool `json:"trigger_tier_2"`
}

// Analyzer scores gyro/flow alignment against a configurable threshold.
type Analyzer struct {
	threshold float64
}

func NewAnalyzer(threshold float64) *Analyzer {
	if threshold <= 0 {
		threshold = FraudThresholdDefault
	}
	return &Analyzer{threshold: threshold}
}

// Analyze truncates both series to their common length, computes Pearson r,
// and maps it to a score. A zero-variance series yields r=0 (no evidence of
// correlation, not an error).
func (a *Analyzer) Analyze(gyro, flow []float64) (Result, error) {
	n := len(gyro)
	if len(flow) < n {
		n = len(flow)
	}
	if n < 2 {
		return Result{}, ErrInsufficientData
	}
	r := Pearson(gyro[:n], flow[:n])
	return Result{
		Correlation:  r,
		Score:        MapScore(r),
		TriggerTier2: r < a.threshold,
	}, nil
}

// Pearson computes the correlation coefficient of two equal-length series.
// Either series having zero variance yields 0.
func Pearson(x, y []float64) float64 {
	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	r := cov / math.Sqrt(varX*varY)
	// Guard against accumulated float error pushing past the bounds.
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r
}

// MapScore maps a correlation coefficient onto the 0-100 trust scale.
// Correlations at or above 0.85 land in the 85-100 band; everything below
// stretches [-1, 0.85) across 0-84.
func MapScore(r float64) int {
	var score float64
	if r >= 0.85 {
		score = 85 + ((r-0.85)/0.15)*15
	} else {
		score = ((r + 1) / 1.85) * 84
	}
	s := int(math.Round(score))
	if s < 0 {
		s = 0
	} else if s > 100 {
		s = 100
	}
	return s
}
