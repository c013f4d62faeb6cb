// pkg/lrm/stats.go
package lrm

import "math"

// Stats summarises the measurement cycles of one device since acquisition or
// the last ResetStats.
type Stats struct {
	TotalSamples int64    `json:"total_samples"`
	ValidSamples int64    `json:"valid_samples"`
	ErrorSamples int64    `json:"error_samples"`
	ErrorRate    float64  `json:"error_rate"` // percent
	MinDistance  *float64 `json:"min_distance,omitempty"`
	MaxDistance  *float64 `json:"max_distance,omitempty"`
	AvgDistance  *float64 `json:"avg_distance,omitempty"`
}

type statsAccumulator struct {
	valid, errors int64
	sum           float64
	min, max      float64
}

func (s *statsAccumulator) reset() {
	*s = statsAccumulator{min: math.Inf(1), max: math.Inf(-1)}
}

func (s *statsAccumulator) addSuccess(distance float64) {
	s.valid++
	s.sum += distance
	s.min = math.Min(s.min, distance)
	s.max = math.Max(s.max, distance)
}

func (s *statsAccumulator) addFailure() {
	s.errors++
}

func (s *statsAccumulator) snapshot() Stats {
	out := Stats{
		TotalSamples: s.valid + s.errors,
		ValidSamples: s.valid,
		ErrorSamples: s.errors,
	}
	if out.TotalSamples > 0 {
		out.ErrorRate = float64(s.errors) / float64(out.TotalSamples) * 100
	}
	if s.valid > 0 {
		lo, hi, avg := s.min, s.max, s.sum/float64(s.valid)
		out.MinDistance, out.MaxDistance, out.AvgDistance = &lo, &hi, &avg
	}
	return out
}
