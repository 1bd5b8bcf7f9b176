package ssm

import (
	"math"

	"github.com/armlabs/replan/pathplan"
)

// Floor applied to the scaling factor so an edge at standstill gets a large
// finite cost instead of +Inf, which is reserved for obstructed edges.
const minScaling = 1e-2

// LengthPenaltyMetric weights the Euclidean edge length by the inverse of the
// estimator's velocity scaling: edges passing near aware obstacles cost more.
type LengthPenaltyMetric struct {
	est Estimator
}

// NewLengthPenaltyMetric wraps an estimator as an edge metric.
func NewLengthPenaltyMetric(est Estimator) *LengthPenaltyMetric {
	return &LengthPenaltyMetric{est: est}
}

// Estimator returns the underlying estimator.
func (m *LengthPenaltyMetric) Estimator() Estimator {
	return m.est
}

// Cost returns length / scaling.
func (m *LengthPenaltyMetric) Cost(q1, q2 pathplan.Configuration) float64 {
	scaling := math.Max(m.est.ScalingFactor(q1, q2), minScaling)
	return q1.Dist(q2) / scaling
}

// Clone returns a metric over a cloned estimator.
func (m *LengthPenaltyMetric) Clone() pathplan.Metric {
	return &LengthPenaltyMetric{est: m.est.Clone()}
}
