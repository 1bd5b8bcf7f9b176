// Package pathplan provides the joint-space primitives used by the online
// replanning engine: configurations, nodes, connections, trees, paths, and
// the biased samplers and tree-editing operations the replanners are built on.
package pathplan

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Configuration is a fixed-length vector of joint values.
type Configuration []float64

// FloatsToConfiguration wraps a float slice as a Configuration without copying.
func FloatsToConfiguration(f []float64) Configuration {
	return Configuration(f)
}

// Clone returns a copy of the configuration.
func (q Configuration) Clone() Configuration {
	out := make(Configuration, len(q))
	copy(out, q)
	return out
}

// Dist returns the L2 distance to other.
func (q Configuration) Dist(other Configuration) float64 {
	return floats.Distance(q, other, 2)
}

// Norm returns the L2 norm.
func (q Configuration) Norm() float64 {
	return floats.Norm(q, 2)
}

// Interpolate returns the configuration at fraction by along the segment from q to other.
func (q Configuration) Interpolate(other Configuration, by float64) Configuration {
	out := make(Configuration, len(q))
	for i := range q {
		out[i] = q[i] + (other[i]-q[i])*by
	}
	return out
}

// AlmostEqual reports whether each joint of q is within tol of other.
func (q Configuration) AlmostEqual(other Configuration, tol float64) bool {
	if len(q) != len(other) {
		return false
	}
	return floats.EqualApprox(q, other, tol)
}

// Within reports whether q lies inside the box [lb, ub].
func (q Configuration) Within(lb, ub Configuration) bool {
	for i := range q {
		if q[i] < lb[i] || q[i] > ub[i] {
			return false
		}
	}
	return true
}

func (q Configuration) String() string {
	return fmt.Sprintf("%.4f", []float64(q))
}

// StepToward returns the configuration at most maxDistance along the segment
// from q toward target, and whether the step reached the target.
func (q Configuration) StepToward(target Configuration, maxDistance float64) (Configuration, bool) {
	d := q.Dist(target)
	if d <= maxDistance || d == 0 {
		return target.Clone(), true
	}
	return q.Interpolate(target, maxDistance/d), false
}

func validBounds(lb, ub Configuration) error {
	if len(lb) != len(ub) || len(lb) == 0 {
		return fmt.Errorf("mismatched bounds: lb has %d joints, ub has %d", len(lb), len(ub))
	}
	for i := range lb {
		if math.IsInf(lb[i], 0) || math.IsInf(ub[i], 0) || lb[i] > ub[i] {
			return fmt.Errorf("joint %d has invalid bounds [%v, %v]", i, lb[i], ub[i])
		}
	}
	return nil
}
