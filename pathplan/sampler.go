package pathplan

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Number of rejection attempts before a ball sample falls back to clamping
// against the joint bounds.
const maxBallRejections = 100

type ball struct {
	center Configuration
	radius float64
}

// LocalInformedSampler draws configurations biased to the ellipsoid with foci
// start and goal bounded by a cost upper bound, optionally mixed with a set
// of balls: when balls are present, half of the samples are drawn uniformly
// from one ball picked at random. All samples are confined to [lb, ub].
type LocalInformedSampler struct {
	start, goal Configuration
	lb, ub      Configuration
	costBound   float64
	balls       []ball
	rnd         *rand.Rand
}

// NewLocalInformedSampler creates a sampler between two foci. A costBound of
// +Inf yields uniform sampling over the joint bounds.
func NewLocalInformedSampler(start, goal, lb, ub Configuration, costBound float64, rnd *rand.Rand) (*LocalInformedSampler, error) {
	if err := validBounds(lb, ub); err != nil {
		return nil, err
	}
	if len(start) != len(lb) || len(goal) != len(lb) {
		return nil, errors.New("foci dimension does not match bounds")
	}
	if costBound < start.Dist(goal) {
		return nil, errors.Errorf("cost bound %v below the foci distance %v", costBound, start.Dist(goal))
	}
	return &LocalInformedSampler{
		start:     start.Clone(),
		goal:      goal.Clone(),
		lb:        lb.Clone(),
		ub:        ub.Clone(),
		costBound: costBound,
		rnd:       rnd,
	}, nil
}

// AddBall registers a ball. Balls are kept in insertion order; selection
// among them is uniform.
func (s *LocalInformedSampler) AddBall(center Configuration, radius float64) {
	s.balls = append(s.balls, ball{center: center.Clone(), radius: radius})
}

// SetCostBound updates the ellipsoid cost bound.
func (s *LocalInformedSampler) SetCostBound(costBound float64) {
	s.costBound = costBound
}

// Sample draws one configuration. It never fails for finite bounds.
func (s *LocalInformedSampler) Sample() Configuration {
	if len(s.balls) > 0 && s.rnd.Float64() < 0.5 {
		b := s.balls[s.rnd.Intn(len(s.balls))]
		return s.sampleBall(b)
	}
	return s.sampleEllipsoid()
}

func (s *LocalInformedSampler) sampleBall(b ball) Configuration {
	n := len(b.center)
	for attempt := 0; attempt < maxBallRejections; attempt++ {
		dir := make(Configuration, n)
		for i := range dir {
			dir[i] = s.rnd.NormFloat64()
		}
		norm := dir.Norm()
		if norm == 0 {
			continue
		}
		r := b.radius * math.Pow(s.rnd.Float64(), 1/float64(n))
		q := make(Configuration, n)
		for i := range q {
			q[i] = b.center[i] + dir[i]/norm*r
		}
		if q.Within(s.lb, s.ub) {
			return q
		}
	}
	// The ball barely intersects the bounds; return its center clamped into
	// the bounds instead of rejecting forever.
	q := b.center.Clone()
	for i := range q {
		q[i] = math.Max(s.lb[i], math.Min(s.ub[i], q[i]))
	}
	return q
}

func (s *LocalInformedSampler) sampleEllipsoid() Configuration {
	n := len(s.lb)
	lo, hi := s.lb, s.ub
	if !math.IsInf(s.costBound, 1) {
		// Rejection-sample inside the box bounding the ellipsoid intersected
		// with the joint bounds.
		center := s.start.Interpolate(s.goal, 0.5)
		half := s.costBound / 2
		lo = make(Configuration, n)
		hi = make(Configuration, n)
		for i := range lo {
			lo[i] = math.Max(s.lb[i], center[i]-half)
			hi[i] = math.Min(s.ub[i], center[i]+half)
		}
	}
	for {
		q := make(Configuration, n)
		for i := range q {
			q[i] = lo[i] + s.rnd.Float64()*(hi[i]-lo[i])
		}
		if math.IsInf(s.costBound, 1) {
			return q
		}
		if s.start.Dist(q)+q.Dist(s.goal) <= s.costBound {
			return q
		}
	}
}
