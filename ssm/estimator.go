// Package ssm implements speed-and-separation monitoring: a kinematic safety
// model that scales the robot's allowed velocity down as its points of
// interest approach human-aware obstacles. The MARSHA replanner weights edge
// costs with the resulting scaling factor.
package ssm

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/armlabs/replan/pathplan"
)

// Parallelize edge evaluation only past this many sample configurations.
const samplesBeforeParallelization = 64

// An Estimator computes the worst-case velocity scaling the safety model
// imposes along an edge. Estimators are thread-clonable; obstacle positions
// are fed as a 3xk matrix each scene update.
type Estimator interface {
	// SetObstaclePositions installs the aware-obstacle positions (3xk).
	// A nil matrix clears them.
	SetObstaclePositions(positions *mat.Dense)
	// SetPoiNames restricts the chain's points of interest considered by the
	// model. An empty list keeps all of them.
	SetPoiNames(names []string)
	// ScalingFactor returns the worst-case allowed-velocity fraction in [0, 1]
	// along the edge from q1 to q2. 1 means no slowdown, 0 means standstill.
	ScalingFactor(q1, q2 pathplan.Configuration) float64
	Clone() Estimator
}

// A Chain evaluates the Cartesian positions of a kinematic chain's points of
// interest at a configuration.
type Chain interface {
	Poi(q pathplan.Configuration) map[string]r3.Vector
	Clone() Chain
}

// ChainEstimatorConfig carries the safety-model parameters.
type ChainEstimatorConfig struct {
	// MaxStepSize is the joint-space discretization of an edge.
	MaxStepSize float64
	// Threads caps the parallel workers used on long edges.
	Threads int
	// MaxCartAcc is the robot's maximum Cartesian deceleration.
	MaxCartAcc float64
	// Tr is the system reaction time.
	Tr float64
	// MinDistance is the minimum protective separation.
	MinDistance float64
	// Vh is the assumed human approach speed.
	Vh float64
	// NominalSpeed is the robot speed the scaling is normalized against.
	NominalSpeed float64
}

// ChainEstimator implements the separation-monitoring model over a kinematic
// chain.
type ChainEstimator struct {
	chain Chain
	cfg   ChainEstimatorConfig

	mu        sync.RWMutex
	positions []r3.Vector
	poiFilter map[string]bool
}

// NewChainEstimator creates an estimator over the given chain.
func NewChainEstimator(chain Chain, cfg ChainEstimatorConfig) *ChainEstimator {
	if cfg.MaxStepSize <= 0 {
		cfg.MaxStepSize = 0.05
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.NominalSpeed <= 0 {
		cfg.NominalSpeed = 1.0
	}
	return &ChainEstimator{chain: chain, cfg: cfg}
}

// SetObstaclePositions installs the aware-obstacle positions.
func (e *ChainEstimator) SetObstaclePositions(positions *mat.Dense) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = e.positions[:0]
	if positions == nil {
		return
	}
	_, k := positions.Dims()
	for j := 0; j < k; j++ {
		e.positions = append(e.positions, r3.Vector{
			X: positions.At(0, j),
			Y: positions.At(1, j),
			Z: positions.At(2, j),
		})
	}
}

// SetPoiNames restricts the points of interest considered by the model.
func (e *ChainEstimator) SetPoiNames(names []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(names) == 0 {
		e.poiFilter = nil
		return
	}
	e.poiFilter = make(map[string]bool, len(names))
	for _, n := range names {
		e.poiFilter[n] = true
	}
}

// ScalingFactor returns the worst-case allowed-velocity fraction along the
// edge, discretized at the configured step size.
func (e *ChainEstimator) ScalingFactor(q1, q2 pathplan.Configuration) float64 {
	e.mu.RLock()
	positions := make([]r3.Vector, len(e.positions))
	copy(positions, e.positions)
	filter := e.poiFilter
	e.mu.RUnlock()

	if len(positions) == 0 {
		return 1.0
	}

	steps := int(math.Ceil(q1.Dist(q2)/e.cfg.MaxStepSize)) + 1
	confAt := func(i int) pathplan.Configuration {
		if steps == 1 {
			return q1
		}
		return q1.Interpolate(q2, float64(i)/float64(steps-1))
	}

	if steps < samplesBeforeParallelization || e.cfg.Threads == 1 {
		worst := 1.0
		for i := 0; i < steps; i++ {
			worst = math.Min(worst, e.scalingAt(confAt(i), positions, filter))
		}
		return worst
	}

	results := make([]float64, e.cfg.Threads)
	var wg sync.WaitGroup
	for w := 0; w < e.cfg.Threads; w++ {
		w := w
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			worst := 1.0
			for i := w; i < steps; i += e.cfg.Threads {
				worst = math.Min(worst, e.scalingAt(confAt(i), positions, filter))
			}
			results[w] = worst
		})
	}
	wg.Wait()
	worst := 1.0
	for _, r := range results {
		worst = math.Min(worst, r)
	}
	return worst
}

// scalingAt evaluates the model at a single configuration: the allowed robot
// speed given the closest aware obstacle, normalized by the nominal speed.
func (e *ChainEstimator) scalingAt(q pathplan.Configuration, positions []r3.Vector, filter map[string]bool) float64 {
	minDist := math.Inf(1)
	for name, poi := range e.chain.Poi(q) {
		if filter != nil && !filter[name] {
			continue
		}
		for _, obs := range positions {
			if d := poi.Sub(obs).Norm(); d < minDist {
				minDist = d
			}
		}
	}
	if math.IsInf(minDist, 1) {
		return 1.0
	}
	return math.Min(1, e.allowedSpeed(minDist)/e.cfg.NominalSpeed)
}

// allowedSpeed solves the separation inequality
//
//	v^2/(2a) + v*Tr + Vh*Tr + MinDistance <= d
//
// for the robot speed v, returning 0 when no positive speed satisfies it.
func (e *ChainEstimator) allowedSpeed(d float64) float64 {
	a, tr := e.cfg.MaxCartAcc, e.cfg.Tr
	margin := d - e.cfg.MinDistance - e.cfg.Vh*tr
	if margin <= 0 {
		return 0
	}
	if a <= 0 {
		return margin / math.Max(tr, 1e-9)
	}
	disc := a*a*tr*tr + 2*a*margin
	return math.Max(0, -a*tr+math.Sqrt(disc))
}

// Clone returns an independent estimator sharing only the immutable config.
func (e *ChainEstimator) Clone() Estimator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := &ChainEstimator{chain: e.chain.Clone(), cfg: e.cfg}
	out.positions = make([]r3.Vector, len(e.positions))
	copy(out.positions, e.positions)
	if e.poiFilter != nil {
		out.poiFilter = make(map[string]bool, len(e.poiFilter))
		for k, v := range e.poiFilter {
			out.poiFilter[k] = v
		}
	}
	return out
}
