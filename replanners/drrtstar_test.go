package replanners

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/armlabs/replan/pathplan"
	"github.com/armlabs/replan/scene"
)

var (
	testLb = pathplan.Configuration{-3, -3}
	testUb = pathplan.Configuration{3, 3}
)

func straightPath(
	t *testing.T,
	waypoints []pathplan.Configuration,
	maxDistance float64,
	metric pathplan.Metric,
	checker pathplan.Checker,
) *pathplan.Path {
	t.Helper()
	root := pathplan.NewNode(waypoints[0])
	tree := pathplan.NewTree(root, maxDistance, metric, checker)
	prev := root
	for _, q := range waypoints[1:] {
		next, err := tree.Attach(prev, q, metric.Cost(prev.Q(), q))
		test.That(t, err, test.ShouldBeNil)
		prev = next
	}
	p, err := pathplan.NewPathFromTree(tree, prev)
	test.That(t, err, test.ShouldBeNil)
	return p
}

func blockedScene() *scene.Snapshot {
	return &scene.Snapshot{Obstacles: []scene.Obstacle{
		{ID: "crate", Position: r3.Vector{X: 1.5, Y: 0}, Radius: 0.15},
	}}
}

// obstructedStraightPath builds the S1 setup: a straight two-edge path with
// the second edge blocked by a crate.
func obstructedStraightPath(t *testing.T) (*pathplan.Path, pathplan.Checker) {
	t.Helper()
	checker := pathplan.NewSphereChecker(0.01)
	checker.SetScene(blockedScene())
	p := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)
	test.That(t, p.Revalidate(checker), test.ShouldBeFalse)
	test.That(t, p.Connections()[1].IsObstructed(), test.ShouldBeTrue)
	return p, checker
}

func assertValidRepairedPath(t *testing.T, p *pathplan.Path, checker pathplan.Checker) {
	t.Helper()
	conns := p.Connections()
	for i, c := range conns {
		test.That(t, math.IsInf(c.Cost(), 1), test.ShouldBeFalse)
		test.That(t, checker.CheckPath(c.Parent().Q(), c.Child().Q()), test.ShouldBeTrue)
		if i > 0 {
			test.That(t, conns[i-1].Child(), test.ShouldEqual, c.Parent())
		}
	}
}

func TestDRRTStarRepairsObstructedEdge(t *testing.T) {
	logger := golog.NewTestLogger(t)
	original, checker := obstructedStraightPath(t)
	conf := pathplan.Configuration{0.5, 0}

	r := NewDRRTStar(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	res := r.Replan(context.Background(), conf, original.Clone(), 450*time.Millisecond)

	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Mutated, test.ShouldBeTrue)

	repaired := res.ReplannedPath
	test.That(t, repaired.Start().Q().Dist(conf), test.ShouldBeLessThan, 1e-9)
	test.That(t, repaired.Goal().Q().Dist(pathplan.Configuration{2, 0}), test.ShouldBeLessThan, 1e-9)
	assertValidRepairedPath(t, repaired, checker)

	// The repair stays within 1.5x of the unobstructed remaining length.
	test.That(t, repaired.Cost(), test.ShouldBeLessThan, 1.5*1.5)

	// The original path was never touched: the replanner got a clone.
	test.That(t, len(original.Connections()), test.ShouldEqual, 2)
	test.That(t, original.Cost(), test.ShouldEqual, math.Inf(1))
	test.That(t, original.Tree().Root(), test.ShouldEqual, original.Start())
}

func TestDRRTStarZeroBudgetIsASilentNoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	original, _ := obstructedStraightPath(t)
	conf := pathplan.Configuration{0.5, 0}

	r := NewDRRTStar(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	res := r.Replan(context.Background(), conf, original.Clone(), 0)

	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Mutated, test.ShouldBeFalse)

	// The executing path keeps its shape and its obstruction marker.
	test.That(t, len(original.Connections()), test.ShouldEqual, 2)
	test.That(t, original.Connections()[0].Cost(), test.ShouldAlmostEqual, 1.0)
	test.That(t, original.Connections()[1].Cost(), test.ShouldEqual, math.Inf(1))
}

func TestDRRTStarNoObstructionReturnsImmediately(t *testing.T) {
	logger := golog.NewTestLogger(t)
	checker := pathplan.NewSphereChecker(0.01)
	p := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)

	r := NewDRRTStar(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	res := r.Replan(context.Background(), pathplan.Configuration{0.5, 0}, p, 450*time.Millisecond)

	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Mutated, test.ShouldBeFalse)
	test.That(t, res.ReplannedPath, test.ShouldEqual, p)
}

func TestDRRTStarImpossibleRepairDiscardsMutations(t *testing.T) {
	logger := golog.NewTestLogger(t)
	checker := pathplan.NewSphereChecker(0.01)
	// The goal sits inside the obstacle: no repair can exist.
	checker.SetScene(&scene.Snapshot{Obstacles: []scene.Obstacle{
		{ID: "wall", Position: r3.Vector{X: 2, Y: 0}, Radius: 0.8},
	}})
	original := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)
	original.Revalidate(checker)
	test.That(t, original.IsObstructed(), test.ShouldBeTrue)

	r := NewDRRTStar(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	res := r.Replan(context.Background(), pathplan.Configuration{0.5, 0}, original.Clone(), 30*time.Millisecond)

	test.That(t, res.Success, test.ShouldBeFalse)
	// The clone absorbed whatever mutations happened; the original is intact.
	test.That(t, len(original.Connections()), test.ShouldEqual, 2)
	test.That(t, original.Tree().Root(), test.ShouldEqual, original.Start())
	test.That(t, original.Tree().Len(), test.ShouldEqual, 3)
}

func TestNodeBehindObsPicksChildOfLastObstructedEdge(t *testing.T) {
	checker := pathplan.NewSphereChecker(0.01)
	p := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)
	conns := p.Connections()

	// Only the last edge obstructed: the replan goal is its child, the goal.
	conns[2].SetCost(math.Inf(1))
	test.That(t, nodeBehindObs(conns, 0), test.ShouldEqual, p.Goal())

	// A mid-path obstruction selects the first valid node beyond it.
	conns[2].SetCost(1.0)
	conns[1].SetCost(math.Inf(1))
	test.That(t, nodeBehindObs(conns, 0), test.ShouldEqual, conns[1].Child())

	// With several obstructed edges the last one wins.
	conns[2].SetCost(math.Inf(1))
	test.That(t, nodeBehindObs(conns, 0), test.ShouldEqual, conns[2].Child())

	// No obstruction at all.
	conns[1].SetCost(1.0)
	conns[2].SetCost(1.0)
	test.That(t, nodeBehindObs(conns, 0), test.ShouldBeNil)
}
