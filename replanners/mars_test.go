package replanners

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/armlabs/replan/pathplan"
	"github.com/armlabs/replan/ssm"
)

func TestMARSStitchesThroughAlternatePath(t *testing.T) {
	logger := golog.NewTestLogger(t)
	original, checker := obstructedStraightPath(t)
	alternate := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 1}, {2, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)
	test.That(t, alternate.Revalidate(checker), test.ShouldBeTrue)

	conf := pathplan.Configuration{0.5, 0}
	r := NewMARS(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	r.SetOtherPaths([]*pathplan.Path{alternate.Clone()})

	res := r.Replan(context.Background(), conf, original.Clone(), 50*time.Millisecond)

	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Mutated, test.ShouldBeTrue)

	repaired := res.ReplannedPath
	test.That(t, repaired.Start().Q().Dist(conf), test.ShouldBeLessThan, 1e-9)
	test.That(t, repaired.Goal().Q().Dist(pathplan.Configuration{2, 0}), test.ShouldBeLessThan, 1e-9)
	assertValidRepairedPath(t, repaired, checker)

	// The repair rides the alternate: some waypoint comes from it.
	throughAlternate := false
	for _, q := range repaired.Waypoints() {
		if q.Dist(pathplan.Configuration{1, 1}) < 1e-9 {
			throughAlternate = true
		}
	}
	test.That(t, throughAlternate, test.ShouldBeTrue)

	// The original executing path was untouched.
	test.That(t, len(original.Connections()), test.ShouldEqual, 2)
	test.That(t, original.Tree().Root(), test.ShouldEqual, original.Start())
}

func TestMARSWithoutAlternatesRollsBackWhenOwnSuffixIsBlocked(t *testing.T) {
	logger := golog.NewTestLogger(t)
	original, _ := obstructedStraightPath(t)

	// Full net search may bridge straight onto the current path's suffix, but
	// here every direct segment to (2,0) crosses the crate, so the repair
	// fails and reports a clean rollback.
	conf := pathplan.Configuration{0.5, 0}
	r := NewMARS(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	r.SetOtherPaths(nil)

	res := r.Replan(context.Background(), conf, original.Clone(), 20*time.Millisecond)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Mutated, test.ShouldBeFalse)
}

func TestMARSNoObstructionReturnsImmediately(t *testing.T) {
	logger := golog.NewTestLogger(t)
	checker := pathplan.NewSphereChecker(0.01)
	p := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}},
		0.4, pathplan.NewEuclideanMetric(), checker)

	r := NewMARS(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	res := r.Replan(context.Background(), pathplan.Configuration{0.5, 0}, p, 50*time.Millisecond)

	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Mutated, test.ShouldBeFalse)
	test.That(t, res.ReplannedPath, test.ShouldEqual, p)
}

func TestMARSHAForcesFullNetSearchOff(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r := NewMARSHA(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	test.That(t, r.fullNetSearch, test.ShouldBeFalse)

	r.SetFullNetSearch(true)
	test.That(t, r.fullNetSearch, test.ShouldBeFalse)
}

func TestMARSHARepairsWithSSMWeightedMetric(t *testing.T) {
	logger := golog.NewTestLogger(t)

	est := ssm.NewChainEstimator(&ssm.PointChain{ToolFrame: "tool"}, ssm.ChainEstimatorConfig{
		MaxStepSize: 0.05,
		MaxCartAcc:  2.0,
		Tr:          0.15,
		MinDistance: 0.1,
		Vh:          1.6,
	})
	metric := ssm.NewLengthPenaltyMetric(est)

	checker := pathplan.NewSphereChecker(0.01)
	checker.SetScene(blockedScene())
	est.SetObstaclePositions(blockedScene().PositionsMatrix(nil))

	original := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 0}, {2, 0}},
		0.4, metric, checker)
	test.That(t, original.Revalidate(checker), test.ShouldBeFalse)
	alternate := straightPath(t,
		[]pathplan.Configuration{{0, 0}, {1, 1}, {2, 0}},
		0.4, metric, checker)
	test.That(t, alternate.Revalidate(checker), test.ShouldBeTrue)

	conf := pathplan.Configuration{0.5, 0}
	r := NewMARSHA(testLb, testUb, rand.New(rand.NewSource(1)), logger)
	r.SetOtherPaths([]*pathplan.Path{alternate.Clone()})

	res := r.Replan(context.Background(), conf, original.Clone(), 50*time.Millisecond)
	test.That(t, res.Success, test.ShouldBeTrue)

	repaired := res.ReplannedPath
	for _, c := range repaired.Connections() {
		test.That(t, math.IsInf(c.Cost(), 1), test.ShouldBeFalse)
		// SSM weighting never prices an edge below its length.
		test.That(t, c.Cost(), test.ShouldBeGreaterThanOrEqualTo,
			c.Parent().Q().Dist(c.Child().Q())-1e-9)
	}
}
