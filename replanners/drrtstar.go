package replanners

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/edaniels/golog"

	"github.com/armlabs/replan/pathplan"
)

// The anytime-improvement loop of a repair runs until this fraction of the
// replanning budget has elapsed.
const improveBudgetFraction = 0.98

// Informed-sampling ball radius as a multiple of the start-to-goal distance
// of the local repair.
const repairRadiusMultiple = 1.5

// DRRTStar repairs an obstructed path by rewiring the tree behind the
// obstruction: the tree is rerooted at the robot's configuration, locally
// rewired, and then grown with informed samples until 0.98 of the budget has
// elapsed, reattaching the first valid node beyond the obstruction each time
// a cheaper connection to it is found.
type DRRTStar struct {
	lb, ub pathplan.Configuration
	rnd    *rand.Rand
	logger golog.Logger
}

// NewDRRTStar creates the repair strategy over the given joint bounds.
func NewDRRTStar(lb, ub pathplan.Configuration, rnd *rand.Rand, logger golog.Logger) *DRRTStar {
	return &DRRTStar{lb: lb, ub: ub, rnd: rnd, logger: logger}
}

// nodeBehindObs returns the child of the last obstructed connection at or
// after fromIdx: the first valid node beyond the obstruction.
func nodeBehindObs(conns []*pathplan.Connection, fromIdx int) *pathplan.Node {
	for i := len(conns) - 1; i >= fromIdx; i-- {
		if conns[i].IsObstructed() {
			return conns[i].Child()
		}
	}
	return nil
}

// connIndexFrom returns the index of the first connection whose parent is n.
func connIndexFrom(conns []*pathplan.Connection, n *pathplan.Node) int {
	for i, c := range conns {
		if c.Parent() == n {
			return i
		}
	}
	return -1
}

// Replan runs one time-bounded repair. The given path and tree are clones
// owned by this call.
func (r *DRRTStar) Replan(
	ctx context.Context,
	currentConf pathplan.Configuration,
	currentPath *pathplan.Path,
	budget time.Duration,
) Result {
	gate := newDeadlineGate(budget)
	noop := Result{ReplannedPath: currentPath}

	if !math.IsInf(currentPath.CostFrom(currentConf), 1) {
		return noop
	}
	tree := currentPath.Tree()
	if tree == nil {
		r.logger.Error("replanning requested on a path without a tree")
		return noop
	}
	conn, _ := currentPath.FindConnection(currentConf)
	if conn == nil {
		r.logger.Errorw("replanning start is off the current path", "conf", currentConf)
		return noop
	}
	originalRoot := tree.Root()

	nConnsBefore := len(currentPath.Connections())
	nodeReplan, err := currentPath.AddNodeAt(currentConf, conn)
	if err != nil {
		r.logger.Errorw("cannot insert the replanning start node", "error", err)
		return noop
	}
	inserted := len(currentPath.Connections()) != nConnsBefore

	startIdx := connIndexFrom(currentPath.Connections(), nodeReplan)
	if startIdx < 0 {
		startIdx = 0
	}
	replanGoal := nodeBehindObs(currentPath.Connections(), startIdx)
	if replanGoal == nil {
		r.logger.Error("replan goal behind the obstruction not found")
		if inserted {
			tree.RemoveNodeIfUnreferenced(nodeReplan)
		}
		return noop
	}

	radius := repairRadiusMultiple * nodeReplan.Q().Dist(replanGoal.Q())
	sampler, err := pathplan.NewLocalInformedSampler(
		nodeReplan.Q(), replanGoal.Q(), r.lb, r.ub, math.Inf(1), r.rnd)
	if err != nil {
		r.logger.Errorw("cannot build the local informed sampler", "error", err)
		if inserted {
			tree.RemoveNodeIfUnreferenced(nodeReplan)
		}
		return noop
	}
	sampler.AddBall(nodeReplan.Q(), radius)

	// Collected before rerooting flips the early path connections.
	whiteList := currentPath.Nodes()

	if err := tree.Reroot(nodeReplan); err != nil {
		r.logger.Errorw("cannot reroot at the replanning start", "error", err)
		if inserted {
			tree.RemoveNodeIfUnreferenced(nodeReplan)
		}
		return noop
	}

	cache := pathplan.CheckedConnections{}
	rewired := tree.RewireOnlyWithPathCheck(nodeReplan, cache, radius, whiteList, 2)

	// Hide the stale subtree hanging off the replan goal so samples never
	// reattach through it.
	sub := tree.Subtree(nodeReplan, []*pathplan.Node{replanGoal})

	metric := currentPath.Metric()
	checker := currentPath.Checker()
	goalNode := currentPath.Goal()

	success := false
	cost2goal := math.Inf(1)
	for !gate.expired(improveBudgetFraction) && ctx.Err() == nil {
		q := sampler.Sample()
		newNode := sub.Rewire(q, cache, radius, whiteList)
		if newNode == nil {
			continue
		}
		rewired = true

		if newNode.Q().Dist(replanGoal.Q()) > tree.MaxDistance() {
			continue
		}
		cost2new := tree.CostTo(newNode)
		edgeCost := metric.Cost(newNode.Q(), replanGoal.Q())
		if cost2new+edgeCost >= cost2goal {
			continue
		}
		if !checker.CheckPath(newNode.Q(), replanGoal.Q()) {
			continue
		}
		if pc := replanGoal.Parent(); pc != nil {
			pc.Remove()
		}
		if _, err := pathplan.Connect(newNode, replanGoal, edgeCost); err != nil {
			r.logger.Errorw("cannot reattach the replan goal", "error", err)
			break
		}
		cost2goal = cost2new + edgeCost
		success = true
	}

	if success {
		conns, err := tree.ConnectionsTo(goalNode)
		if err == nil {
			replanned, merr := materializePath(conns, tree.MaxDistance(), metric, checker)
			if merr == nil {
				if rerr := tree.Reroot(originalRoot); rerr != nil {
					panic(errRootNotRestored)
				}
				return Result{Success: true, Mutated: true, ReplannedPath: replanned}
			}
			err = merr
		}
		r.logger.Errorw("repaired tree could not be extracted as a path", "error", err)
	}

	if err := tree.Reroot(originalRoot); err != nil {
		panic(errRootNotRestored)
	}
	removed := !inserted || tree.RemoveNodeIfUnreferenced(nodeReplan)
	return Result{Mutated: rewired || !removed, ReplannedPath: currentPath}
}

// materializePath copies a connection chain into a fresh tree so the
// published path is independent of the working tree's root orientation.
func materializePath(
	conns []*pathplan.Connection,
	maxDistance float64,
	metric pathplan.Metric,
	checker pathplan.Checker,
) (*pathplan.Path, error) {
	root := pathplan.NewNode(conns[0].Parent().Q().Clone())
	tree := pathplan.NewTree(root, maxDistance, metric.Clone(), checker.Clone())
	prev := root
	for _, c := range conns {
		next, err := tree.Attach(prev, c.Child().Q(), c.Cost())
		if err != nil {
			return nil, err
		}
		prev = next
	}
	return pathplan.NewPathFromTree(tree, prev)
}
