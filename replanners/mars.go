package replanners

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/armlabs/replan/pathplan"
)

// MARS repairs an obstructed path by stitching its valid prefix to one of a
// bank of alternate start-to-goal paths through a bridge edge, then spends
// the remaining budget improving the stitched region with informed rewiring.
type MARS struct {
	lb, ub pathplan.Configuration
	rnd    *rand.Rand
	logger golog.Logger

	// fullNetSearch additionally offers the current path's own suffix beyond
	// the obstruction as a bridge target.
	fullNetSearch bool

	mu         sync.Mutex
	otherPaths []*pathplan.Path
}

// NewMARS creates the multi-path repair strategy over the given joint bounds.
func NewMARS(lb, ub pathplan.Configuration, rnd *rand.Rand, logger golog.Logger) *MARS {
	return &MARS{lb: lb, ub: ub, rnd: rnd, logger: logger, fullNetSearch: true}
}

// SetFullNetSearch toggles bridging onto the current path's own suffix.
func (r *MARS) SetFullNetSearch(enabled bool) {
	r.fullNetSearch = enabled
}

// SetOtherPaths installs the alternate-path bank used by the next call.
// The paths must be clones owned by the replanner.
func (r *MARS) SetOtherPaths(paths []*pathplan.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.otherPaths = paths
}

// A bridgeCandidate stitches prefix node v to target-path node w.
type bridgeCandidate struct {
	v          *pathplan.Node
	w          *pathplan.Node
	suffix     []*pathplan.Connection
	edgeCost   float64
	totalCost  float64
	suffixCost float64
}

// Replan runs one time-bounded repair. The given path and tree are clones
// owned by this call.
func (r *MARS) Replan(
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

	// Locate the obstruction and the still-valid prefix before rerooting
	// flips the orientation of the early path connections.
	conns := currentPath.Connections()
	startIdx := connIndexFrom(conns, nodeReplan)
	if startIdx < 0 {
		startIdx = 0
	}
	obsIdx := -1
	for i := startIdx; i < len(conns); i++ {
		if conns[i].IsObstructed() {
			obsIdx = i
			break
		}
	}
	if obsIdx < 0 {
		r.logger.Error("no obstructed edge found beyond the current configuration")
		if inserted {
			tree.RemoveNodeIfUnreferenced(nodeReplan)
		}
		return noop
	}

	// Bridge sources: the nodes of the still-valid prefix.
	prefix := []*pathplan.Node{nodeReplan}
	for i := startIdx; i < obsIdx; i++ {
		prefix = append(prefix, conns[i].Child())
	}

	if err := tree.Reroot(nodeReplan); err != nil {
		r.logger.Errorw("cannot reroot at the replanning start", "error", err)
		if inserted {
			tree.RemoveNodeIfUnreferenced(nodeReplan)
		}
		return noop
	}

	rollback := func(rewired bool) Result {
		if err := tree.Reroot(originalRoot); err != nil {
			panic(errRootNotRestored)
		}
		removed := !inserted || tree.RemoveNodeIfUnreferenced(nodeReplan)
		return Result{Mutated: rewired || !removed, ReplannedPath: currentPath}
	}

	metric := currentPath.Metric()
	checker := currentPath.Checker()

	r.mu.Lock()
	targets := make([]*pathplan.Path, len(r.otherPaths))
	copy(targets, r.otherPaths)
	r.mu.Unlock()
	if r.fullNetSearch {
		targets = append(targets, currentPath)
	}

	candidates := r.collectBridges(tree, prefix, targets, obsIdx, metric)
	if len(candidates) == 0 {
		r.logger.Debug("no bridge candidate reaches past the obstruction")
		return rollback(false)
	}

	var accepted *bridgeCandidate
	for i := range candidates {
		if gate.expired(improveBudgetFraction) || ctx.Err() != nil {
			break
		}
		cand := &candidates[i]
		if checker.CheckPath(cand.v.Q(), cand.w.Q()) {
			accepted = cand
			break
		}
	}
	if accepted == nil {
		return rollback(false)
	}

	// Graft the bridge and the target suffix into the tree as fresh nodes.
	wNew, err := tree.Attach(accepted.v, accepted.w.Q(), accepted.edgeCost)
	if err != nil {
		r.logger.Errorw("cannot graft the bridge", "error", err)
		return rollback(false)
	}
	goalNew := wNew
	for _, c := range accepted.suffix {
		next, aerr := tree.Attach(goalNew, c.Child().Q(), c.Cost())
		if aerr != nil {
			r.logger.Errorw("cannot graft the alternate suffix", "error", aerr)
			return rollback(true)
		}
		goalNew = next
	}

	r.improveBridge(ctx, gate, tree, currentPath, nodeReplan, accepted.v, wNew)

	treeConns, err := tree.ConnectionsTo(goalNew)
	if err != nil {
		r.logger.Errorw("stitched tree could not be extracted as a path", "error", err)
		return rollback(true)
	}
	replanned, err := materializePath(treeConns, tree.MaxDistance(), metric, checker)
	if err != nil {
		r.logger.Errorw("stitched path could not be materialized", "error", err)
		return rollback(true)
	}
	if err := tree.Reroot(originalRoot); err != nil {
		panic(errRootNotRestored)
	}
	return Result{Success: true, Mutated: true, ReplannedPath: replanned}
}

// collectBridges enumerates valid-suffix landing nodes on every target path
// and orders the candidate bridges by total repaired cost.
func (r *MARS) collectBridges(
	tree *pathplan.Tree,
	prefix []*pathplan.Node,
	targets []*pathplan.Path,
	obsIdx int,
	metric pathplan.Metric,
) []bridgeCandidate {
	var out []bridgeCandidate
	for _, target := range targets {
		tConns := target.Connections()
		// On the current path itself only nodes beyond the obstruction are
		// valid landings; bridging before it would re-cross the obstacle.
		firstLanding := 1
		if target.Tree() == tree {
			firstLanding = obsIdx + 1
		}
		for i := firstLanding; i <= len(tConns); i++ {
			var w *pathplan.Node
			var suffix []*pathplan.Connection
			if i == len(tConns) {
				w = target.Goal()
			} else {
				w = tConns[i].Parent()
				suffix = tConns[i:]
			}
			suffixCost := 0.0
			obstructed := false
			for _, c := range suffix {
				if c.IsObstructed() {
					obstructed = true
					break
				}
				suffixCost += c.Cost()
			}
			if obstructed {
				continue
			}
			for _, v := range prefix {
				if v == w {
					continue
				}
				edge := metric.Cost(v.Q(), w.Q())
				out = append(out, bridgeCandidate{
					v:          v,
					w:          w,
					suffix:     suffix,
					edgeCost:   edge,
					suffixCost: suffixCost,
					totalCost:  tree.CostTo(v) + edge + suffixCost,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].totalCost < out[j].totalCost
	})
	return out
}

// improveBridge spends the remaining budget rewiring around the stitched
// region, reattaching the bridge landing through any cheaper sampled node.
func (r *MARS) improveBridge(
	ctx context.Context,
	gate *deadlineGate,
	tree *pathplan.Tree,
	currentPath *pathplan.Path,
	nodeReplan, v, wNew *pathplan.Node,
) {
	radius := repairRadiusMultiple * v.Q().Dist(wNew.Q())
	if radius == 0 {
		return
	}
	sampler, err := pathplan.NewLocalInformedSampler(
		nodeReplan.Q(), wNew.Q(), r.lb, r.ub, math.Inf(1), r.rnd)
	if err != nil {
		return
	}
	sampler.AddBall(v.Q(), radius)

	cache := pathplan.CheckedConnections{}
	whiteList := append(currentPath.Nodes(), wNew)
	sub := tree.Subtree(nodeReplan, []*pathplan.Node{wNew})
	metric := tree.Metric()
	checker := tree.Checker()

	bridgeSideCost := tree.CostTo(wNew)
	for !gate.expired(improveBudgetFraction) && ctx.Err() == nil {
		q := sampler.Sample()
		newNode := sub.Rewire(q, cache, radius, whiteList)
		if newNode == nil {
			continue
		}
		if newNode.Q().Dist(wNew.Q()) > tree.MaxDistance() {
			continue
		}
		cost2new := tree.CostTo(newNode)
		edgeCost := metric.Cost(newNode.Q(), wNew.Q())
		if cost2new+edgeCost >= bridgeSideCost {
			continue
		}
		if !checker.CheckPath(newNode.Q(), wNew.Q()) {
			continue
		}
		if pc := wNew.Parent(); pc != nil {
			pc.Remove()
		}
		if _, err := pathplan.Connect(newNode, wNew, edgeCost); err != nil {
			return
		}
		bridgeSideCost = cost2new + edgeCost
	}
}
