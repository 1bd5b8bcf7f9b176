package pathplan

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

var errNotInTree = errors.New("node does not belong to the tree")

// A Tree is a rooted collection of nodes. It exclusively owns its nodes and
// connections. A subtree view shares nodes with its base tree; insertions
// through the view register in both.
type Tree struct {
	root        *Node
	nodes       map[*Node]struct{}
	maxDistance float64
	metric      Metric
	checker     Checker

	// base is non-nil for subtree views; additions propagate to it.
	base *Tree
}

// NewTree creates a tree rooted at root.
func NewTree(root *Node, maxDistance float64, metric Metric, checker Checker) *Tree {
	t := &Tree{
		root:        root,
		nodes:       map[*Node]struct{}{root: {}},
		maxDistance: maxDistance,
		metric:      metric,
		checker:     checker,
	}
	return t
}

// Root returns the current root.
func (t *Tree) Root() *Node {
	return t.root
}

// MaxDistance returns the RRT step limit.
func (t *Tree) MaxDistance() float64 {
	return t.maxDistance
}

// Metric returns the tree's metric handle.
func (t *Tree) Metric() Metric {
	return t.metric
}

// Checker returns the tree's checker handle.
func (t *Tree) Checker() Checker {
	return t.checker
}

// SetMetric replaces the metric handle.
func (t *Tree) SetMetric(m Metric) {
	t.metric = m
}

// SetChecker replaces the checker handle.
func (t *Tree) SetChecker(c Checker) {
	t.checker = c
}

// InTree reports membership of n.
func (t *Tree) InTree(n *Node) bool {
	_, ok := t.nodes[n]
	return ok
}

// Len returns the number of nodes visible in the tree.
func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) register(n *Node) {
	t.nodes[n] = struct{}{}
	if t.base != nil {
		t.base.register(n)
	}
}

func (t *Tree) unregister(n *Node) {
	delete(t.nodes, n)
	if t.base != nil {
		t.base.unregister(n)
	}
}

// NearestNeighbor returns the visible node closest to q.
func (t *Tree) NearestNeighbor(q Configuration) *Node {
	bestDist := math.Inf(1)
	var best *Node
	for n := range t.nodes {
		if d := n.q.Dist(q); d < bestDist {
			bestDist = d
			best = n
		}
	}
	return best
}

// Near returns the visible nodes within radius of q.
func (t *Tree) Near(q Configuration, radius float64) []*Node {
	var out []*Node
	for n := range t.nodes {
		if n.q.Dist(q) <= radius {
			out = append(out, n)
		}
	}
	return out
}

// Extend performs a classical RRT step toward q, limited to the tree's step
// distance, validating the new edge with the checker. Returns nil when no
// progress was made.
func (t *Tree) Extend(q Configuration) *Node {
	near := t.NearestNeighbor(q)
	if near == nil {
		return nil
	}
	qNew, _ := near.q.StepToward(q, t.maxDistance)
	if qNew.Dist(near.q) == 0 {
		return nil
	}
	if !t.checker.CheckPath(near.q, qNew) {
		return nil
	}
	node := NewNode(qNew)
	if _, err := Connect(near, node, t.metric.Cost(near.q, qNew)); err != nil {
		return nil
	}
	t.register(node)
	return node
}

// Attach creates a node at q connected under parent with the given edge cost
// and registers it in the tree. No collision check is performed; callers
// validate the edge themselves.
func (t *Tree) Attach(parent *Node, q Configuration, cost float64) (*Node, error) {
	if !t.InTree(parent) {
		return nil, errNotInTree
	}
	node := NewNode(q.Clone())
	if _, err := Connect(parent, node, cost); err != nil {
		return nil, err
	}
	t.register(node)
	return node, nil
}

// CostTo returns the cost of the chain from the root to n, +Inf if any edge
// on the chain is obstructed.
func (t *Tree) CostTo(n *Node) float64 {
	cost := 0.0
	for cur := n; cur.parent != nil; cur = cur.parent.parent {
		cost += cur.parent.cost
	}
	return cost
}

// ConnectionsTo returns the chain of connections from the root to n in path
// order.
func (t *Tree) ConnectionsTo(n *Node) ([]*Connection, error) {
	if !t.InTree(n) {
		return nil, errNotInTree
	}
	var chain []*Connection
	for cur := n; cur.parent != nil; cur = cur.parent.parent {
		chain = append(chain, cur.parent)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Reroot makes n the root by reversing the edge orientations along the chain
// from the old root to n, preserving costs.
func (t *Tree) Reroot(n *Node) error {
	if !t.InTree(n) {
		return errNotInTree
	}
	if n == t.root {
		return nil
	}
	var chain []*Connection
	for cur := n; cur.parent != nil; cur = cur.parent.parent {
		chain = append(chain, cur.parent)
	}
	// Detach the whole chain first so the single-parent invariant holds while
	// edges are re-added in reversed orientation.
	for _, c := range chain {
		c.parent.removeChild(c)
		if c.child.parent == c {
			c.child.parent = nil
		}
	}
	for _, c := range chain {
		c.parent, c.child = c.child, c.parent
		c.parent.children = append(c.parent.children, c)
		c.child.parent = c
	}
	t.root = n
	if t.base != nil {
		t.base.root = n
	}
	return nil
}

// SplitConnection inserts a node at q on conn, replacing conn with two
// connections whose costs are measured by the tree's metric. If q coincides
// with an endpoint of conn within tol, that endpoint is returned and the
// edge is left alone.
func (t *Tree) SplitConnection(conn *Connection, q Configuration, tol float64) *Node {
	if q.Dist(conn.parent.q) <= tol {
		return conn.parent
	}
	if q.Dist(conn.child.q) <= tol {
		return conn.child
	}
	parent, child := conn.parent, conn.child
	obstructed := conn.IsObstructed()
	conn.Remove()
	node := NewNode(q)
	_, _ = Connect(parent, node, t.metric.Cost(parent.q, q))
	down, _ := Connect(node, child, t.metric.Cost(q, child.q))
	if obstructed {
		// Preserve the obstruction on the far half; the near half is re-checked
		// by the next collision cycle.
		down.SetCost(math.Inf(1))
	}
	t.register(node)
	return node
}

// RemoveNodeIfUnreferenced removes n when nothing depends on it: a leaf is
// detached outright, and a pass-through node with a single child is spliced
// out, restoring a direct connection between its neighbors with the summed
// cost. Nodes with several children are left alone.
func (t *Tree) RemoveNodeIfUnreferenced(n *Node) bool {
	if n == t.root || !t.InTree(n) {
		return false
	}
	switch len(n.children) {
	case 0:
		if n.parent != nil {
			n.parent.Remove()
		}
		t.unregister(n)
		return true
	case 1:
		if n.parent == nil {
			return false
		}
		up, down := n.parent, n.children[0]
		parent, child := up.parent, down.child
		cost := up.cost + down.cost
		up.Remove()
		down.Remove()
		if _, err := Connect(parent, child, cost); err != nil {
			return false
		}
		t.unregister(n)
		return true
	default:
		return false
	}
}

// Subtree returns a view of the tree restricted to the descendants of root,
// hiding the nodes in blackList together with their own descendants. New
// nodes created through the view register in the base tree as well.
func (t *Tree) Subtree(root *Node, blackList []*Node) *Tree {
	hidden := make(map[*Node]struct{}, len(blackList))
	for _, n := range blackList {
		hidden[n] = struct{}{}
	}
	sub := &Tree{
		root:        root,
		nodes:       map[*Node]struct{}{},
		maxDistance: t.maxDistance,
		metric:      t.metric,
		checker:     t.checker,
		base:        t,
	}
	var walk func(n *Node)
	walk = func(n *Node) {
		if _, skip := hidden[n]; skip {
			return
		}
		sub.nodes[n] = struct{}{}
		for _, c := range n.children {
			walk(c.child)
		}
	}
	walk(root)
	return sub
}

// Clone returns a deep copy of the tree along with the old-to-new node
// mapping. Metric and checker are cloned through their contracts.
func (t *Tree) Clone() (*Tree, map[*Node]*Node) {
	mapping := make(map[*Node]*Node, len(t.nodes))
	newRoot := NewNode(t.root.q.Clone())
	mapping[t.root] = newRoot
	out := NewTree(newRoot, t.maxDistance, t.metric.Clone(), t.checker.Clone())
	var walk func(oldN *Node)
	walk = func(oldN *Node) {
		for _, c := range oldN.children {
			newChild := NewNode(c.child.q.Clone())
			mapping[c.child] = newChild
			if _, err := Connect(mapping[oldN], newChild, c.cost); err != nil {
				continue
			}
			out.register(newChild)
			walk(c.child)
		}
	}
	walk(t.root)
	return out, mapping
}

// isDescendant reports whether n lies in the subtree hanging off anc.
func isDescendant(anc, n *Node) bool {
	for cur := n; cur != nil; cur = cur.ParentNode() {
		if cur == anc {
			return true
		}
	}
	return false
}

// protectedByWhiteList reports whether reparenting n would change the edge
// sequence of a white-listed node: n itself or any of its descendants is on
// the list.
func protectedByWhiteList(n *Node, whiteList map[*Node]struct{}) bool {
	if _, ok := whiteList[n]; ok {
		return true
	}
	for _, c := range n.children {
		if protectedByWhiteList(c.child, whiteList) {
			return true
		}
	}
	return false
}

func whiteListSet(whiteList []*Node) map[*Node]struct{} {
	set := make(map[*Node]struct{}, len(whiteList))
	for _, n := range whiteList {
		set[n] = struct{}{}
	}
	return set
}

// validToRoot revalidates the chain from n to the root through the checked
// cache, marking failures obstructed. Returns false if any edge fails.
func (t *Tree) validToRoot(n *Node, cache CheckedConnections) bool {
	for cur := n; cur.parent != nil; cur = cur.parent.parent {
		if !cache.Check(t.checker, cur.parent) {
			return false
		}
	}
	return true
}

// Rewire inserts a nearest-neighbor step toward q and then attempts to
// reparent, in both directions, every node within radius of the new node
// whenever doing so reduces cost, unless the reparenting would remove an
// edge on the white-listed path. Returns the inserted node, or nil when no
// node was added.
func (t *Tree) Rewire(q Configuration, cache CheckedConnections, radius float64, whiteList []*Node) *Node {
	near := t.NearestNeighbor(q)
	if near == nil {
		return nil
	}
	qNew, _ := near.q.StepToward(q, t.maxDistance)
	if qNew.Dist(near.q) == 0 {
		return nil
	}
	if !t.checker.CheckPath(near.q, qNew) {
		return nil
	}

	neighbors := t.Near(qNew, radius)
	white := whiteListSet(whiteList)

	// Choose the parent among the neighborhood minimizing cost to the new node.
	type candidate struct {
		n    *Node
		cost float64 // cost of the edge n -> qNew
	}
	cands := []candidate{{near, t.metric.Cost(near.q, qNew)}}
	for _, nb := range neighbors {
		if nb != near {
			cands = append(cands, candidate{nb, t.metric.Cost(nb.q, qNew)})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		return t.CostTo(cands[i].n)+cands[i].cost < t.CostTo(cands[j].n)+cands[j].cost
	})

	var node *Node
	for _, cand := range cands {
		if math.IsInf(t.CostTo(cand.n), 1) || !t.validToRoot(cand.n, cache) {
			continue
		}
		if cand.n != near && !t.checker.CheckPath(cand.n.q, qNew) {
			continue
		}
		node = NewNode(qNew)
		if _, err := Connect(cand.n, node, cand.cost); err != nil {
			return nil
		}
		t.register(node)
		break
	}
	if node == nil {
		return nil
	}

	// Outgoing pass: route neighbors through the new node when cheaper.
	newCost := t.CostTo(node)
	for _, nb := range neighbors {
		if nb == node.ParentNode() || isDescendant(node, nb) || nb.parent == nil {
			continue
		}
		if protectedByWhiteList(nb, white) {
			continue
		}
		edge := t.metric.Cost(node.q, nb.q)
		if newCost+edge >= t.CostTo(nb) {
			continue
		}
		if !t.checker.CheckPath(node.q, nb.q) {
			continue
		}
		nb.parent.Remove()
		if _, err := Connect(node, nb, edge); err != nil {
			continue
		}
	}
	return node
}

// RewireOnlyWithPathCheck runs a pure rewire pass over the nodes within
// radius of origin, descending at most depth levels from origin; no node is
// added. Candidate parents are revalidated to the root through the checked
// cache. Returns whether the tree was modified.
func (t *Tree) RewireOnlyWithPathCheck(
	origin *Node,
	cache CheckedConnections,
	radius float64,
	whiteList []*Node,
	depth int,
) bool {
	white := whiteListSet(whiteList)
	modified := false

	type item struct {
		n *Node
		d int
	}
	queue := []item{{origin, 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.d < depth {
			for _, c := range it.n.children {
				queue = append(queue, item{c.child, it.d + 1})
			}
		}
		v := it.n
		if v == t.root || v.parent == nil {
			continue
		}
		if protectedByWhiteList(v, white) {
			continue
		}

		neighbors := t.Near(v.q, radius)
		sort.Slice(neighbors, func(i, j int) bool {
			return t.CostTo(neighbors[i])+t.metric.Cost(neighbors[i].q, v.q) <
				t.CostTo(neighbors[j])+t.metric.Cost(neighbors[j].q, v.q)
		})
		curCost := t.CostTo(v)
		for _, nb := range neighbors {
			if nb == v || nb == v.ParentNode() || isDescendant(v, nb) {
				continue
			}
			edge := t.metric.Cost(nb.q, v.q)
			if t.CostTo(nb)+edge >= curCost {
				break // neighbors are sorted; nothing further improves
			}
			if !t.validToRoot(nb, cache) {
				continue
			}
			if !t.checker.CheckPath(nb.q, v.q) {
				continue
			}
			v.parent.Remove()
			if _, err := Connect(nb, v, edge); err != nil {
				break
			}
			modified = true
			break
		}
	}
	return modified
}
