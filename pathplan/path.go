package pathplan

import (
	"math"

	"github.com/pkg/errors"
)

// conf-on-segment tolerance used when locating a configuration on a path.
const onSegmentTol = 1e-9

var (
	errEmptyPath  = errors.New("path has no connections")
	errBrokenPath = errors.New("consecutive path connections do not share endpoints")
	errOffPath    = errors.New("configuration does not lie on the path")
)

// A Path is an ordered sequence of connections such that each connection's
// child is the next connection's parent. A path shares, and does not own, its
// tree.
type Path struct {
	conns   []*Connection
	tree    *Tree
	metric  Metric
	checker Checker
}

// NewPath validates the chaining of conns and wraps them as a path.
func NewPath(conns []*Connection, metric Metric, checker Checker) (*Path, error) {
	if len(conns) == 0 {
		return nil, errEmptyPath
	}
	for i := 1; i < len(conns); i++ {
		if conns[i-1].child != conns[i].parent {
			return nil, errBrokenPath
		}
	}
	return &Path{conns: conns, metric: metric, checker: checker}, nil
}

// NewPathFromTree builds the path from the tree's root to goal.
func NewPathFromTree(t *Tree, goal *Node) (*Path, error) {
	conns, err := t.ConnectionsTo(goal)
	if err != nil {
		return nil, err
	}
	p, err := NewPath(conns, t.metric, t.checker)
	if err != nil {
		return nil, err
	}
	p.tree = t
	return p, nil
}

// Connections returns the ordered connections.
func (p *Path) Connections() []*Connection {
	return p.conns
}

// SetConnections replaces the ordered connections.
func (p *Path) SetConnections(conns []*Connection) error {
	if len(conns) == 0 {
		return errEmptyPath
	}
	for i := 1; i < len(conns); i++ {
		if conns[i-1].child != conns[i].parent {
			return errBrokenPath
		}
	}
	p.conns = conns
	return nil
}

// Tree returns the tree the path lives in, if any.
func (p *Path) Tree() *Tree {
	return p.tree
}

// SetTree attaches the path to a tree.
func (p *Path) SetTree(t *Tree) {
	p.tree = t
}

// Metric returns the path's metric handle.
func (p *Path) Metric() Metric {
	return p.metric
}

// SetMetric replaces the metric handle.
func (p *Path) SetMetric(m Metric) {
	p.metric = m
	if p.tree != nil {
		p.tree.SetMetric(m)
	}
}

// Checker returns the path's checker handle.
func (p *Path) Checker() Checker {
	return p.checker
}

// SetChecker replaces the checker handle.
func (p *Path) SetChecker(c Checker) {
	p.checker = c
	if p.tree != nil {
		p.tree.SetChecker(c)
	}
}

// Start returns the first node.
func (p *Path) Start() *Node {
	return p.conns[0].parent
}

// Goal returns the last node.
func (p *Path) Goal() *Node {
	return p.conns[len(p.conns)-1].child
}

// Nodes returns the path's nodes in order, endpoints included.
func (p *Path) Nodes() []*Node {
	out := make([]*Node, 0, len(p.conns)+1)
	out = append(out, p.conns[0].parent)
	for _, c := range p.conns {
		out = append(out, c.child)
	}
	return out
}

// Waypoints returns the path's configurations in order.
func (p *Path) Waypoints() []Configuration {
	nodes := p.Nodes()
	out := make([]Configuration, len(nodes))
	for i, n := range nodes {
		out[i] = n.q
	}
	return out
}

// Cost returns the sum of the edge costs.
func (p *Path) Cost() float64 {
	cost := 0.0
	for _, c := range p.conns {
		cost += c.cost
	}
	return cost
}

// IsObstructed reports whether any edge cost is +Inf.
func (p *Path) IsObstructed() bool {
	for _, c := range p.conns {
		if c.IsObstructed() {
			return true
		}
	}
	return false
}

// FindConnection locates the connection whose segment contains q, returning
// it with its index, or (nil, -1) when q is off the path. A configuration on
// a shared endpoint resolves to the earlier connection.
func (p *Path) FindConnection(q Configuration) (*Connection, int) {
	for i, c := range p.conns {
		d := c.parent.q.Dist(c.child.q)
		if c.parent.q.Dist(q)+q.Dist(c.child.q) <= d+onSegmentTol*(1+d) {
			return c, i
		}
	}
	return nil, -1
}

// CostFrom returns the cost from q to the goal: the remainder of the
// connection containing q plus all following edges. An obstructed remainder
// yields +Inf. Returns +Inf when q is off the path.
func (p *Path) CostFrom(q Configuration) float64 {
	conn, idx := p.FindConnection(q)
	if conn == nil {
		return math.Inf(1)
	}
	cost := 0.0
	if conn.IsObstructed() {
		return math.Inf(1)
	}
	d := conn.parent.q.Dist(conn.child.q)
	if d > 0 {
		cost += conn.cost * (q.Dist(conn.child.q) / d)
	}
	for _, c := range p.conns[idx+1:] {
		cost += c.cost
	}
	return cost
}

// AddNodeAt splits conn at q, inserting a node in the tree and replacing the
// connection in the path's own sequence. If q coincides with an endpoint of
// conn, that node is returned and the path is unchanged.
func (p *Path) AddNodeAt(q Configuration, conn *Connection) (*Node, error) {
	if p.tree == nil {
		return nil, errors.New("path has no tree to insert into")
	}
	idx := -1
	for i, c := range p.conns {
		if c == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errOffPath
	}
	node := p.tree.SplitConnection(conn, q, onSegmentTol)
	if node == conn.parent || node == conn.child {
		return node, nil
	}
	replaced := make([]*Connection, 0, len(p.conns)+1)
	replaced = append(replaced, p.conns[:idx]...)
	replaced = append(replaced, node.parent, node.children[len(node.children)-1])
	replaced = append(replaced, p.conns[idx+1:]...)
	p.conns = replaced
	return node, nil
}

// SubpathFrom returns the portion of the path from n to the goal.
func (p *Path) SubpathFrom(n *Node) (*Path, error) {
	if n == p.Goal() {
		return nil, errors.New("subpath from the goal is empty")
	}
	for i, c := range p.conns {
		if c.parent == n {
			sub, err := NewPath(p.conns[i:], p.metric, p.checker)
			if err != nil {
				return nil, err
			}
			sub.tree = p.tree
			return sub, nil
		}
	}
	return nil, errOffPath
}

// Revalidate re-checks every edge with the given checker, restoring the
// metric cost of valid edges and marking invalid ones +Inf. Returns whether
// the whole path is valid.
func (p *Path) Revalidate(checker Checker) bool {
	valid := true
	for _, c := range p.conns {
		if checker.CheckConnection(c) {
			c.SetCost(p.metric.Cost(c.parent.q, c.child.q))
		} else {
			c.SetCost(math.Inf(1))
			valid = false
		}
	}
	return valid
}

// RevalidateFrom re-checks only the portion of the path from q onward. Edges
// before q are left untouched. When q is off the path every edge is
// re-checked, as in Revalidate. Returns whether the checked portion is valid.
func (p *Path) RevalidateFrom(q Configuration, checker Checker) bool {
	conn, idx := p.FindConnection(q)
	if conn == nil {
		return p.Revalidate(checker)
	}
	valid := true
	if checker.CheckPath(q, conn.child.q) {
		c := conn
		c.SetCost(p.metric.Cost(c.parent.q, c.child.q))
	} else {
		conn.SetCost(math.Inf(1))
		valid = false
	}
	for _, c := range p.conns[idx+1:] {
		if checker.CheckConnection(c) {
			c.SetCost(p.metric.Cost(c.parent.q, c.child.q))
		} else {
			c.SetCost(math.Inf(1))
			valid = false
		}
	}
	return valid
}

// Clone deep-copies the path together with its tree so mutating the clone
// never touches the original. Metric and checker are cloned through their
// contracts. A tree-less path gets a fresh tree rooted at its start.
func (p *Path) Clone() *Path {
	tree := p.tree
	if tree == nil {
		tree = treeFromConnections(p.conns, p.metric, p.checker)
	}
	newTree, mapping := tree.Clone()
	conns := make([]*Connection, len(p.conns))
	for i, c := range p.conns {
		newParent := mapping[c.parent]
		for _, nc := range newParent.children {
			if nc.child == mapping[c.child] {
				conns[i] = nc
				break
			}
		}
	}
	out := &Path{
		conns:   conns,
		tree:    newTree,
		metric:  newTree.metric,
		checker: newTree.checker,
	}
	return out
}

// treeFromConnections builds a minimal tree owning exactly the path chain.
func treeFromConnections(conns []*Connection, metric Metric, checker Checker) *Tree {
	t := NewTree(conns[0].parent, math.Inf(1), metric, checker)
	for _, c := range conns {
		t.register(c.child)
	}
	return t
}
