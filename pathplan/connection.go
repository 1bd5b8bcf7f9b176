package pathplan

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// A Connection is a directed edge from a parent node to a child node with a
// mutable non-negative cost. A cost of +Inf marks the edge as obstructed.
type Connection struct {
	parent *Node
	child  *Node
	cost   float64
}

// Connect wires a new connection into both endpoints' adjacency lists.
// The child must not already have a parent.
func Connect(parent, child *Node, cost float64) (*Connection, error) {
	if parent == child {
		return nil, errors.New("cannot connect a node to itself")
	}
	if child.parent != nil {
		return nil, errors.Errorf("%v already has a parent", child)
	}
	c := &Connection{parent: parent, child: child, cost: cost}
	parent.children = append(parent.children, c)
	child.parent = c
	return c, nil
}

// Remove detaches the connection from both endpoints.
func (c *Connection) Remove() {
	c.parent.removeChild(c)
	if c.child.parent == c {
		c.child.parent = nil
	}
}

// Parent returns the parent endpoint.
func (c *Connection) Parent() *Node {
	return c.parent
}

// Child returns the child endpoint.
func (c *Connection) Child() *Node {
	return c.child
}

// Cost returns the current edge cost.
func (c *Connection) Cost() float64 {
	return c.cost
}

// SetCost updates the edge cost.
func (c *Connection) SetCost(cost float64) {
	c.cost = cost
}

// IsObstructed reports whether the edge cost is +Inf.
func (c *Connection) IsObstructed() bool {
	return math.IsInf(c.cost, 1)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%v -> %v (cost %v)", c.parent.q, c.child.q, c.cost)
}

// flip reverses the edge orientation in place, preserving cost. The caller is
// responsible for keeping the single-parent invariant across the whole chain
// being reversed; see Tree.Reroot.
func (c *Connection) flip() {
	c.parent.removeChild(c)
	if c.child.parent == c {
		c.child.parent = nil
	}
	c.parent, c.child = c.child, c.parent
	c.parent.children = append(c.parent.children, c)
	c.child.parent = c
}

// CheckedConnections caches edge validity established during a single
// replanning call so redundant collision queries are skipped. A failed check
// marks the edge cost +Inf rather than deleting the edge.
type CheckedConnections map[*Connection]bool

// Check returns the cached validity of c, querying the checker on a miss.
func (cc CheckedConnections) Check(checker Checker, c *Connection) bool {
	if valid, ok := cc[c]; ok {
		return valid
	}
	valid := checker.CheckPath(c.parent.q, c.child.q)
	cc[c] = valid
	if !valid {
		c.SetCost(math.Inf(1))
	}
	return valid
}
