package pathplan

import (
	"math"
	"testing"

	"go.viam.com/test"

	"github.com/armlabs/replan/scene"
)

func buildLine(t *testing.T, waypoints []Configuration, maxDistance float64) (*Tree, []*Node) {
	t.Helper()
	metric := NewEuclideanMetric()
	checker := NewSphereChecker(0.01)
	root := NewNode(waypoints[0])
	tree := NewTree(root, maxDistance, metric, checker)
	nodes := []*Node{root}
	prev := root
	for _, q := range waypoints[1:] {
		next, err := tree.Attach(prev, q, metric.Cost(prev.Q(), q))
		test.That(t, err, test.ShouldBeNil)
		nodes = append(nodes, next)
		prev = next
	}
	return tree, nodes
}

// checkTreeInvariants verifies that every non-root node has exactly one
// parent edge whose endpoints match the adjacency lists.
func checkTreeInvariants(t *testing.T, tree *Tree) {
	t.Helper()
	for n := range tree.nodes {
		if n == tree.root {
			test.That(t, n.parent, test.ShouldBeNil)
			continue
		}
		test.That(t, n.parent, test.ShouldNotBeNil)
		test.That(t, n.parent.child, test.ShouldEqual, n)
		found := false
		for _, c := range n.parent.parent.children {
			if c == n.parent {
				found = true
			}
		}
		test.That(t, found, test.ShouldBeTrue)
	}
}

func undirectedEdges(tree *Tree) map[[2]int]float64 {
	out := map[[2]int]float64{}
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.children {
			a, b := c.parent.name, c.child.name
			if a > b {
				a, b = b, a
			}
			out[[2]int{a, b}] = c.cost
			walk(c.child)
		}
	}
	walk(tree.root)
	return out
}

func TestTreeSingleParent(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}, {2, 0}}, 0.4)
	checkTreeInvariants(t, tree)

	// A second parent edge must be refused.
	_, err := Connect(nodes[0], nodes[2], 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRerootRoundTrip(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}, {2, 0}, {3, 0}}, 0.4)
	side, err := tree.Attach(nodes[1], Configuration{1, 1}, 1)
	test.That(t, err, test.ShouldBeNil)

	before := undirectedEdges(tree)
	originalRoot := tree.root

	test.That(t, tree.Reroot(nodes[2]), test.ShouldBeNil)
	test.That(t, tree.Root(), test.ShouldEqual, nodes[2])
	checkTreeInvariants(t, tree)
	test.That(t, tree.CostTo(side), test.ShouldAlmostEqual, 2.0)

	test.That(t, tree.Reroot(originalRoot), test.ShouldBeNil)
	checkTreeInvariants(t, tree)
	test.That(t, undirectedEdges(tree), test.ShouldResemble, before)
}

func TestSplitThenRemoveRestoresEdges(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {2, 0}}, 0.4)
	conn := nodes[1].Parent()
	origCost := conn.Cost()

	node := tree.SplitConnection(conn, Configuration{0.5, 0}, 1e-9)
	test.That(t, node, test.ShouldNotEqual, nodes[0])
	test.That(t, node, test.ShouldNotEqual, nodes[1])
	checkTreeInvariants(t, tree)
	test.That(t, tree.CostTo(nodes[1]), test.ShouldAlmostEqual, origCost)

	test.That(t, tree.RemoveNodeIfUnreferenced(node), test.ShouldBeTrue)
	checkTreeInvariants(t, tree)
	test.That(t, len(nodes[0].Children()), test.ShouldEqual, 1)
	restored := nodes[0].Children()[0]
	test.That(t, restored.Child(), test.ShouldEqual, nodes[1])
	test.That(t, restored.Cost(), test.ShouldAlmostEqual, origCost)
}

func TestSplitAtEndpointReturnsEndpoint(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}}, 0.4)
	conn := nodes[1].Parent()
	test.That(t, tree.SplitConnection(conn, Configuration{0, 0}, 1e-9), test.ShouldEqual, nodes[0])
	test.That(t, tree.SplitConnection(conn, Configuration{1, 0}, 1e-9), test.ShouldEqual, nodes[1])
	test.That(t, len(tree.nodes), test.ShouldEqual, 2)
}

func TestExtendRespectsStepLimitAndObstacles(t *testing.T) {
	tree, _ := buildLine(t, []Configuration{{0, 0}}, 0.4)

	node := tree.Extend(Configuration{2, 0})
	test.That(t, node, test.ShouldNotBeNil)
	test.That(t, node.Q().Dist(Configuration{0.4, 0}), test.ShouldBeLessThan, 1e-9)

	// An obstacle sitting on the step direction blocks the extension.
	tree.Checker().SetScene(&scene.Snapshot{Obstacles: []scene.Obstacle{
		{ID: "wall", Position: confToPoint(Configuration{0.6, 0}), Radius: 0.1},
	}})
	test.That(t, tree.Extend(Configuration{1, 0}), test.ShouldBeNil)
}

func TestRewireImprovesCostButSparesWhiteList(t *testing.T) {
	// A deliberately bad detour: root -> (0,1) -> (1,1) -> (1,0).
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {0, 1}, {1, 1}, {1, 0}}, 2.0)
	cache := CheckedConnections{}

	costBefore := tree.CostTo(nodes[3])
	test.That(t, costBefore, test.ShouldAlmostEqual, 3.0)

	// Protecting the whole chain freezes it.
	modified := tree.RewireOnlyWithPathCheck(nodes[0], cache, 3.0, nodes, 3)
	test.That(t, modified, test.ShouldBeFalse)
	test.That(t, tree.CostTo(nodes[3]), test.ShouldAlmostEqual, costBefore)

	// With no white list the end node reparents straight to the root.
	modified = tree.RewireOnlyWithPathCheck(nodes[0], cache, 3.0, nil, 3)
	test.That(t, modified, test.ShouldBeTrue)
	test.That(t, tree.CostTo(nodes[3]), test.ShouldAlmostEqual, 1.0)
	checkTreeInvariants(t, tree)
}

func TestRewireAddsNodeAndShortcuts(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {0, 1}, {1, 1}}, 2.0)
	cache := CheckedConnections{}

	node := tree.Rewire(Configuration{1, 0.8}, cache, 3.0, nil)
	test.That(t, node, test.ShouldNotBeNil)
	checkTreeInvariants(t, tree)
	// The new node hangs off the cheapest reachable parent.
	test.That(t, tree.CostTo(node), test.ShouldBeLessThan,
		tree.CostTo(nodes[2])+node.Q().Dist(nodes[2].Q())+1e-9)
}

func TestSubtreeHidesBlackList(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}, {2, 0}, {3, 0}}, 0.4)
	sub := tree.Subtree(nodes[1], []*Node{nodes[2]})

	test.That(t, sub.InTree(nodes[1]), test.ShouldBeTrue)
	test.That(t, sub.InTree(nodes[2]), test.ShouldBeFalse)
	test.That(t, sub.InTree(nodes[3]), test.ShouldBeFalse)
	test.That(t, sub.InTree(nodes[0]), test.ShouldBeFalse)

	// Nodes added through the view land in the base tree too.
	added, err := sub.Attach(nodes[1], Configuration{1.2, 0.2}, 0.3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.InTree(added), test.ShouldBeTrue)
}

func TestCloneIsolation(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}, {2, 0}}, 0.4)
	clone, mapping := tree.Clone()
	checkTreeInvariants(t, clone)
	test.That(t, clone.Len(), test.ShouldEqual, tree.Len())

	// Mutating the clone must not change anything reachable from the original.
	mapping[nodes[1]].Parent().SetCost(math.Inf(1))
	test.That(t, clone.CostTo(mapping[nodes[2]]), test.ShouldEqual, math.Inf(1))
	test.That(t, tree.CostTo(nodes[2]), test.ShouldAlmostEqual, 2.0)

	test.That(t, clone.Reroot(mapping[nodes[2]]), test.ShouldBeNil)
	test.That(t, tree.Root(), test.ShouldEqual, nodes[0])
}

func TestCheckedConnectionsCache(t *testing.T) {
	tree, nodes := buildLine(t, []Configuration{{0, 0}, {1, 0}}, 0.4)
	conn := nodes[1].Parent()
	cache := CheckedConnections{}

	test.That(t, cache.Check(tree.Checker(), conn), test.ShouldBeTrue)

	// A scene change does not invalidate the cached verdict within the call.
	tree.Checker().SetScene(&scene.Snapshot{Obstacles: []scene.Obstacle{
		{ID: "wall", Position: confToPoint(Configuration{0.5, 0}), Radius: 0.2},
	}})
	test.That(t, cache.Check(tree.Checker(), conn), test.ShouldBeTrue)

	// A fresh cache sees the obstruction and marks the edge cost.
	fresh := CheckedConnections{}
	test.That(t, fresh.Check(tree.Checker(), conn), test.ShouldBeFalse)
	test.That(t, conn.IsObstructed(), test.ShouldBeTrue)
}
