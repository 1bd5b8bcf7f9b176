package pathplan

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/armlabs/replan/scene"
)

// A Checker validates edges against the latest scene. Checkers are
// thread-clonable; each thread owns its clone and feeds it scene snapshots.
type Checker interface {
	// CheckPath reports whether the straight segment q1->q2 is collision free.
	CheckPath(q1, q2 Configuration) bool
	// CheckConnection reports whether the connection's segment is collision free.
	CheckConnection(c *Connection) bool
	// SetScene installs the obstacle snapshot used by subsequent checks.
	SetScene(snap *scene.Snapshot)
	Clone() Checker
}

// SphereChecker checks segments against sphere obstacles, treating the first
// three joints of a configuration as a workspace point. It stands in for a
// full planning-scene checker, which is an external collaborator of the
// engine.
type SphereChecker struct {
	obstacles []scene.Obstacle
	clearance float64
}

// NewSphereChecker creates a checker with the given safety clearance added to
// every obstacle radius.
func NewSphereChecker(clearance float64) *SphereChecker {
	return &SphereChecker{clearance: clearance}
}

// SetScene replaces the obstacle set.
func (c *SphereChecker) SetScene(snap *scene.Snapshot) {
	c.obstacles = make([]scene.Obstacle, len(snap.Obstacles))
	copy(c.obstacles, snap.Obstacles)
}

// CheckPath reports whether the segment stays clear of every obstacle.
func (c *SphereChecker) CheckPath(q1, q2 Configuration) bool {
	p1 := confToPoint(q1)
	p2 := confToPoint(q2)
	for _, o := range c.obstacles {
		if segmentPointDist(p1, p2, o.Position) <= o.Radius+c.clearance {
			return false
		}
	}
	return true
}

// CheckConnection checks the connection's segment.
func (c *SphereChecker) CheckConnection(conn *Connection) bool {
	return c.CheckPath(conn.parent.q, conn.child.q)
}

// Clone returns an independent checker with a copy of the obstacle set.
func (c *SphereChecker) Clone() Checker {
	out := &SphereChecker{clearance: c.clearance}
	out.obstacles = make([]scene.Obstacle, len(c.obstacles))
	copy(out.obstacles, c.obstacles)
	return out
}

func confToPoint(q Configuration) r3.Vector {
	var p r3.Vector
	if len(q) > 0 {
		p.X = q[0]
	}
	if len(q) > 1 {
		p.Y = q[1]
	}
	if len(q) > 2 {
		p.Z = q[2]
	}
	return p
}

func segmentPointDist(a, b, p r3.Vector) float64 {
	ab := b.Sub(a)
	den := ab.Norm2()
	if den == 0 {
		return p.Sub(a).Norm()
	}
	t := p.Sub(a).Dot(ab) / den
	t = math.Max(0, math.Min(1, t))
	closest := a.Add(ab.Mul(t))
	return p.Sub(closest).Norm()
}
