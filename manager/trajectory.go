package manager

import (
	"github.com/armlabs/replan/pathplan"
)

// trajectoryCursor interpolates joint references along the executing path's
// waypoints, advancing by a bounded arclength per tick. It is guarded by the
// manager's trj mutex.
type trajectoryCursor struct {
	waypoints []pathplan.Configuration
	segment   int
	current   pathplan.Configuration

	// holdOne makes the next tick re-emit the current configuration. Set by a
	// hot-swap so the first reference on the new path is the swap point.
	holdOne bool
}

func newTrajectoryCursor(waypoints []pathplan.Configuration, start pathplan.Configuration) *trajectoryCursor {
	return &trajectoryCursor{
		waypoints: waypoints,
		current:   start.Clone(),
	}
}

// reset points the cursor at a new waypoint sequence starting from conf and
// holds one tick there.
func (c *trajectoryCursor) reset(waypoints []pathplan.Configuration, conf pathplan.Configuration) {
	c.waypoints = waypoints
	c.segment = 0
	c.current = conf.Clone()
	c.holdOne = true
}

// step advances the reference by at most maxDelta of arclength along the
// remaining waypoints and returns the new reference. At the end of the path
// it keeps returning the final waypoint.
func (c *trajectoryCursor) step(maxDelta float64) pathplan.Configuration {
	if c.holdOne {
		c.holdOne = false
		return c.current.Clone()
	}
	remaining := maxDelta
	for remaining > 0 && c.segment < len(c.waypoints)-1 {
		target := c.waypoints[c.segment+1]
		d := c.current.Dist(target)
		if d <= remaining {
			c.current = target.Clone()
			c.segment++
			remaining -= d
			continue
		}
		c.current = c.current.Interpolate(target, remaining/d)
		remaining = 0
	}
	return c.current.Clone()
}
