package ssm

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/armlabs/replan/pathplan"
)

// PointChain treats the first three joints of a configuration as a Cartesian
// point, exposing it under the tool frame name. It suits planar and gantry
// style test rigs where the configuration space is the workspace.
type PointChain struct {
	ToolFrame string
}

// Poi returns the single tool point.
func (c *PointChain) Poi(q pathplan.Configuration) map[string]r3.Vector {
	p := r3.Vector{}
	if len(q) > 0 {
		p.X = q[0]
	}
	if len(q) > 1 {
		p.Y = q[1]
	}
	if len(q) > 2 {
		p.Z = q[2]
	}
	return map[string]r3.Vector{c.ToolFrame: p}
}

// Clone returns the receiver; the chain is immutable.
func (c *PointChain) Clone() Chain {
	return c
}

// PlanarChain is a serial revolute chain in the XY plane. Joint i rotates
// link i; points of interest are the link tips, the last one named by the
// tool frame.
type PlanarChain struct {
	BaseFrame   string
	ToolFrame   string
	LinkLengths []float64
}

// Poi computes the link tip positions at q.
func (c *PlanarChain) Poi(q pathplan.Configuration) map[string]r3.Vector {
	out := make(map[string]r3.Vector, len(c.LinkLengths))
	angle := 0.0
	cur := r3.Vector{}
	for i, l := range c.LinkLengths {
		if i < len(q) {
			angle += q[i]
		}
		cur = cur.Add(r3.Vector{X: l * math.Cos(angle), Y: l * math.Sin(angle)})
		name := fmt.Sprintf("%s_link_%d", c.BaseFrame, i+1)
		if i == len(c.LinkLengths)-1 {
			name = c.ToolFrame
		}
		out[name] = cur
	}
	return out
}

// Clone returns the receiver; the chain is immutable.
func (c *PlanarChain) Clone() Chain {
	return c
}
