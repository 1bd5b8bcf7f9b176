// Package scene models the planning-scene service the replanning engine
// polls for obstacle updates. The engine never owns scene geometry; it asks
// the service for a snapshot each collision-check cycle and hands the
// snapshot to its checkers and SSM estimators.
package scene

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// An Obstacle is a sphere in the workspace, identified by name.
type Obstacle struct {
	ID       string
	Position r3.Vector
	Radius   float64
}

// A Snapshot is the scene state observed at a single sample.
type Snapshot struct {
	Obstacles []Obstacle
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Obstacles: make([]Obstacle, len(s.Obstacles))}
	copy(out.Obstacles, s.Obstacles)
	return out
}

// PositionsMatrix returns a 3xk matrix whose columns are the positions of the
// obstacles not listed in unaware. Unaware obstacles still collide; they are
// only excluded from speed-and-separation cost terms. Returns nil when no
// aware obstacle is present.
func (s *Snapshot) PositionsMatrix(unaware []string) *mat.Dense {
	skip := make(map[string]bool, len(unaware))
	for _, id := range unaware {
		skip[id] = true
	}
	cols := make([]r3.Vector, 0, len(s.Obstacles))
	for _, o := range s.Obstacles {
		if !skip[o.ID] {
			cols = append(cols, o.Position)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	m := mat.NewDense(3, len(cols), nil)
	for j, p := range cols {
		m.Set(0, j, p.X)
		m.Set(1, j, p.Y)
		m.Set(2, j, p.Z)
	}
	return m
}

// Service supplies scene snapshots. A failed Sample is treated by the engine
// as a fault that shuts all threads down.
type Service interface {
	Sample(ctx context.Context) (*Snapshot, error)
}
