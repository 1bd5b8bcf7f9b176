package scene

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPositionsMatrixExcludesUnaware(t *testing.T) {
	snap := &Snapshot{Obstacles: []Obstacle{
		{ID: "human", Position: r3.Vector{X: 1, Y: 2, Z: 3}},
		{ID: "crate", Position: r3.Vector{X: 4, Y: 5, Z: 6}},
	}}

	m := snap.PositionsMatrix(nil)
	_, k := m.Dims()
	test.That(t, k, test.ShouldEqual, 2)

	m = snap.PositionsMatrix([]string{"crate"})
	_, k = m.Dims()
	test.That(t, k, test.ShouldEqual, 1)
	test.That(t, m.At(0, 0), test.ShouldEqual, 1.0)
	test.That(t, m.At(2, 0), test.ShouldEqual, 3.0)

	test.That(t, snap.PositionsMatrix([]string{"crate", "human"}), test.ShouldBeNil)
}

func TestScriptRepeatsLastSnapshot(t *testing.T) {
	ctx := context.Background()
	empty := &Snapshot{}
	blocked := &Snapshot{Obstacles: []Obstacle{{ID: "crate", Radius: 0.1}}}
	svc := NewScript(empty, blocked)

	snap, err := svc.Sample(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(snap.Obstacles), test.ShouldEqual, 0)

	for i := 0; i < 3; i++ {
		snap, err = svc.Sample(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(snap.Obstacles), test.ShouldEqual, 1)
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := &Snapshot{Obstacles: []Obstacle{{ID: "crate", Radius: 0.1}}}
	clone := snap.Clone()
	clone.Obstacles[0].Radius = 9
	test.That(t, snap.Obstacles[0].Radius, test.ShouldEqual, 0.1)
}
