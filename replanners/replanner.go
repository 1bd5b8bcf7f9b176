// Package replanners implements the time-bounded repair algorithms the
// replanner manager runs when the executing path becomes obstructed: a local
// informed RRT* repair (DRRT*) and a multi-path anytime repair (MARS, plus
// its human-aware MARSHA variant).
package replanners

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/armlabs/replan/pathplan"
)

// Type names a replanning strategy. The set is closed.
type Type string

// The strategies the original family of managers selects among. Only DRRT*,
// MARS and MARSHA are implemented by this engine.
const (
	TypeMPRRT       Type = "MPRRT"
	TypeDRRT        Type = "DRRT"
	TypeDRRTStar    Type = "DRRT*"
	TypeAnytimeDRRT Type = "anytimeDRRT"
	TypeMARS        Type = "MARS"
	TypeMARSHA      Type = "MARSHA"
)

// ErrUnsupportedType is returned for strategies outside the implemented set.
var ErrUnsupportedType = errors.New("unsupported replanner type")

// Failing to restore the working tree's root denotes a tree-editor bug and
// is fatal.
const errRootNotRestored = "original root could not be restored after replanning"

// A Result reports the outcome of one replanning call.
type Result struct {
	// Success is true when a repaired path to the goal was found.
	Success bool
	// Mutated is true when the cloned tree still differs from its pre-call
	// state after any rollback.
	Mutated bool
	// ReplannedPath is the repaired path on success; the input path otherwise.
	ReplannedPath *pathplan.Path
}

// A Replanner repairs an obstructed path in bounded time. It is handed
// clones: the caller holds no locks during the call, and the replanner may
// mutate the given path and its tree freely. The metric and checker used are
// the ones carried by the path.
type Replanner interface {
	Replan(ctx context.Context, currentConf pathplan.Configuration, currentPath *pathplan.Path, budget time.Duration) Result
}

// deadlineGate tracks the cooperative deadline checked at the top of every
// sampling iteration.
type deadlineGate struct {
	start  time.Time
	budget time.Duration
}

func newDeadlineGate(budget time.Duration) *deadlineGate {
	return &deadlineGate{start: time.Now(), budget: budget}
}

// expired reports whether the given fraction of the budget has elapsed.
func (g *deadlineGate) expired(fraction float64) bool {
	return time.Since(g.start) >= time.Duration(fraction*float64(g.budget))
}
