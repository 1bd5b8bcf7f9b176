package replanners

import (
	"math/rand"

	"github.com/edaniels/golog"

	"github.com/armlabs/replan/pathplan"
)

// MARSHA is the human-aware MARS variant: the manager hands it paths whose
// metric is the SSM length-penalty metric, so bridge ordering and anytime
// improvement both steer away from aware obstacles. Full net search is not
// available under MARSHA.
type MARSHA struct {
	*MARS
}

// NewMARSHA creates the human-aware repair strategy over the given joint
// bounds.
func NewMARSHA(lb, ub pathplan.Configuration, rnd *rand.Rand, logger golog.Logger) *MARSHA {
	m := NewMARS(lb, ub, rnd, logger)
	m.SetFullNetSearch(false)
	return &MARSHA{MARS: m}
}

// SetFullNetSearch refuses to enable full net search; it stays off.
func (r *MARSHA) SetFullNetSearch(enabled bool) {
	if enabled {
		r.logger.Warn("full net search not available for MARSHA")
		return
	}
	r.MARS.SetFullNetSearch(false)
}
