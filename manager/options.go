package manager

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/armlabs/replan/replanners"
)

// default values for the manager options.
const (
	// Trajectory tick period in seconds.
	defaultDt = 0.01

	// Replanner period in seconds; the replanning deadline is 0.9 of it.
	defaultDtReplan = 0.5

	// Collision-check thread frequency in Hz.
	defaultCollisionCheckerThreadFrequency = 30.0

	// L2 tolerance used to terminate when the robot reaches the goal.
	defaultGoalTol = 1e-2

	// RRT step limit.
	defaultMaxDistance = 0.5

	// Joint-space (L2) speed bound applied by the trajectory tick.
	defaultMaxJointSpeed = 1.0

	// Size of the alternate-path bank kept for MARS.
	defaultNOtherPaths = 3

	// Fraction of dt_replan handed to the replanner as its deadline.
	replanDeadlineFraction = 0.9
)

// MARSHAOptions carries the speed-and-separation parameters of the
// human-aware variant.
type MARSHAOptions struct {
	// Obstacle ids excluded from the SSM cost term. They still collide.
	UnawareObstacles []string `json:"unaware_obstacles"`
	// Chain points of interest considered by the safety model.
	PoiNames []string `json:"poi_names"`

	BaseFrame string `json:"base_frame"`
	ToolFrame string `json:"tool_frame"`

	SSMMaxStepSize float64 `json:"ssm_max_step_size"`
	SSMThreads     int     `json:"ssm_threads"`
	MaxCartAcc     float64 `json:"max_cart_acc"`
	Tr             float64 `json:"Tr"`
	MinDistance    float64 `json:"min_distance"`
	Vh             float64 `json:"v_h"`
}

// Options configure a replanner manager.
type Options struct {
	ReplannerType replanners.Type `json:"replanner_type"`

	// Trajectory tick period, seconds.
	Dt float64 `json:"dt"`

	// Replanner period and budget base, seconds.
	DtReplan float64 `json:"dt_replan"`

	// Collision-check thread frequency, Hz.
	CollisionCheckerThreadFrequency float64 `json:"collision_checker_thread_frequency"`

	// L2 tolerance terminating the run at the goal.
	GoalTol float64 `json:"goal_tol"`

	// RRT step limit.
	MaxDistance float64 `json:"max_distance"`

	// Joint-space (L2) speed bound applied between trajectory ticks.
	MaxJointSpeed float64 `json:"max_joint_speed"`

	// Size of the alternate-path bank (MARS/MARSHA).
	NOtherPaths int `json:"n_other_paths"`

	// The random seed used by the replanners. The number of samples a repair
	// draws depends on its wall-clock budget, so identical inputs can still
	// yield different outputs.
	RandomSeed int `json:"rseed"`

	MARSHA MARSHAOptions `json:"MARSHA"`
}

// NewBasicOptions returns the default manager options for the given
// strategy.
func NewBasicOptions(replannerType replanners.Type) *Options {
	return &Options{
		ReplannerType:                   replannerType,
		Dt:                              defaultDt,
		DtReplan:                        defaultDtReplan,
		CollisionCheckerThreadFrequency: defaultCollisionCheckerThreadFrequency,
		GoalTol:                         defaultGoalTol,
		MaxDistance:                     defaultMaxDistance,
		MaxJointSpeed:                   defaultMaxJointSpeed,
		NOtherPaths:                     defaultNOtherPaths,
		MARSHA: MARSHAOptions{
			SSMMaxStepSize: 0.05,
			SSMThreads:     min(runtime.NumCPU()/2, 4),
			MaxCartAcc:     2.0,
			Tr:             0.15,
			MinDistance:    0.3,
			Vh:             1.6,
		},
	}
}

// NewOptionsFromExtra returns default options updated by the overrides in
// extra.
func NewOptionsFromExtra(replannerType replanners.Type, extra map[string]interface{}) (*Options, error) {
	opts := NewBasicOptions(replannerType)
	jsonString, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jsonString, opts); err != nil {
		return nil, err
	}
	return opts, opts.validate()
}

func (o *Options) validate() error {
	if o.Dt <= 0 || o.DtReplan <= 0 || o.CollisionCheckerThreadFrequency <= 0 {
		return errors.New("dt, dt_replan and collision_checker_thread_frequency must be positive")
	}
	if o.MaxDistance <= 0 || o.MaxJointSpeed <= 0 {
		return errors.New("max_distance and max_joint_speed must be positive")
	}
	if o.GoalTol < 0 {
		return errors.New("goal_tol can't be negative")
	}
	switch o.ReplannerType {
	case replanners.TypeDRRTStar, replanners.TypeMARS, replanners.TypeMARSHA:
	default:
		return errors.Wrapf(replanners.ErrUnsupportedType, "%q", o.ReplannerType)
	}
	return nil
}

func (o *Options) dtDuration() time.Duration {
	return time.Duration(o.Dt * float64(time.Second))
}

func (o *Options) collisionPeriod() time.Duration {
	return time.Duration(float64(time.Second) / o.CollisionCheckerThreadFrequency)
}

func (o *Options) replanPeriod() time.Duration {
	return time.Duration(o.DtReplan * float64(time.Second))
}

func (o *Options) replanDeadline() time.Duration {
	return time.Duration(replanDeadlineFraction * o.DtReplan * float64(time.Second))
}
