// package main drives a replanner manager against a synthetic scene: the
// robot follows a straight path while an obstacle drops onto the remaining
// edges, forcing an online repair.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/armlabs/replan/manager"
	"github.com/armlabs/replan/pathplan"
	"github.com/armlabs/replan/replanners"
	"github.com/armlabs/replan/scene"
	"github.com/armlabs/replan/ssm"
)

func main() {
	if err := realMain(); err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx := context.Background()

	replannerType := flag.String("replanner", "DRRT*", "replanner type: DRRT*, MARS or MARSHA")
	runFor := flag.Duration("run-for", 5*time.Second, "maximum run time")
	dropAfter := flag.Int("drop-after", 3, "collision cycles before the obstacle appears")
	extraJSON := flag.String("extra", "", "json overrides for the manager options")
	verbose := flag.Bool("v", false, "verbose")

	flag.Parse()

	var logger golog.Logger
	if *verbose {
		logger = golog.NewDevelopmentLogger("crash-test")
	} else {
		cfg := zap.NewProductionConfig()
		zl, err := cfg.Build()
		if err != nil {
			return err
		}
		logger = zl.Sugar()
	}

	extra := map[string]interface{}{}
	if *extraJSON != "" {
		if err := json.Unmarshal([]byte(*extraJSON), &extra); err != nil {
			return fmt.Errorf("bad -extra json: %w", err)
		}
	}
	opts, err := manager.NewOptionsFromExtra(replanners.Type(*replannerType), extra)
	if err != nil {
		return err
	}

	metric := pathplan.NewEuclideanMetric()
	checker := pathplan.NewSphereChecker(0.01)

	current := straightPath([]pathplan.Configuration{
		{0, 0}, {1, 0}, {2, 0},
	}, opts.MaxDistance, metric, checker)
	alternate := straightPath([]pathplan.Configuration{
		{0, 0}, {1, 1}, {2, 0},
	}, opts.MaxDistance, metric, checker)

	// The obstacle lands on the second half of the straight path after a few
	// clean cycles.
	clear := &scene.Snapshot{}
	blocked := &scene.Snapshot{Obstacles: []scene.Obstacle{
		{ID: "crate", Position: r3.Vector{X: 1.5, Y: 0}, Radius: 0.15},
	}}
	snaps := make([]*scene.Snapshot, 0, *dropAfter+1)
	for i := 0; i < *dropAfter; i++ {
		snaps = append(snaps, clear)
	}
	snaps = append(snaps, blocked)

	mgr, err := manager.New(opts, manager.Deps{
		Scene:   scene.NewScript(snaps...),
		Checker: checker,
		Metric:  metric,
		Chain:   &ssm.PointChain{ToolFrame: opts.MARSHA.ToolFrame},
		Lb:      pathplan.Configuration{-3, -3},
		Ub:      pathplan.Configuration{3, 3},
	}, logger)
	if err != nil {
		return err
	}
	mgr.OnReference(func(q pathplan.Configuration) {
		logger.Debugf("reference %v", q)
	})

	runCtx, cancel := context.WithTimeout(ctx, *runFor)
	defer cancel()
	if err := mgr.Start(runCtx, current, []*pathplan.Path{alternate}); err != nil {
		return err
	}
	if err := mgr.Wait(); err != nil {
		return err
	}

	logger.Infow("run finished",
		"goal_reached", mgr.GoalReached(),
		"final_configuration", mgr.CurrentConfiguration(),
		"executing_cost", mgr.ExecutingPath().Cost(),
	)
	return nil
}

// straightPath builds a path through the waypoints with one node per
// waypoint, owned by a fresh tree.
func straightPath(
	waypoints []pathplan.Configuration,
	maxDistance float64,
	metric pathplan.Metric,
	checker pathplan.Checker,
) *pathplan.Path {
	root := pathplan.NewNode(waypoints[0])
	tree := pathplan.NewTree(root, maxDistance, metric, checker)
	prev := root
	for _, q := range waypoints[1:] {
		next, err := tree.Attach(prev, q, metric.Cost(prev.Q(), q))
		if err != nil {
			panic(err)
		}
		prev = next
	}
	p, err := pathplan.NewPathFromTree(tree, prev)
	if err != nil {
		panic(err)
	}
	return p
}
