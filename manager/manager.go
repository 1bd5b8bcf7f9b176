// Package manager runs the online replanning control loop: a trajectory
// thread publishing joint references from the executing path, a
// collision-check thread revalidating the current and alternate paths
// against live scene snapshots, and a replanner thread repairing the path in
// bounded time and hot-swapping the repair in at the robot's current
// configuration.
package manager

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/armlabs/replan/pathplan"
	"github.com/armlabs/replan/replanners"
	"github.com/armlabs/replan/scene"
	"github.com/armlabs/replan/ssm"
	rutils "github.com/armlabs/replan/utils"
)

// errGoalReached stops the loops without being reported as a failure.
var errGoalReached = errors.New("goal reached")

// Deps are the external collaborators the manager is wired with at startup.
// No hidden singletons: everything the threads touch comes through here.
type Deps struct {
	Scene   scene.Service
	Checker pathplan.Checker
	// Metric is the edge metric for DRRT* and MARS. Ignored for MARSHA,
	// which builds its own SSM length-penalty metric. Defaults to Euclidean.
	Metric pathplan.Metric
	// Chain is the kinematic chain the MARSHA safety model evaluates.
	Chain ssm.Chain
	// Lb, Ub are the joint bounds handed to the replanners' samplers.
	Lb, Ub pathplan.Configuration
	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
}

// Manager owns the threads and the shared path state.
type Manager struct {
	opts   *Options
	logger golog.Logger
	clk    clock.Clock

	sceneSvc     scene.Service
	checkerProto pathplan.Checker
	metricProto  pathplan.Metric
	lb, ub       pathplan.Configuration

	replanner replanners.Replanner
	// mars is non-nil for MARS/MARSHA; it receives the alternate-path bank.
	mars *replanners.MARS

	onReference func(pathplan.Configuration)

	// Lock order: sceneMu, trjMu, pathsMu, otherPathsMu. Acquire in this
	// order, release in reverse.
	sceneMu      sync.Mutex
	lastSnapshot *scene.Snapshot

	trjMu       sync.Mutex
	currentConf pathplan.Configuration
	cursor      *trajectoryCursor
	// pathObstructed holds the trajectory in place while a repair is in
	// flight so the swap point stays on the repaired path.
	pathObstructed bool

	pathsMu               sync.Mutex
	currentPathShared     *pathplan.Path
	currentPathSyncNeeded bool
	goalConf              pathplan.Configuration

	otherPathsMu         sync.Mutex
	otherPathsShared     []*pathplan.Path
	otherPathsSyncNeeded []bool

	obstructedCh chan struct{}

	workers        rutils.StoppableWorkers
	stopOnce       sync.Once
	stopRequested  chan struct{}
	supervisorDone chan struct{}
	started        atomic.Bool
	goalReached    atomic.Bool

	errMu sync.Mutex
	errs  error
}

// New wires a manager for the configured strategy.
func New(opts *Options, deps Deps, logger golog.Logger) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if deps.Scene == nil || deps.Checker == nil {
		return nil, errors.New("scene service and checker are required")
	}
	if err := validJointBounds(deps.Lb, deps.Ub); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:          opts,
		logger:        logger,
		clk:           deps.Clock,
		sceneSvc:      deps.Scene,
		checkerProto:  deps.Checker,
		metricProto:   deps.Metric,
		lb:            deps.Lb,
		ub:            deps.Ub,
		obstructedCh:  make(chan struct{}, 1),
		stopRequested: make(chan struct{}),
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.metricProto == nil {
		m.metricProto = pathplan.NewEuclideanMetric()
	}

	rnd := rand.New(rand.NewSource(int64(opts.RandomSeed)))
	switch opts.ReplannerType {
	case replanners.TypeDRRTStar:
		m.replanner = replanners.NewDRRTStar(deps.Lb, deps.Ub, rnd, logger)
	case replanners.TypeMARS:
		mars := replanners.NewMARS(deps.Lb, deps.Ub, rnd, logger)
		m.mars = mars
		m.replanner = mars
	case replanners.TypeMARSHA:
		if deps.Chain == nil {
			return nil, errors.New("MARSHA requires a kinematic chain")
		}
		est := ssm.NewChainEstimator(deps.Chain, ssm.ChainEstimatorConfig{
			MaxStepSize: opts.MARSHA.SSMMaxStepSize,
			Threads:     opts.MARSHA.SSMThreads,
			MaxCartAcc:  opts.MARSHA.MaxCartAcc,
			Tr:          opts.MARSHA.Tr,
			MinDistance: opts.MARSHA.MinDistance,
			Vh:          opts.MARSHA.Vh,
		})
		est.SetPoiNames(opts.MARSHA.PoiNames)
		m.metricProto = ssm.NewLengthPenaltyMetric(est)
		marsha := replanners.NewMARSHA(deps.Lb, deps.Ub, rnd, logger)
		m.mars = marsha.MARS
		m.replanner = marsha
	default:
		return nil, errors.Wrapf(replanners.ErrUnsupportedType, "%q", opts.ReplannerType)
	}
	return m, nil
}

func validJointBounds(lb, ub pathplan.Configuration) error {
	if len(lb) == 0 || len(lb) != len(ub) {
		return errors.New("mismatched joint bounds")
	}
	for i := range lb {
		if lb[i] > ub[i] {
			return errors.Errorf("joint %d has lb above ub", i)
		}
	}
	return nil
}

// OnReference installs the joint-reference callback. Must be called before
// Start.
func (m *Manager) OnReference(cb func(pathplan.Configuration)) {
	m.onReference = cb
}

// Start installs the executing path plus the alternate-path bank and launches
// the threads. The manager takes ownership of the given paths.
func (m *Manager) Start(ctx context.Context, currentPath *pathplan.Path, otherPaths []*pathplan.Path) error {
	if currentPath == nil {
		return errors.New("a current path is required")
	}
	if m.started.Swap(true) {
		return errors.New("manager already started")
	}

	currentPath.SetMetric(m.metricProto.Clone())
	currentPath.SetChecker(m.checkerProto.Clone())
	m.currentPathShared = currentPath
	m.goalConf = currentPath.Goal().Q().Clone()
	m.currentConf = currentPath.Start().Q().Clone()
	m.cursor = newTrajectoryCursor(currentPath.Waypoints(), m.currentConf)

	if n := m.opts.NOtherPaths; len(otherPaths) > n {
		m.logger.Warnf("alternate-path bank truncated from %d to %d", len(otherPaths), n)
		otherPaths = otherPaths[:n]
	}
	for _, p := range otherPaths {
		p.SetMetric(m.metricProto.Clone())
		p.SetChecker(m.checkerProto.Clone())
	}
	m.otherPathsShared = otherPaths
	m.otherPathsSyncNeeded = make([]bool, len(otherPaths))

	m.workers = rutils.NewStoppableWorkers(m.trajectoryLoop, m.collisionLoop, m.replanLoop)
	m.supervisorDone = make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(m.supervisorDone)
		select {
		case <-ctx.Done():
		case <-m.stopRequested:
		}
		m.workers.Stop()
	})
	return nil
}

// Stop requests shutdown and blocks until every thread has joined.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.requestStop()
	<-m.supervisorDone
}

// Wait blocks until the threads have joined and returns the collected
// errors, nil on a clean run.
func (m *Manager) Wait() error {
	if !m.started.Load() {
		return nil
	}
	<-m.supervisorDone
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.errs
}

// GoalReached reports whether the run terminated inside the goal tolerance.
func (m *Manager) GoalReached() bool {
	return m.goalReached.Load()
}

// CurrentConfiguration returns the latest published joint reference.
func (m *Manager) CurrentConfiguration() pathplan.Configuration {
	m.trjMu.Lock()
	defer m.trjMu.Unlock()
	return m.currentConf.Clone()
}

// ExecutingPath returns a clone of the executing path.
func (m *Manager) ExecutingPath() *pathplan.Path {
	m.pathsMu.Lock()
	defer m.pathsMu.Unlock()
	return m.currentPathShared.Clone()
}

func (m *Manager) requestStop() {
	m.stopOnce.Do(func() {
		close(m.stopRequested)
	})
}

func (m *Manager) recordErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.errs = multierr.Combine(m.errs, err)
}

// trajectoryLoop publishes a joint reference every dt from the executing
// path. On shutdown it emits one final hold reference.
func (m *Manager) trajectoryLoop(ctx context.Context) {
	ticker := m.clk.Ticker(m.opts.dtDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.trjMu.Lock()
			hold := m.currentConf.Clone()
			m.trjMu.Unlock()
			if m.onReference != nil {
				m.onReference(hold)
			}
			return
		case <-ticker.C:
			m.trajectoryTick()
		}
	}
}

// trajectoryTick advances the interpolation cursor by at most
// maxJointSpeed*dt and publishes the reference. While the remaining path is
// obstructed the reference holds in place.
func (m *Manager) trajectoryTick() {
	m.trjMu.Lock()
	var ref pathplan.Configuration
	if m.pathObstructed {
		ref = m.currentConf.Clone()
	} else {
		ref = m.cursor.step(m.opts.MaxJointSpeed * m.opts.Dt)
		m.currentConf = ref
	}
	m.trjMu.Unlock()
	if m.onReference != nil {
		m.onReference(ref)
	}
}

// ccState is the collision-check thread's private copies: a clone per path,
// each with its own checker so scene updates never race other threads.
type ccState struct {
	checker       pathplan.Checker
	current       *pathplan.Path
	others        []*pathplan.Path
	otherCheckers []pathplan.Checker
}

func (m *Manager) newCCState() *ccState {
	st := &ccState{checker: m.checkerProto.Clone()}

	m.pathsMu.Lock()
	st.current = m.currentPathShared.Clone()
	m.pathsMu.Unlock()
	st.current.SetChecker(st.checker)

	m.otherPathsMu.Lock()
	shared := make([]*pathplan.Path, len(m.otherPathsShared))
	copy(shared, m.otherPathsShared)
	m.otherPathsMu.Unlock()
	for _, p := range shared {
		st.addOther(p, m.checkerProto.Clone())
	}
	return st
}

func (st *ccState) addOther(p *pathplan.Path, checker pathplan.Checker) {
	cp := p.Clone()
	cp.SetChecker(checker)
	st.others = append(st.others, cp)
	st.otherCheckers = append(st.otherCheckers, checker)
}

func (m *Manager) collisionLoop(ctx context.Context) {
	st := m.newCCState()
	ticker := m.clk.Ticker(m.opts.collisionPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch err := m.collisionCycle(ctx, st); {
			case errors.Is(err, errGoalReached):
				m.goalReached.Store(true)
				m.requestStop()
				return
			case err != nil:
				m.logger.Errorw("scene sampling failed, stopping all threads", "error", err)
				m.recordErr(err)
				m.requestStop()
				return
			}
		}
	}
}

// collisionCycle samples the scene, revalidates the thread's path copies in
// parallel, and commits the updated edge costs back to the shared paths.
func (m *Manager) collisionCycle(ctx context.Context, st *ccState) error {
	snap, err := m.sceneSvc.Sample(ctx)
	if err != nil {
		return err
	}

	m.sceneMu.Lock()
	m.lastSnapshot = snap
	m.sceneMu.Unlock()

	// Sync the thread's copies with paths changed by a hot-swap.
	m.trjMu.Lock()
	confCopy := m.currentConf.Clone()
	m.pathsMu.Lock()
	if m.currentPathSyncNeeded {
		st.current = m.currentPathShared.Clone()
		st.current.SetChecker(st.checker)
		m.currentPathSyncNeeded = false
	}
	m.otherPathsMu.Lock()
	for len(st.others) < len(m.otherPathsShared) {
		m.otherPathsSyncNeeded[len(st.others)] = false
		st.addOther(m.otherPathsShared[len(st.others)], m.checkerProto.Clone())
	}
	for i, needed := range m.otherPathsSyncNeeded {
		if needed {
			cp := m.otherPathsShared[i].Clone()
			cp.SetChecker(st.otherCheckers[i])
			st.others[i] = cp
			m.otherPathsSyncNeeded[i] = false
		}
	}
	m.otherPathsMu.Unlock()
	m.pathsMu.Unlock()
	m.trjMu.Unlock()

	if confCopy.Dist(m.goalConf) < m.opts.GoalTol {
		return errGoalReached
	}

	// Install the snapshot after the sync so freshly recloned copies see it
	// too. The checkers are private to this thread.
	st.checker.SetScene(snap)
	m.updateMetricScene(st.current.Metric(), snap)
	for i, ch := range st.otherCheckers {
		ch.SetScene(snap)
		m.updateMetricScene(st.others[i].Metric(), snap)
	}

	// Fan out one task per alternate path; the current path is checked on
	// this thread. All tasks complete before costs are committed.
	eg, egCtx := errgroup.WithContext(ctx)
	for i := range st.others {
		i := i
		eg.Go(func() error {
			st.others[i].Revalidate(st.otherCheckers[i])
			return egCtx.Err()
		})
	}
	st.current.RevalidateFrom(confCopy, st.checker)
	if err := eg.Wait(); err != nil {
		return err
	}

	obstructed := false
	m.trjMu.Lock()
	m.pathsMu.Lock()
	if !m.currentPathSyncNeeded && syncCosts(m.currentPathShared, st.current) {
		obstructed = math.IsInf(m.currentPathShared.CostFrom(confCopy), 1)
		m.pathObstructed = obstructed
	}
	m.otherPathsMu.Lock()
	for i := range st.others {
		if i < len(m.otherPathsShared) && !m.otherPathsSyncNeeded[i] {
			syncCosts(m.otherPathsShared[i], st.others[i])
		}
	}
	m.otherPathsMu.Unlock()
	m.pathsMu.Unlock()
	m.trjMu.Unlock()

	if obstructed {
		select {
		case m.obstructedCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// syncCosts copies edge costs from a validated copy onto the shared path.
// Returns false when the shapes no longer match (a swap landed in between).
func syncCosts(dst, src *pathplan.Path) bool {
	dconns, sconns := dst.Connections(), src.Connections()
	if len(dconns) != len(sconns) {
		return false
	}
	for i := range dconns {
		dconns[i].SetCost(sconns[i].Cost())
	}
	return true
}

// updateMetricScene feeds aware-obstacle positions to SSM-weighted metrics.
func (m *Manager) updateMetricScene(metric pathplan.Metric, snap *scene.Snapshot) {
	if lp, ok := metric.(*ssm.LengthPenaltyMetric); ok {
		lp.Estimator().SetObstaclePositions(snap.PositionsMatrix(m.opts.MARSHA.UnawareObstacles))
	}
}

// replanLoop wakes on the obstructed signal or at the replanning period and
// runs one bounded repair.
func (m *Manager) replanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.obstructedCh:
		case <-m.clk.After(m.opts.replanPeriod()):
		}
		if ctx.Err() != nil {
			return
		}
		m.replanCycle(ctx)
	}
}

// replanCycle snapshots the current configuration and path, runs the
// strategy on clones with the 0.9*dt_replan deadline, and hot-swaps the
// repaired path on success. Returns whether a swap happened.
func (m *Manager) replanCycle(ctx context.Context) bool {
	m.trjMu.Lock()
	confRepl := m.currentConf.Clone()
	m.trjMu.Unlock()

	m.pathsMu.Lock()
	pathClone := m.currentPathShared.Clone()
	m.pathsMu.Unlock()

	var bank []*pathplan.Path
	if m.mars != nil {
		m.otherPathsMu.Lock()
		bank = make([]*pathplan.Path, 0, len(m.otherPathsShared))
		for _, p := range m.otherPathsShared {
			bank = append(bank, p.Clone())
		}
		m.otherPathsMu.Unlock()
	}

	m.sceneMu.Lock()
	if m.lastSnapshot != nil {
		pathClone.Checker().SetScene(m.lastSnapshot)
		m.updateMetricScene(pathClone.Metric(), m.lastSnapshot)
		for _, p := range bank {
			p.Checker().SetScene(m.lastSnapshot)
			m.updateMetricScene(p.Metric(), m.lastSnapshot)
		}
	}
	m.sceneMu.Unlock()

	if m.mars != nil {
		m.mars.SetOtherPaths(bank)
	}

	if !math.IsInf(pathClone.CostFrom(confRepl), 1) {
		return false
	}

	res := m.replanner.Replan(ctx, confRepl, pathClone, m.opts.replanDeadline())
	if !res.Success {
		// The clone and any rolled-back mutations are discarded here.
		m.logger.Debugw("replanning did not improve the path", "mutated", res.Mutated)
		return false
	}
	return m.startReplannedPathFromNewCurrentConf(res.ReplannedPath)
}

// startReplannedPathFromNewCurrentConf is the hot-swap: it splices the
// robot's current configuration into a clone of the replanned path, reroots
// there, and installs the result as the executing path. The interpolation
// cursor restarts at the swap point; the next collision cycle reclones.
func (m *Manager) startReplannedPathFromNewCurrentConf(replanned *pathplan.Path) bool {
	m.trjMu.Lock()
	defer m.trjMu.Unlock()
	conf := m.currentConf.Clone()

	m.pathsMu.Lock()
	defer m.pathsMu.Unlock()

	clone := replanned.Clone()
	conn, _ := clone.FindConnection(conf)
	if conn == nil {
		// The robot crept past the repair start before the obstruction was
		// detected; swap at the repair start instead.
		m.logger.Warnw("current configuration is off the replanned path, swapping at its start", "conf", conf)
		conf = clone.Start().Q().Clone()
		conn = clone.Connections()[0]
	}
	node, err := clone.AddNodeAt(conf, conn)
	if err != nil {
		m.logger.Errorw("cannot insert the swap node", "error", err)
		return false
	}
	tree := clone.Tree()
	if err := tree.Reroot(node); err != nil {
		m.logger.Errorw("cannot reroot the replanned tree at the swap node", "error", err)
		return false
	}
	executing, err := pathplan.NewPathFromTree(tree, clone.Goal())
	if err != nil {
		m.logger.Errorw("cannot extract the executing path after the swap", "error", err)
		return false
	}

	old := m.currentPathShared
	m.currentPathShared = executing
	m.currentPathSyncNeeded = true
	m.pathObstructed = false

	if m.mars != nil && old != nil {
		m.otherPathsMu.Lock()
		m.otherPathsShared = append(m.otherPathsShared, old)
		m.otherPathsSyncNeeded = append(m.otherPathsSyncNeeded, true)
		m.otherPathsMu.Unlock()
	}

	m.currentConf = conf.Clone()
	m.cursor.reset(executing.Waypoints(), conf)
	return true
}
