package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

const defaultGroup = "default"

// Options configures an Orchestrator.
type Options struct {
	Reporter       events.Reporter
	DefaultTimeout time.Duration
}

// Orchestrator runs phases concurrently, each one starting once all of its
// dependencies have succeeded.
type Orchestrator struct {
	opts Options

	mu    sync.Mutex
	order []*PhaseSpec
	specs map[string]*PhaseSpec
	runs  map[string]*phaseRun
	root  *Scope
	runID string

	// execMu serializes Run and RestartGroup.
	execMu sync.Mutex
}

func New(opts Options) *Orchestrator {
	if opts.Reporter == nil {
		opts.Reporter = events.Discard
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = consts.DefaultPhaseTimeout
	}
	return &Orchestrator{
		opts:  opts,
		specs: make(map[string]*PhaseSpec),
		runs:  make(map[string]*phaseRun),
	}
}

// Add registers a phase. Dependencies are checked by Run, so phases may be
// added in any order.
func (o *Orchestrator) Add(spec PhaseSpec) error {
	if spec.ID == "" {
		return errors.New(errors.ErrCodeInvalidGraph, "AddPhase", "phase without id", nil)
	}
	if _, err := NewProgressStepper(spec.Steps, spec.TotalWeight); err != nil {
		return errors.New(errors.ErrCodeInvalidGraph, "AddPhase", spec.ID, err)
	}
	if spec.Group == "" {
		spec.Group = defaultGroup
	}
	if spec.Title == "" {
		spec.Title = spec.ID
	}
	spec.DependsOn = append([]string(nil), spec.DependsOn...)
	spec.Steps = append([]Step(nil), spec.Steps...)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.specs[spec.ID]; dup {
		return errors.New(errors.ErrCodeInvalidGraph, "AddPhase", "duplicate phase "+spec.ID, nil)
	}
	o.specs[spec.ID] = &spec
	o.order = append(o.order, &spec)
	o.runs[spec.ID] = newPhaseRun(&spec)
	return nil
}

// validate rejects unknown dependencies and cycles.
func (o *Orchestrator) validate() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range o.order {
		for _, d := range s.DependsOn {
			if _, ok := o.specs[d]; !ok {
				return errors.New(errors.ErrCodeInvalidGraph, "Validate",
					fmt.Sprintf("phase %s depends on unknown phase %s", s.ID, d), nil)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	color := make(map[string]int, len(o.order))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case visiting:
			return errors.New(errors.ErrCodeInvalidGraph, "Validate",
				"dependency cycle: "+strings.Join(append(path, id), " -> "), nil)
		case visited:
			return nil
		}
		color[id] = visiting
		path = append(path, id)
		for _, d := range o.specs[id].DependsOn {
			if err := visit(d); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = visited
		return nil
	}
	for _, s := range o.order {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Run executes every phase and returns once each has reached a terminal
// outcome. Long-lived tasks started by steps keep running until Shutdown or
// a group restart. The error, if any, names every phase that did not
// succeed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	if err := o.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.root != nil {
		o.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidGraph, "Run", "orchestrator already started", nil)
	}
	o.root = NewRootScope(ctx)
	specs := append([]*PhaseSpec(nil), o.order...)
	o.mu.Unlock()

	return o.execute(specs)
}

// RestartGroup cancels the scope of group, waits for its tasks to stop,
// and runs its phases again with fresh state. Phases of other groups are
// not touched; dependencies outside the group keep their last outcome.
func (o *Orchestrator) RestartGroup(ctx context.Context, group string) error {
	o.execMu.Lock()
	defer o.execMu.Unlock()

	o.mu.Lock()
	root := o.root
	var specs []*PhaseSpec
	for _, s := range o.order {
		if s.Group == group {
			specs = append(specs, s)
		}
	}
	o.mu.Unlock()

	if root == nil {
		return errors.New(errors.ErrCodeCancelled, "RestartGroup", "orchestrator not started", nil)
	}
	if root.Context().Err() != nil {
		return errors.New(errors.ErrCodeCancelled, "RestartGroup", "orchestrator is shutting down", nil)
	}
	if len(specs) == 0 {
		return errors.New(errors.ErrCodeInvalidGraph, "RestartGroup", "no phases in group "+group, nil)
	}

	logger.Log.Info("Orchestrator: Restarting group", "group", group, "phases", len(specs))
	if err := root.Child(group).Reset(ctx); err != nil {
		logger.Log.Warn("Orchestrator: Group tasks did not stop in time", "group", group, "err", err)
	}
	return o.execute(specs)
}

// Shutdown cancels the root scope and waits up to timeout for every tracked
// task, including supervisor loops, to return.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.mu.Lock()
	root := o.root
	o.mu.Unlock()
	if root == nil {
		return nil
	}

	root.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := root.Wait(ctx); err != nil {
		return errors.New(errors.ErrCodeCancelled, "Shutdown", "tasks still running after "+timeout.String(), err)
	}
	return nil
}

// Status returns the latest run state of every phase, in the order added.
func (o *Orchestrator) Status() []protocol.PhaseStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.PhaseStatus, 0, len(o.order))
	for _, s := range o.order {
		r := o.runs[s.ID]
		r.mu.Lock()
		ps := protocol.PhaseStatus{
			ID:       s.ID,
			Title:    s.Title,
			Group:    s.Group,
			Outcome:  string(r.outcome),
			Percent:  r.percent,
			Warnings: append([]string(nil), r.warnings...),
			Started:  r.started,
			Finished: r.finished,
		}
		if r.err != nil {
			ps.Error = r.err.Error()
		}
		r.mu.Unlock()
		out = append(out, ps)
	}
	return out
}

// Outcome returns the latest outcome of phase id.
func (o *Orchestrator) Outcome(id string) (consts.PhaseOutcome, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown phase %s", id)
	}
	return r.result()
}

// Groups lists the distinct groups in the order they first appear.
func (o *Orchestrator) Groups() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range o.order {
		if !seen[s.Group] {
			seen[s.Group] = true
			out = append(out, s.Group)
		}
	}
	return out
}

func (o *Orchestrator) execute(specs []*PhaseSpec) error {
	runID := uuid.NewString()
	runs := make([]*phaseRun, len(specs))

	o.mu.Lock()
	o.runID = runID
	root := o.root
	for i, s := range specs {
		runs[i] = newPhaseRun(s)
		o.runs[s.ID] = runs[i]
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runs {
		r := r
		wg.Add(1)
		started := root.Go(func(context.Context) {
			defer wg.Done()
			o.runPhase(runID, r)
		})
		if !started {
			o.finish(runID, r, consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "RunPhase", r.spec.ID, nil))
			wg.Done()
		}
	}
	wg.Wait()

	var failed []error
	for _, r := range runs {
		if out, err := r.result(); !out.Satisfied() {
			failed = append(failed, fmt.Errorf("%s: %s: %w", r.spec.ID, out, err))
		}
	}
	if len(failed) > 0 {
		return errors.New(errors.ErrCodeStepFailed, "Run",
			fmt.Sprintf("%d of %d phases did not succeed", len(failed), len(runs)), stderrors.Join(failed...))
	}
	return nil
}

func (o *Orchestrator) lookup(id string) *phaseRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) runPhase(runID string, r *phaseRun) {
	spec := r.spec
	group := o.root.Child(spec.Group)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}

	if len(spec.DependsOn) > 0 {
		o.setOutcome(runID, r, consts.PhaseWaiting)
		if out, err := o.awaitDependencies(group.Context(), r, timeout); err != nil {
			o.finish(runID, r, out, err)
			return
		}
	}

	scope := group.Child(spec.ID)
	ctx := scope.Context()
	stepCtx, stopSteps := context.WithCancel(ctx)
	defer stopSteps()

	stepper, err := NewProgressStepper(spec.Steps, spec.TotalWeight)
	if err != nil {
		o.finish(runID, r, consts.PhaseFailed, errors.New(errors.ErrCodeInvalidGraph, "RunPhase", spec.ID, err))
		return
	}
	pc := &PhaseContext{Phase: spec.ID, Title: spec.Title, scope: scope, o: o, run: r, runID: runID}

	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()
	o.setOutcome(runID, r, consts.PhaseRunning)

	result := make(chan error, 1)
	if !scope.Go(func(context.Context) { result <- o.runSteps(stepCtx, pc, stepper) }) {
		o.finish(runID, r, consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "RunPhase", spec.ID, nil))
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if ctx.Err() != nil {
			o.finish(runID, r, consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "RunPhase", spec.ID, ctx.Err()))
			return
		}
		if err != nil {
			o.finish(runID, r, consts.PhaseFailed, err)
			return
		}
		r.mu.Lock()
		warned := len(r.warnings) > 0
		r.mu.Unlock()
		if warned {
			o.finish(runID, r, consts.PhaseSuccessWithWarnings, nil)
		} else {
			o.finish(runID, r, consts.PhaseSuccess, nil)
		}
	case <-timer.C:
		// Stops waiting on the steps; tasks started with PhaseContext.Go keep running.
		stopSteps()
		o.finish(runID, r, consts.PhaseFailed, errors.New(errors.ErrCodePhaseTimeout, "RunPhase",
			fmt.Sprintf("%s did not complete within %s", spec.ID, timeout), nil))
	case <-ctx.Done():
		o.finish(runID, r, consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "RunPhase", spec.ID, ctx.Err()))
	}
}

// awaitDependencies blocks until every dependency is terminal. The whole
// wait is bounded by timeout.
func (o *Orchestrator) awaitDependencies(ctx context.Context, r *phaseRun, timeout time.Duration) (consts.PhaseOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, id := range r.spec.DependsOn {
		dep := o.lookup(id)
		select {
		case <-dep.done:
		case <-timer.C:
			return consts.PhaseBlocked, errors.New(errors.ErrCodeDependencyBlocked, "AwaitDependencies",
				fmt.Sprintf("%s: dependency %s did not complete within %s", r.spec.ID, id, timeout), nil)
		case <-ctx.Done():
			return consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "AwaitDependencies", r.spec.ID, ctx.Err())
		}
		if ctx.Err() != nil {
			return consts.PhaseCancelled, errors.New(errors.ErrCodeCancelled, "AwaitDependencies", r.spec.ID, ctx.Err())
		}
		out, err := dep.result()
		if !out.Satisfied() {
			return consts.PhaseBlocked, errors.New(errors.ErrCodeDependencyBlocked, "AwaitDependencies",
				fmt.Sprintf("%s: dependency %s ended %s", r.spec.ID, id, out), err)
		}
		if out == consts.PhaseSuccessWithWarnings {
			logger.Log.Debug("Orchestrator: Dependency succeeded with warnings", "phase", r.spec.ID, "dependency", id)
		}
	}
	return "", nil
}

func (o *Orchestrator) runSteps(ctx context.Context, pc *PhaseContext, stepper *ProgressStepper) error {
	spec := pc.run.spec
	for _, st := range spec.Steps {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.ErrCodeCancelled, "RunStep", spec.ID+"/"+st.Name, err)
		}
		pc.setStep(st)
		pc.Report("")

		var err error
		if st.Run == nil {
			err = ErrSkip
		} else {
			err = st.Run(ctx, pc)
		}
		// A step that outlived the phase timeout resolves nothing.
		if pc.run.ended() {
			return errors.New(errors.ErrCodePhaseTimeout, "RunStep", spec.ID+"/"+st.Name+" returned after the phase ended", err)
		}

		var pr Progress
		switch {
		case err == nil:
			pr, _ = stepper.Complete(st.Name)
		case stderrors.Is(err, ErrSkip):
			pr, _ = stepper.Skip(st.Name)
		case st.Optional && ctx.Err() == nil:
			pc.Warn(fmt.Sprintf("%s: %v", st.Name, err))
			pr, _ = stepper.Skip(st.Name)
		default:
			stepper.Fail(st.Name)
			return errors.New(errors.ErrCodeStepFailed, "RunStep", spec.ID+"/"+st.Name, err)
		}

		if !pc.run.advance(pr) {
			return nil
		}
		pc.Report(string(pr.Resolution))
	}
	return nil
}

func (o *Orchestrator) setOutcome(runID string, r *phaseRun, out consts.PhaseOutcome) {
	r.mu.Lock()
	if r.outcome.Terminal() {
		r.mu.Unlock()
		return
	}
	r.outcome = out
	pct, cum := r.percent, r.cumulative
	r.mu.Unlock()
	o.report(events.Event{
		RunID:      runID,
		Phase:      r.spec.ID,
		PhaseTitle: r.spec.Title,
		Percent:    pct,
		Cumulative: cum,
		Outcome:    out,
	})
}

// finish records the terminal outcome once and wakes dependents.
func (o *Orchestrator) finish(runID string, r *phaseRun, out consts.PhaseOutcome, err error) {
	r.mu.Lock()
	if r.outcome.Terminal() {
		r.mu.Unlock()
		return
	}
	r.outcome, r.err = out, err
	r.finished = time.Now()
	if r.started.IsZero() {
		r.started = r.finished
	}
	elapsed := r.finished.Sub(r.started)
	pct, cum := r.percent, r.cumulative
	warnings := len(r.warnings)
	r.mu.Unlock()
	close(r.done)

	monitor.PhaseDuration.WithLabelValues(r.spec.ID, string(out)).Observe(elapsed.Seconds())
	if err != nil {
		logger.Log.Error("Orchestrator: Phase ended", "phase", r.spec.ID, "outcome", out, "err", err)
	} else {
		logger.Log.Info("Orchestrator: Phase ended", "phase", r.spec.ID, "outcome", out, "warnings", warnings, "elapsed", elapsed)
	}

	e := events.Event{
		RunID:      runID,
		Phase:      r.spec.ID,
		PhaseTitle: r.spec.Title,
		Percent:    pct,
		Cumulative: cum,
		Done:       true,
		Outcome:    out,
	}
	if err != nil {
		e.Message = err.Error()
	}
	o.report(e)
}

func (o *Orchestrator) report(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.opts.Reporter.Report(e)
}
