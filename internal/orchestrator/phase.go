// Package orchestrator runs dependency-ordered phases of setup and
// supervision work, and hosts the Engine that builds those phases from
// configuration.
package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/pkg/consts"
)

// ErrSkip returned from a step resolves it as skipped instead of failed.
var ErrSkip = stderrors.New("step skipped")

// StepFunc does the work of one step.
type StepFunc func(ctx context.Context, pc *PhaseContext) error

// Step is one weighted unit of a phase. A nil Run is resolved as skipped.
type Step struct {
	Name     string
	Title    string
	Weight   int
	Optional bool // A failure is recorded as a warning and the step skipped
	Run      StepFunc
}

// PhaseSpec defines a phase. Specs are immutable once added; every run and
// every group restart builds fresh state from them.
type PhaseSpec struct {
	ID          string
	Title       string
	Group       string
	DependsOn   []string
	Steps       []Step
	Timeout     time.Duration // Bounds the dependency wait and, separately, execution
	TotalWeight int           // Zero means the sum of step weights
}

// PhaseContext is handed to every step of a running phase.
type PhaseContext struct {
	Phase string
	Title string

	scope  *Scope
	o      *Orchestrator
	run    *phaseRun
	runID  string
	stepMu sync.Mutex
	step   Step
}

// Warn records a non-fatal problem; the phase then ends with warnings.
// Warnings raised after the phase ended are dropped.
func (pc *PhaseContext) Warn(msg string) {
	pc.run.mu.Lock()
	if pc.run.outcome.Terminal() {
		pc.run.mu.Unlock()
		return
	}
	pc.run.warnings = append(pc.run.warnings, msg)
	pc.run.mu.Unlock()
	pc.Report(msg)
}

// Go starts a long-lived task on the phase scope. It outlives the step and
// the phase timeout, and is cancelled by shutdown or a restart of the
// phase's group.
func (pc *PhaseContext) Go(fn func(ctx context.Context)) bool {
	return pc.scope.Go(fn)
}

// Report emits a progress event carrying msg at the current percentage.
// Nothing is emitted once the phase has ended.
func (pc *PhaseContext) Report(msg string) {
	pc.stepMu.Lock()
	step := pc.step
	pc.stepMu.Unlock()

	pc.run.mu.Lock()
	ended := pc.run.outcome.Terminal()
	pct, cum := pc.run.percent, pc.run.cumulative
	pc.run.mu.Unlock()
	if ended {
		return
	}

	pc.o.report(events.Event{
		RunID:      pc.runID,
		Phase:      pc.Phase,
		PhaseTitle: pc.Title,
		Step:       step.Name,
		StepTitle:  step.Title,
		Percent:    pct,
		Cumulative: cum,
		Outcome:    consts.PhaseRunning,
		Message:    msg,
	})
}

func (pc *PhaseContext) setStep(s Step) {
	pc.stepMu.Lock()
	pc.step = s
	pc.stepMu.Unlock()
}

// phaseRun is the state of one execution of a PhaseSpec.
type phaseRun struct {
	spec *PhaseSpec
	done chan struct{}

	mu         sync.Mutex
	outcome    consts.PhaseOutcome
	err        error
	warnings   []string
	percent    int
	cumulative int
	started    time.Time
	finished   time.Time
}

func newPhaseRun(spec *PhaseSpec) *phaseRun {
	return &phaseRun{spec: spec, done: make(chan struct{}), outcome: consts.PhasePending}
}

// advance records step progress unless the run already ended, and reports
// whether it did.
func (r *phaseRun) advance(pr Progress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome.Terminal() {
		return false
	}
	r.percent, r.cumulative = pr.Percent, pr.Cumulative
	return true
}

func (r *phaseRun) ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome.Terminal()
}

func (r *phaseRun) result() (consts.PhaseOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.err
}
