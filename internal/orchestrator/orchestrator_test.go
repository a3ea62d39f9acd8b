package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
)

// trace records the order in which steps start.
type trace struct {
	mu    sync.Mutex
	order []string
}

func (tr *trace) step(name string, err error) Step {
	return Step{Name: name, Weight: 1, Run: func(ctx context.Context, pc *PhaseContext) error {
		tr.mu.Lock()
		tr.order = append(tr.order, pc.Phase+"/"+name)
		tr.mu.Unlock()
		return err
	}}
}

func (tr *trace) index(entry string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, e := range tr.order {
		if e == entry {
			return i
		}
	}
	return -1
}

func newTestOrchestrator(rec *events.Recorder) *Orchestrator {
	return New(Options{Reporter: rec, DefaultTimeout: 5 * time.Second})
}

func TestOrchestrator_DependenciesRunFirst(t *testing.T) {
	tr := &trace{}
	rec := &events.Recorder{}
	o := newTestOrchestrator(rec)

	require.NoError(t, o.Add(PhaseSpec{ID: "app", DependsOn: []string{"a", "b"}, Steps: []Step{tr.step("go", nil)}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "a", Steps: []Step{tr.step("go", nil)}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "b", Steps: []Step{{
		Name: "slow", Weight: 1,
		Run: func(ctx context.Context, pc *PhaseContext) error {
			time.Sleep(50 * time.Millisecond)
			return tr.step("go", nil).Run(ctx, pc)
		},
	}}}))

	require.NoError(t, o.Run(context.Background()))
	defer o.Shutdown(time.Second)

	app := tr.index("app/go")
	require.NotEqual(t, -1, app)
	assert.Greater(t, app, tr.index("a/go"))
	assert.Greater(t, app, tr.index("b/go"))

	for _, ps := range o.Status() {
		assert.Equal(t, string(consts.PhaseSuccess), ps.Outcome, ps.ID)
		assert.Equal(t, 100, ps.Percent)
	}
}

func TestOrchestrator_FailedDependencyBlocksDependents(t *testing.T) {
	tr := &trace{}
	o := newTestOrchestrator(&events.Recorder{})

	require.NoError(t, o.Add(PhaseSpec{ID: "node", Steps: []Step{tr.step("start", stderrors.New("boom"))}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "wallet", DependsOn: []string{"node"}, Steps: []Step{tr.step("start", nil)}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "miner", Steps: []Step{tr.step("start", nil)}}))

	err := o.Run(context.Background())
	defer o.Shutdown(time.Second)
	require.Error(t, err)

	out, perr := o.Outcome("node")
	assert.Equal(t, consts.PhaseFailed, out)
	assert.True(t, errors.IsCode(perr, errors.ErrCodeStepFailed))

	out, perr = o.Outcome("wallet")
	assert.Equal(t, consts.PhaseBlocked, out, "dependents are blocked, not failed")
	assert.Equal(t, errors.ErrCodeDependencyBlocked, errors.CodeOf(perr))
	assert.Equal(t, -1, tr.index("wallet/start"), "a blocked phase never starts its steps")

	out, _ = o.Outcome("miner")
	assert.Equal(t, consts.PhaseSuccess, out, "independent phases continue")
}

func TestOrchestrator_SkipAndOptionalStepsYieldWarnings(t *testing.T) {
	rec := &events.Recorder{}
	o := newTestOrchestrator(rec)

	require.NoError(t, o.Add(PhaseSpec{ID: "mining", Title: "Mining", TotalWeight: 100, Steps: []Step{
		{Name: "cpu", Weight: 50, Run: func(context.Context, *PhaseContext) error { return nil }},
		{Name: "gpu", Weight: 30, Run: func(context.Context, *PhaseContext) error { return ErrSkip }},
		{Name: "proxy", Weight: 20, Optional: true, Run: func(context.Context, *PhaseContext) error { return stderrors.New("no proxy") }},
	}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "after", DependsOn: []string{"mining"}, Steps: []Step{{Name: "x", Weight: 1}}}))

	require.NoError(t, o.Run(context.Background()))
	defer o.Shutdown(time.Second)

	out, _ := o.Outcome("mining")
	assert.Equal(t, consts.PhaseSuccessWithWarnings, out)
	out, _ = o.Outcome("after")
	assert.Equal(t, consts.PhaseSuccess, out, "warnings still satisfy dependents")

	evs := rec.Phase("mining")
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, "Mining", last.PhaseTitle)

	prev := 0
	for _, e := range evs {
		assert.GreaterOrEqual(t, e.Percent, prev, "progress never goes backwards")
		prev = e.Percent
		assert.Equal(t, evs[0].RunID, e.RunID)
	}
	assert.NotEmpty(t, evs[0].RunID)

	st := o.Status()
	assert.Equal(t, []string{"proxy: no proxy"}, st[0].Warnings)
}

func TestOrchestrator_PhaseTimeout(t *testing.T) {
	o := newTestOrchestrator(&events.Recorder{})
	var stepCancelled atomic.Bool

	require.NoError(t, o.Add(PhaseSpec{ID: "slow", Timeout: 50 * time.Millisecond, Steps: []Step{{
		Name: "hang", Weight: 1,
		Run: func(ctx context.Context, pc *PhaseContext) error {
			<-ctx.Done()
			stepCancelled.Store(true)
			return ctx.Err()
		},
	}}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "dependent", DependsOn: []string{"slow"}, Steps: []Step{{Name: "x", Weight: 1}}}))

	start := time.Now()
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "dependents are unblocked by the timeout")

	out, perr := o.Outcome("slow")
	assert.Equal(t, consts.PhaseFailed, out)
	assert.True(t, errors.IsCode(perr, errors.ErrCodePhaseTimeout))
	out, _ = o.Outcome("dependent")
	assert.Equal(t, consts.PhaseBlocked, out)

	require.NoError(t, o.Shutdown(time.Second))
	assert.True(t, stepCancelled.Load())
}

func TestOrchestrator_TimedOutPhaseStaysQuiet(t *testing.T) {
	rec := &events.Recorder{}
	o := newTestOrchestrator(rec)
	var nextRan atomic.Bool

	require.NoError(t, o.Add(PhaseSpec{ID: "stubborn", Timeout: 50 * time.Millisecond, Steps: []Step{
		{
			Name: "slow", Weight: 1,
			Run: func(ctx context.Context, pc *PhaseContext) error {
				// Ignores ctx and outlives the phase timeout.
				time.Sleep(150 * time.Millisecond)
				pc.Warn("finished late")
				return nil
			},
		},
		{
			Name: "next", Weight: 1,
			Run: func(ctx context.Context, pc *PhaseContext) error {
				nextRan.Store(true)
				return nil
			},
		},
	}}))

	require.Error(t, o.Run(context.Background()))
	// Shutdown waits for the late step to return.
	require.NoError(t, o.Shutdown(time.Second))

	evs := rec.Phase("stubborn")
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.Done, "the terminal event is the last one")
	assert.Equal(t, consts.PhaseFailed, last.Outcome)
	done := 0
	for _, e := range evs {
		if e.Done {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.False(t, nextRan.Load())

	status := o.Status()
	require.Len(t, status, 1)
	assert.Equal(t, string(consts.PhaseFailed), status[0].Outcome)
	assert.Equal(t, 0, status[0].Percent)
	assert.Empty(t, status[0].Warnings)
}

func TestOrchestrator_DependencyWaitBoundedByTimeout(t *testing.T) {
	o := newTestOrchestrator(&events.Recorder{})
	release := make(chan struct{})

	require.NoError(t, o.Add(PhaseSpec{ID: "forever", Timeout: time.Hour, Steps: []Step{{
		Name: "wait", Weight: 1,
		Run: func(ctx context.Context, _ *PhaseContext) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "impatient", Timeout: 50 * time.Millisecond, DependsOn: []string{"forever"}, Steps: []Step{{Name: "x", Weight: 1}}}))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		out, _ := o.Outcome("impatient")
		return out == consts.PhaseBlocked
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Error(t, <-done)
	out, _ := o.Outcome("forever")
	assert.Equal(t, consts.PhaseSuccess, out)
	assert.NoError(t, o.Shutdown(time.Second))
}

func TestOrchestrator_InvalidGraphs(t *testing.T) {
	noop := []Step{{Name: "x", Weight: 1}}

	o := newTestOrchestrator(&events.Recorder{})
	require.NoError(t, o.Add(PhaseSpec{ID: "a", DependsOn: []string{"missing"}, Steps: noop}))
	assert.Equal(t, errors.ErrCodeInvalidGraph, errors.CodeOf(o.Run(context.Background())))

	o = newTestOrchestrator(&events.Recorder{})
	require.NoError(t, o.Add(PhaseSpec{ID: "a", DependsOn: []string{"b"}, Steps: noop}))
	require.NoError(t, o.Add(PhaseSpec{ID: "b", DependsOn: []string{"c"}, Steps: noop}))
	require.NoError(t, o.Add(PhaseSpec{ID: "c", DependsOn: []string{"a"}, Steps: noop}))
	err := o.Run(context.Background())
	assert.Equal(t, errors.ErrCodeInvalidGraph, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")

	o = newTestOrchestrator(&events.Recorder{})
	require.NoError(t, o.Add(PhaseSpec{ID: "a", Steps: noop}))
	assert.Error(t, o.Add(PhaseSpec{ID: "a", Steps: noop}))
	assert.Error(t, o.Add(PhaseSpec{ID: "w", TotalWeight: 5, Steps: noop}))
	assert.Error(t, o.Add(PhaseSpec{Steps: noop}))
}

func TestOrchestrator_RestartGroupLeavesOthersRunning(t *testing.T) {
	o := newTestOrchestrator(&events.Recorder{})
	var nodeStops, minerStarts, minerStops atomic.Int32

	require.NoError(t, o.Add(PhaseSpec{ID: "node", Group: "core", Steps: []Step{{
		Name: "start", Weight: 1,
		Run: func(ctx context.Context, pc *PhaseContext) error {
			pc.Go(func(ctx context.Context) {
				<-ctx.Done()
				nodeStops.Add(1)
			})
			return nil
		},
	}}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "miner", Group: "mining", DependsOn: []string{"node"}, Steps: []Step{{
		Name: "start", Weight: 1,
		Run: func(ctx context.Context, pc *PhaseContext) error {
			minerStarts.Add(1)
			pc.Go(func(ctx context.Context) {
				<-ctx.Done()
				minerStops.Add(1)
			})
			return nil
		},
	}}}))

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, []string{"core", "mining"}, o.Groups())

	require.NoError(t, o.RestartGroup(context.Background(), "mining"))
	assert.EqualValues(t, 2, minerStarts.Load())
	assert.EqualValues(t, 1, minerStops.Load(), "the old miner task was stopped before the rerun")
	assert.EqualValues(t, 0, nodeStops.Load(), "other groups are untouched")

	out, _ := o.Outcome("miner")
	assert.Equal(t, consts.PhaseSuccess, out)

	assert.Error(t, o.RestartGroup(context.Background(), "nope"))

	require.NoError(t, o.Shutdown(time.Second))
	assert.EqualValues(t, 1, nodeStops.Load())
	assert.EqualValues(t, 2, minerStops.Load())
	assert.Error(t, o.RestartGroup(context.Background(), "mining"), "no restarts after shutdown")
}

func TestOrchestrator_ShutdownCancelsWaitingPhases(t *testing.T) {
	o := newTestOrchestrator(&events.Recorder{})
	started := make(chan struct{})

	require.NoError(t, o.Add(PhaseSpec{ID: "block", Steps: []Step{{
		Name: "wait", Weight: 1,
		Run: func(ctx context.Context, _ *PhaseContext) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}}}))
	require.NoError(t, o.Add(PhaseSpec{ID: "next", DependsOn: []string{"block"}, Steps: []Step{{Name: "x", Weight: 1}}}))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	<-started

	require.NoError(t, o.Shutdown(time.Second))
	require.Error(t, <-done)
	out, _ := o.Outcome("block")
	assert.Equal(t, consts.PhaseCancelled, out)
	out, _ = o.Outcome("next")
	assert.Equal(t, consts.PhaseCancelled, out)
}
