// Package supervisor owns the lifecycle of supervised worker processes: spawn,
// periodic health polling, restart under a circuit breaker, and
// graceful-then-forceful termination.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/internal/breaker"
	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/fsm"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// UnhealthyAction is a status monitor's verdict on a worker that stayed
// unhealthy past its startup grace.
type UnhealthyAction int

const (
	ActionContinue UnhealthyAction = iota // Restart as usual
	ActionStop                            // Give up supervising
)

// StatusMonitor classifies the health of one worker.
type StatusMonitor interface {
	CheckHealth(ctx context.Context, uptime, timeout time.Duration) consts.HealthStatus
}

// UnhealthyHandler is implemented by monitors that want a say before a
// restart.
type UnhealthyHandler interface {
	HandleUnhealthy(sinceHealthy time.Duration) UnhealthyAction
}

// TerminalExitError reports a worker that exited with a code from the
// terminal allow-list.
type TerminalExitError struct {
	Worker string
	Code   int
}

func (e *TerminalExitError) Error() string {
	return fmt.Sprintf("worker %s exited with terminal code %d", e.Worker, e.Code)
}

// Options configures a Supervisor. Zero durations take package defaults.
type Options struct {
	Name              string
	Spec              SpecFunc
	Monitor           StatusMonitor
	Breaker           *breaker.Breaker
	PollInterval      time.Duration
	HealthTimeout     time.Duration
	StartupGrace      time.Duration
	StopGrace         time.Duration
	WarningThreshold  int
	TerminalExitCodes []int
}

// Status is a snapshot of one supervised slot.
type Status struct {
	Worker   string
	State    consts.SlotState
	Health   consts.HealthStatus
	Circuit  consts.CircuitState
	PID      int
	Restarts int
	Since    time.Time
	// Done is set once Run has returned; Err then holds the reason, if any.
	Done bool
	Err  error
}

const (
	evStart       fsm.Event = "start"
	evStarted     fsm.Event = "started"
	evSpawnFailed fsm.Event = "spawn_failed"
	evStop        fsm.Event = "stop"
	evStopped     fsm.Event = "stopped"
)

// Supervisor runs exactly one worker slot. Breaker and health state are
// owned by the Run goroutine; other goroutines only read snapshots.
type Supervisor struct {
	opts    Options
	machine *fsm.StateMachine
	breaker *breaker.Breaker

	mu          sync.Mutex
	proc        *Process
	status      Status
	changed     chan struct{}
	warnings    int
	lastHealthy time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	runMu    sync.Mutex
}

func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = consts.DefaultPollInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = consts.DefaultHealthTimeout
	}
	if opts.StartupGrace < 0 {
		opts.StartupGrace = 0
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = consts.DefaultStopGrace
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = consts.DefaultWarningThreshold
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New(breaker.Config{})
	}

	s := &Supervisor{
		opts:    opts,
		breaker: opts.Breaker,
		changed: make(chan struct{}),
		stopCh:  make(chan struct{}),
		status: Status{
			Worker:  opts.Name,
			State:   consts.SlotNotRunning,
			Health:  consts.HealthInitializing,
			Circuit: opts.Breaker.State(),
			Since:   time.Now(),
		},
	}

	m := fsm.New(fsm.State(consts.SlotNotRunning))
	m.AddTransition(fsm.State(consts.SlotNotRunning), fsm.State(consts.SlotStarting), evStart, nil)
	m.AddTransition(fsm.State(consts.SlotStarting), fsm.State(consts.SlotRunning), evStarted, nil)
	m.AddTransition(fsm.State(consts.SlotStarting), fsm.State(consts.SlotNotRunning), evSpawnFailed, nil)
	m.AddTransition(fsm.State(consts.SlotRunning), fsm.State(consts.SlotStopping), evStop, nil)
	m.AddTransition(fsm.State(consts.SlotStopping), fsm.State(consts.SlotNotRunning), evStopped, nil)
	m.OnTransition(func(from, to fsm.State, event fsm.Event) {
		logger.Log.Debug("Supervisor: Slot transition", "worker", opts.Name, "from", from, "to", to, "event", event)
		s.update(func(st *Status) {
			st.State = consts.SlotState(to)
			st.Since = time.Now()
		})
	})
	s.machine = m
	return s
}

func (s *Supervisor) Name() string { return s.opts.Name }

// Status returns the current slot snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Watch returns the current status and a channel closed on the next change.
func (s *Supervisor) Watch() (Status, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.changed
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// WaitRunning blocks until the slot is Running. It fails if supervision
// ends first.
func (s *Supervisor) WaitRunning(ctx context.Context) error {
	return s.waitFor(ctx, func(st Status) bool { return st.State == consts.SlotRunning })
}

// WaitHealthy blocks until the worker reports Healthy.
func (s *Supervisor) WaitHealthy(ctx context.Context) error {
	err := s.waitFor(ctx, func(st Status) bool {
		return st.State == consts.SlotRunning && st.Health == consts.HealthHealthy
	})
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.ErrCodeHealthWaitTimeout, "WaitHealthy", s.opts.Name, err)
	}
	return err
}

func (s *Supervisor) waitFor(ctx context.Context, ok func(Status) bool) error {
	for {
		st, changed := s.Watch()
		if ok(st) {
			return nil
		}
		if st.Done {
			if st.Err != nil {
				return st.Err
			}
			return errors.New(errors.ErrCodeCancelled, "Wait", s.opts.Name+": supervision ended", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Stop ends supervision and terminates the worker. It is idempotent and
// returns once the process has been reaped.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	// Run holds runMu for its whole lifetime.
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.terminate()
}

// Run spawns the worker and supervises it until ctx is cancelled, Stop is
// called, or an unrecoverable condition is hit. The worker is always
// terminated before Run returns. A nil error means supervision was asked
// to end.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	defer func() {
		s.terminate()
		s.update(func(st *Status) { st.Done = true })
	}()

	select {
	case <-s.stopCh:
		return nil
	default:
	}

	// A breaker carried over from an earlier run of this slot may still be open.
	if !s.breaker.ShouldAttemptRetry() {
		return s.fail(errors.New(errors.ErrCodeBreakerOpen, "Start", s.opts.Name+": restart circuit open", nil))
	}
	s.syncCircuit()

	logger.Log.Info("Supervisor: Starting worker", "worker", s.opts.Name)
	if err := s.start(ctx); err != nil {
		if err := s.afterFailure(err); err != nil {
			return s.fail(err)
		}
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		var exited <-chan struct{}
		if p := s.current(); p != nil {
			exited = p.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-exited:
			if err := s.handleExit(ctx); err != nil {
				return s.fail(err)
			}
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return s.fail(err)
			}
		}
	}
}

func (s *Supervisor) current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Supervisor) fail(err error) error {
	logger.Log.Error("Supervisor: Giving up on worker", "worker", s.opts.Name, "err", err)
	s.update(func(st *Status) { st.Err = err })
	return err
}

// start spawns a fresh process from the spec function.
func (s *Supervisor) start(ctx context.Context) error {
	if err := s.machine.Fire(evStart); err != nil {
		return err
	}
	spec, err := s.opts.Spec(ctx)
	if err == nil {
		var p *Process
		p, err = Spawn(spec)
		if err == nil {
			s.mu.Lock()
			s.proc = p
			s.warnings = 0
			s.lastHealthy = p.StartedAt()
			s.mu.Unlock()
			s.update(func(st *Status) {
				st.PID = p.Pid()
				st.Health = consts.HealthInitializing
				st.Err = nil
			})
			monitor.SetHealth(s.opts.Name, consts.HealthInitializing)
			return s.machine.Fire(evStarted)
		}
	}

	_ = s.machine.Fire(evSpawnFailed)
	s.update(func(st *Status) { st.Err = err })
	return errors.New(errors.ErrCodeSpawnFailed, "Start", s.opts.Name, err)
}

// afterFailure records a failed start. The loop keeps retrying on the next
// tick unless the breaker has opened.
func (s *Supervisor) afterFailure(err error) error {
	logger.Log.Warn("Supervisor: Worker failed to start", "worker", s.opts.Name, "err", err)
	s.recordFailure()
	if s.breaker.State() == consts.CircuitOpen {
		return errors.New(errors.ErrCodeBreakerOpen, "Start", s.opts.Name+": restart circuit open", err)
	}
	return nil
}

func (s *Supervisor) handleExit(ctx context.Context) error {
	p := s.current()
	code := p.ExitCode()
	for _, c := range s.opts.TerminalExitCodes {
		if c == code {
			s.terminate()
			return errors.New(errors.ErrCodeTerminalExit, "Supervise", s.opts.Name,
				&TerminalExitError{Worker: s.opts.Name, Code: code})
		}
	}

	logger.Log.Warn("Supervisor: Worker exited unexpectedly", "worker", s.opts.Name, "code", code, "uptime", p.Uptime())
	s.setHealth(consts.HealthUnhealthy)
	s.recordFailure()
	return s.restart(ctx, "exited")
}

// poll runs one health check. A slot without a process (failed spawn) is
// retried instead.
func (s *Supervisor) poll(ctx context.Context) error {
	p := s.current()
	if p == nil {
		return s.restart(ctx, "spawn_failed")
	}
	if p.Exited() {
		return s.handleExit(ctx)
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	status := s.opts.Monitor.CheckHealth(hctx, p.Uptime(), s.opts.HealthTimeout)
	cancel()
	if ctx.Err() != nil {
		return nil
	}
	s.setHealth(status)

	switch status {
	case consts.HealthHealthy:
		s.mu.Lock()
		s.warnings = 0
		s.lastHealthy = time.Now()
		s.mu.Unlock()
		s.breaker.RecordSuccess()
		s.syncCircuit()
	case consts.HealthInitializing:
	case consts.HealthWarning:
		s.mu.Lock()
		s.warnings++
		escalate := s.warnings > s.opts.WarningThreshold
		if escalate {
			s.warnings = 0
		}
		s.mu.Unlock()
		if escalate {
			logger.Log.Warn("Supervisor: Too many warnings, treating as unhealthy", "worker", s.opts.Name)
			return s.escalate(ctx, p)
		}
	case consts.HealthUnhealthy:
		return s.escalate(ctx, p)
	}
	return nil
}

func (s *Supervisor) escalate(ctx context.Context, p *Process) error {
	s.recordFailure()

	uptime := p.Uptime()
	if uptime < s.opts.StartupGrace {
		logger.Log.Debug("Supervisor: Unhealthy within startup grace", "worker", s.opts.Name, "uptime", uptime)
		return nil
	}

	if h, ok := s.opts.Monitor.(UnhealthyHandler); ok {
		s.mu.Lock()
		since := time.Since(s.lastHealthy)
		s.mu.Unlock()
		if h.HandleUnhealthy(since) == ActionStop {
			s.terminate()
			return errors.New(errors.ErrCodeStoppedByMonitor, "Supervise", s.opts.Name+": monitor requested stop", nil)
		}
	}
	return s.restart(ctx, "unhealthy")
}

// restart terminates the current process, if any, and spawns a new one when
// the breaker allows it.
func (s *Supervisor) restart(ctx context.Context, reason string) error {
	if !s.breaker.ShouldAttemptRetry() {
		s.terminate()
		return errors.New(errors.ErrCodeBreakerOpen, "Restart", s.opts.Name+": restart circuit open", nil)
	}
	s.syncCircuit()

	logger.Log.Info("Supervisor: Restarting worker", "worker", s.opts.Name, "reason", reason)
	monitor.RestartTotal.WithLabelValues(s.opts.Name, reason).Inc()
	s.terminate()
	s.update(func(st *Status) { st.Restarts++ })

	if err := s.start(ctx); err != nil {
		return s.afterFailure(err)
	}
	return nil
}

// terminate brings the slot to NotRunning, stopping the process if needed.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	_ = s.machine.Fire(evStop)
	if err := p.Terminate(s.opts.StopGrace); err != nil {
		logger.Log.Error("Supervisor: Termination failed", "worker", s.opts.Name, "err", err)
	}
	_ = s.machine.Fire(evStopped)
	s.update(func(st *Status) { st.PID = 0 })
}

func (s *Supervisor) setHealth(h consts.HealthStatus) {
	monitor.SetHealth(s.opts.Name, h)
	s.update(func(st *Status) { st.Health = h })
}

func (s *Supervisor) recordFailure() {
	s.breaker.RecordFailure()
	s.syncCircuit()
}

func (s *Supervisor) syncCircuit() {
	state := s.breaker.State()
	monitor.SetCircuit(s.opts.Name, state)
	s.update(func(st *Status) { st.Circuit = state })
}
