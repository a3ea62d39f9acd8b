package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/turtacn/rigkeeper/internal/health"
	"github.com/turtacn/rigkeeper/internal/supervisor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

// buildPhase turns a phase definition into a PhaseSpec whose steps call
// back into the engine.
func (e *Engine) buildPhase(pc protocol.PhaseConfig) (PhaseSpec, error) {
	spec := PhaseSpec{
		ID:        pc.ID,
		Title:     pc.Title,
		Group:     pc.Group,
		DependsOn: pc.DependsOn,
		Timeout:   protocol.Duration(pc.Timeout, consts.DefaultPhaseTimeout),
	}

	weights, total := stepWeights(pc.Steps)
	spec.TotalWeight = total
	for i, sc := range pc.Steps {
		st := Step{
			Name:     stepName(sc, i),
			Title:    stepTitle(sc),
			Weight:   weights[i],
			Optional: sc.Optional,
		}
		if !sc.Skip {
			run, err := e.stepFunc(sc)
			if err != nil {
				return PhaseSpec{}, errors.New(errors.ErrCodeConfigInvalid, "BuildPhase", pc.ID, err)
			}
			st.Run = run
		}
		spec.Steps = append(spec.Steps, st)
	}
	return spec, nil
}

// stepWeights uses configured weights when any are set (unset ones count
// 1), otherwise splits the default phase weight evenly.
func stepWeights(steps []protocol.StepConfig) ([]int, int) {
	weights := make([]int, len(steps))
	configured := false
	for _, s := range steps {
		if s.Weight > 0 {
			configured = true
		}
	}

	if configured || len(steps) > consts.DefaultPhaseWeight {
		total := 0
		for i, s := range steps {
			weights[i] = s.Weight
			if weights[i] <= 0 {
				weights[i] = 1
			}
			total += weights[i]
		}
		return weights, total
	}
	if len(steps) == 0 {
		return weights, 0
	}

	share := consts.DefaultPhaseWeight / len(steps)
	for i := range weights {
		weights[i] = share
	}
	weights[0] += consts.DefaultPhaseWeight - share*len(steps)
	return weights, consts.DefaultPhaseWeight
}

func stepName(sc protocol.StepConfig, i int) string {
	if sc.Name != "" {
		return sc.Name
	}
	switch sc.Kind {
	case "provision":
		return "provision-" + sc.Binary
	case "supervise":
		return "supervise-" + sc.Worker
	case "wait_healthy":
		return "wait-" + sc.Worker
	}
	return fmt.Sprintf("%s-%d", sc.Kind, i+1)
}

func stepTitle(sc protocol.StepConfig) string {
	if sc.Title != "" {
		return sc.Title
	}
	switch sc.Kind {
	case "provision":
		return "Installing " + sc.Binary
	case "supervise":
		return "Starting " + sc.Worker
	case "wait_healthy":
		return "Waiting for " + sc.Worker
	case "exec":
		return "Running " + sc.Command[0]
	}
	return sc.Kind
}

func (e *Engine) stepFunc(sc protocol.StepConfig) (StepFunc, error) {
	timeout := protocol.Duration(sc.Timeout, 0)
	switch sc.Kind {
	case "provision":
		return e.provisionStep(sc.Binary), nil
	case "supervise":
		return e.superviseStep(sc.Worker, sc.WaitHealthy, timeout), nil
	case "wait_healthy":
		return e.waitHealthyStep(sc.Worker, timeout), nil
	case "exec":
		return e.execStep(sc.Command, timeout), nil
	}
	return nil, fmt.Errorf("unknown step kind %q", sc.Kind)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// platformEnabled applies the per-binary platform switches of the config,
// keyed "os/arch" or "os".
func (e *Engine) platformEnabled(binary string) bool {
	b := e.cfg.Binaries[binary]
	if v, ok := b.Platforms[runtime.GOOS+"/"+runtime.GOARCH]; ok {
		return v
	}
	if v, ok := b.Platforms[runtime.GOOS]; ok {
		return v
	}
	return true
}

func (e *Engine) provisionStep(binary string) StepFunc {
	return func(ctx context.Context, pc *PhaseContext) error {
		if !e.prov.Supported(binary) || !e.platformEnabled(binary) {
			logger.Log.Info("Engine: Binary not available for this platform, skipping", "binary", binary)
			return ErrSkip
		}
		want, err := e.prov.SelectVersion(ctx, binary)
		if err != nil {
			return err
		}
		if _, err := e.prov.EnsureSelected(ctx, binary, want); err != nil {
			return err
		}
		got, _ := e.prov.SelectedVersion(binary)
		if !got.Equal(want) {
			pc.Warn(fmt.Sprintf("%s %s could not be installed, using %s", binary, want, got))
		} else {
			pc.Report(fmt.Sprintf("%s %s ready", binary, got))
		}
		return nil
	}
}

func (e *Engine) superviseStep(worker string, waitHealthy bool, timeout time.Duration) StepFunc {
	return func(ctx context.Context, pc *PhaseContext) error {
		w, ok := e.worker(worker)
		if !ok {
			return errors.New(errors.ErrCodeConfigInvalid, "Supervise", "unknown worker "+worker, nil)
		}
		mon, checker := e.monitorFor(w)
		sup := supervisor.New(e.supervisorOptions(w, mon))
		e.setSlot(worker, sup)

		started := pc.Go(func(ctx context.Context) {
			defer closeMonitor(checker)
			if err := sup.Run(ctx); err != nil {
				logger.Log.Error("Engine: Supervision ended", "worker", worker, "err", err)
			}
		})
		if !started {
			closeMonitor(checker)
			return errors.New(errors.ErrCodeCancelled, "Supervise", worker, ctx.Err())
		}

		wctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		if waitHealthy {
			return sup.WaitHealthy(wctx)
		}
		return sup.WaitRunning(wctx)
	}
}

func (e *Engine) waitHealthyStep(worker string, timeout time.Duration) StepFunc {
	return func(ctx context.Context, pc *PhaseContext) error {
		wctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		sup, err := e.awaitSlot(wctx, worker)
		if err != nil {
			return errors.New(errors.ErrCodeHealthWaitTimeout, "WaitHealthy", worker+" was never started", err)
		}
		return sup.WaitHealthy(wctx)
	}
}

// execStep runs a one-shot setup command, such as initializing a wallet.
func (e *Engine) execStep(command []string, timeout time.Duration) StepFunc {
	return func(ctx context.Context, pc *PhaseContext) error {
		cctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		args := make([]string, len(command))
		for i, a := range command {
			args[i] = e.expand(a, "")
		}
		logger.Log.Info("Engine: Running setup command", "phase", pc.Phase, "command", args[0])
		cmd := exec.CommandContext(cctx, args[0], args[1:]...)
		cmd.Dir = e.cfg.DataDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		logger.Log.Debug("Engine: Setup command finished", "command", args[0], "output", strings.TrimSpace(string(out)))
		return nil
	}
}

// monitorFor builds the health monitor of w. The second value is the
// underlying checker, which may hold a connection to close.
func (e *Engine) monitorFor(w protocol.WorkerConfig) (supervisor.StatusMonitor, supervisor.StatusMonitor) {
	warmup := protocol.Duration(w.Health.Warmup, 0)
	var checker supervisor.StatusMonitor
	switch w.Health.Kind {
	case "http":
		checker = &health.HTTPMonitor{URL: w.Health.Target, Warmup: warmup}
	case "tcp":
		checker = health.TCPMonitor{Address: w.Health.Target, Warmup: warmup}
	case "grpc":
		checker = &health.GRPCMonitor{Target: w.Health.Target, Service: w.Health.Service, Warmup: warmup}
	default:
		checker = health.ProcessMonitor{Warmup: warmup}
	}

	stopAfter := protocol.Duration(w.Health.StopAfter, 0)
	if stopAfter <= 0 {
		return checker, checker
	}
	return &health.FallbackMonitor{
		StatusMonitor: checker,
		StopAfter:     stopAfter,
		OnStop: func(since time.Duration) {
			logger.Log.Warn("Engine: Giving up on unhealthy worker", "worker", w.Name, "unhealthy_for", since)
		},
	}, checker
}

func (e *Engine) supervisorOptions(w protocol.WorkerConfig, mon supervisor.StatusMonitor) supervisor.Options {
	r := w.Restart
	return supervisor.Options{
		Name:              w.Name,
		Spec:              e.specFunc(w.Name),
		Monitor:           mon,
		Breaker:           e.breakerFor(w),
		PollInterval:      protocol.Duration(r.PollInterval, consts.DefaultPollInterval),
		HealthTimeout:     protocol.Duration(w.Health.Timeout, consts.DefaultHealthTimeout),
		StartupGrace:      protocol.Duration(r.StartupGrace, consts.DefaultStartupGrace),
		StopGrace:         protocol.Duration(r.StopGrace, consts.DefaultStopGrace),
		WarningThreshold:  r.WarningThreshold,
		TerminalExitCodes: r.TerminalExitCodes,
	}
}

// specFunc resolves the start specification of worker afresh on every
// (re)start, so reloaded arguments and newly installed versions apply.
func (e *Engine) specFunc(worker string) supervisor.SpecFunc {
	return func(ctx context.Context) (supervisor.StartSpec, error) {
		w, ok := e.worker(worker)
		if !ok {
			return supervisor.StartSpec{}, fmt.Errorf("unknown worker %s", worker)
		}

		path := w.Path
		if path == "" {
			p, err := e.prov.GetInstalledPath(w.Binary)
			if err != nil {
				if p, err = e.prov.Ensure(ctx, w.Binary); err != nil {
					return supervisor.StartSpec{}, err
				}
			}
			path = p
		}

		args := make([]string, len(w.Args))
		for i, a := range w.Args {
			args[i] = e.expand(a, w.Name)
		}
		env := make(map[string]string, len(w.Env))
		for k, v := range w.Env {
			env[k] = e.expand(v, w.Name)
		}
		return supervisor.StartSpec{
			Path:    path,
			Args:    args,
			Env:     env,
			Dir:     w.WorkDir,
			PidFile: e.pidFile(w),
			LogFile: filepath.Join(e.cfg.DataDir, consts.WorkerLogDir, w.Name+".log"),
		}, nil
	}
}

func (e *Engine) pidFile(w protocol.WorkerConfig) string {
	if w.PidFile != "" {
		return w.PidFile
	}
	return filepath.Join(e.cfg.DataDir, w.Name+consts.PidFileSuffix)
}

// expand substitutes ${DATA_DIR}, ${NETWORK}, ${WORKER} and environment
// variables in a config string.
func (e *Engine) expand(s, worker string) string {
	return os.Expand(s, func(key string) string {
		switch key {
		case "DATA_DIR":
			return e.cfg.DataDir
		case "NETWORK":
			return e.cfg.Network
		case "WORKER":
			return worker
		}
		return os.Getenv(key)
	})
}
