package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/turtacn/rigkeeper/internal/breaker"
	"github.com/turtacn/rigkeeper/internal/catalog"
	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/internal/provision"
	"github.com/turtacn/rigkeeper/internal/supervisor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/fsm"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

const (
	evEngineStart    fsm.Event = "start"
	evEngineStarted  fsm.Event = "started"
	evEngineReload   fsm.Event = "reload"
	evEngineReloaded fsm.Event = "reloaded"
	evEngineShutdown fsm.Event = "shutdown"
	evEngineStopped  fsm.Event = "stopped"
)

// EngineOptions carries what the CLI wires in around the configuration.
type EngineOptions struct {
	// Reporter receives progress events in addition to the log.
	Reporter   events.Reporter
	HTTPClient *http.Client
	// ConfigPath is re-read on config reloads. WatchConfig reloads on change.
	ConfigPath  string
	WatchConfig bool
}

// Engine is the composition root: it owns the provisioner, one breaker and
// one supervisor per worker, and the orchestrator running the configured
// phases.
type Engine struct {
	cfg     *protocol.Config
	opts    EngineOptions
	fsm     *fsm.StateMachine
	catalog *catalog.Catalog
	prov    *provision.Provisioner
	orch    *Orchestrator

	mu           sync.Mutex
	workers      map[string]protocol.WorkerConfig
	breakers     map[string]*breaker.Breaker
	slots        map[string]*supervisor.Supervisor
	slotsChanged chan struct{}

	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEngine builds every service from cfg. Nothing is started until Run.
func NewEngine(cfg *protocol.Config, opts EngineOptions) (*Engine, error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: protocol.Duration(cfg.Provisioning.HTTPTimeout, 10*time.Minute)}
	}
	prov := provision.New(provision.Options{
		Catalog:       cat,
		Attempts:      cfg.Provisioning.DownloadAttempts,
		Backoff:       protocol.Duration(cfg.Provisioning.DownloadBackoff, consts.DefaultDownloadBackoff),
		MaxConcurrent: int64(cfg.Provisioning.MaxConcurrentDownloads),
		HTTPClient:    client,
	})
	for name, b := range cfg.Binaries {
		prov.Register(binaryFor(name, b), releaseSource(cfg, name, b, client), cfg.VerifyChecksums(name))
	}

	reporter := events.Multi{events.LogReporter{}}
	if opts.Reporter != nil {
		reporter = append(reporter, opts.Reporter)
	}

	e := &Engine{
		cfg:          cfg,
		opts:         opts,
		fsm:          fsm.New(fsm.State(consts.EnginePending)),
		catalog:      cat,
		prov:         prov,
		orch:         New(Options{Reporter: reporter, DefaultTimeout: consts.DefaultPhaseTimeout}),
		workers:      make(map[string]protocol.WorkerConfig, len(cfg.Workers)),
		breakers:     make(map[string]*breaker.Breaker),
		slots:        make(map[string]*supervisor.Supervisor),
		slotsChanged: make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
	for _, w := range cfg.Workers {
		e.workers[w.Name] = w
	}
	for _, pc := range cfg.Orchestration.Phases {
		spec, err := e.buildPhase(pc)
		if err != nil {
			return nil, err
		}
		if err := e.orch.Add(spec); err != nil {
			return nil, err
		}
	}
	if err := e.orch.validate(); err != nil {
		return nil, err
	}
	e.setupFSM()
	return e, nil
}

func loadCatalog(cfg *protocol.Config) (*catalog.Catalog, error) {
	if cfg.Manifest != "" {
		return catalog.Load(cfg.Manifest)
	}
	return catalog.Bundled(cfg.Network)
}

func binaryFor(name string, b protocol.BinaryConfig) provision.Binary {
	exe := b.Executable
	if exe == "" {
		exe = name
	}
	return provision.Binary{Name: name, Executable: exe}
}

func releaseSource(cfg *protocol.Config, name string, b protocol.BinaryConfig, client *http.Client) provision.ReleaseSource {
	opts := provision.SourceOptions{
		Root:       cfg.BinaryRoot,
		BaseURL:    cfg.Provisioning.APIBaseURL,
		HTTPClient: client,
	}
	bin := binaryFor(name, b)
	if b.Source == "fixed" {
		return provision.NewFixedSource(bin, b.IndexURL, b.Releases, opts)
	}
	return provision.NewGitHubSource(bin, b.Repo, b.AssetPattern, opts)
}

func (e *Engine) setupFSM() {
	st := func(s consts.EngineState) fsm.State { return fsm.State(s) }

	e.fsm.AddTransition(st(consts.EnginePending), st(consts.EngineStarting), evEngineStart, nil)
	e.fsm.AddTransition(st(consts.EngineStarting), st(consts.EngineRunning), evEngineStarted, nil)

	// Reload restarts groups; the engine returns to Running either way.
	e.fsm.AddTransition(st(consts.EngineRunning), st(consts.EngineReloading), evEngineReload, nil)
	e.fsm.AddTransition(st(consts.EngineReloading), st(consts.EngineRunning), evEngineReloaded, nil)

	for _, from := range []consts.EngineState{consts.EnginePending, consts.EngineStarting, consts.EngineRunning, consts.EngineReloading} {
		e.fsm.AddTransition(st(from), st(consts.EngineShuttingDown), evEngineShutdown, nil)
	}
	e.fsm.AddTransition(st(consts.EngineShuttingDown), st(consts.EngineStopped), evEngineStopped, nil)

	e.fsm.OnTransition(func(from, to fsm.State, event fsm.Event) {
		logger.Log.Info("Engine: State change", "from", from, "to", to, "event", event)
	})
}

// State returns the engine lifecycle state.
func (e *Engine) State() consts.EngineState {
	return consts.EngineState(e.fsm.Current())
}

func (e *Engine) Provisioner() *provision.Provisioner { return e.prov }

func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Run starts every phase, then serves SIGHUP and config reloads until ctx is
// cancelled or a stop is requested, and finally shuts everything down.
// Phase failures are reported and logged but do not end Run.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.fsm.Fire(evEngineStart); err != nil {
		return err
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		_ = e.Shutdown()
		return errors.New(errors.ErrCodeConfigInvalid, "Run", "create data dir", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var changes <-chan struct{}
	if e.opts.WatchConfig && e.opts.ConfigPath != "" {
		ch, err := watchFile(ctx, e.opts.ConfigPath)
		if err != nil {
			logger.Log.Warn("Engine: Config watch disabled", "path", e.opts.ConfigPath, "err", err)
		} else {
			changes = ch
		}
	}

	logger.Log.Info("Engine: Starting phases", "phases", len(e.cfg.Orchestration.Phases), "network", e.cfg.Network)
	if err := e.orch.Run(ctx); err != nil {
		logger.Log.Error("Engine: Startup finished with failures", "err", err)
	} else {
		logger.Log.Info("Engine: All phases succeeded")
	}
	if ctx.Err() == nil {
		_ = e.fsm.Fire(evEngineStarted)
	}

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-hup:
			logger.Log.Info("Signal: SIGHUP received, restarting reload groups")
			if err := e.Reload(ctx); err != nil {
				logger.Log.Error("Engine: Reload failed", "err", err)
			}
		case <-changes:
			if err := e.ReloadConfig(ctx); err != nil {
				logger.Log.Error("Engine: Config reload failed", "err", err)
			}
		}
	}
	return e.Shutdown()
}

// RequestStop makes Run return after a clean shutdown.
func (e *Engine) RequestStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Reload restarts the configured reload groups, or every group when none
// are configured.
func (e *Engine) Reload(ctx context.Context) error {
	groups := e.cfg.Orchestration.ReloadGroups
	if len(groups) == 0 {
		groups = e.orch.Groups()
	}
	return e.restart(ctx, groups)
}

// RestartGroup restarts the phases of one group.
func (e *Engine) RestartGroup(ctx context.Context, group string) error {
	return e.restart(ctx, []string{group})
}

func (e *Engine) restart(ctx context.Context, groups []string) error {
	if err := e.fsm.Fire(evEngineReload); err != nil {
		return errors.New(errors.ErrCodeCancelled, "Restart", "engine is "+string(e.State()), err)
	}
	defer e.fsm.Fire(evEngineReloaded)

	var errs []error
	for _, g := range groups {
		if err := e.orch.RestartGroup(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// ReloadConfig re-reads the worker definitions from the config file and
// restarts the reload groups so the new arguments take effect. Binaries and
// phases keep their startup definitions.
func (e *Engine) ReloadConfig(ctx context.Context) error {
	next, err := protocol.Load(e.opts.ConfigPath)
	if err != nil {
		return err
	}
	workers := make(map[string]protocol.WorkerConfig, len(next.Workers))
	for _, w := range next.Workers {
		workers[w.Name] = w
	}

	e.mu.Lock()
	for name := range e.workers {
		if _, ok := workers[name]; !ok {
			e.mu.Unlock()
			return errors.New(errors.ErrCodeConfigInvalid, "ReloadConfig", "worker "+name+" removed from config", nil)
		}
	}
	e.workers = workers
	e.mu.Unlock()

	logger.Log.Info("Engine: Worker config reloaded", "path", e.opts.ConfigPath)
	return e.Reload(ctx)
}

// Shutdown cancels every phase and supervisor and waits for them, bounded
// by the configured shutdown timeout. It is idempotent.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		_ = e.fsm.Fire(evEngineShutdown)
		e.RequestStop()
		timeout := protocol.Duration(e.cfg.Orchestration.ShutdownTimeout, consts.DefaultShutdownTimeout)
		e.shutdownErr = e.orch.Shutdown(timeout)
		_ = e.fsm.Fire(evEngineStopped)
	})
	return e.shutdownErr
}

// Snapshot returns phase and slot status for the control socket.
func (e *Engine) Snapshot() protocol.ControlResponse {
	resp := protocol.ControlResponse{OK: true, Phases: e.orch.Status()}

	e.mu.Lock()
	names := make([]string, 0, len(e.slots))
	for name := range e.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	sups := make([]*supervisor.Supervisor, len(names))
	for i, n := range names {
		sups[i] = e.slots[n]
	}
	e.mu.Unlock()

	for _, s := range sups {
		st := s.Status()
		ss := protocol.SlotStatus{
			Worker:   st.Worker,
			State:    string(st.State),
			Health:   string(st.Health),
			Circuit:  string(st.Circuit),
			PID:      st.PID,
			Restarts: st.Restarts,
			Since:    st.Since,
		}
		if st.Err != nil {
			ss.Error = st.Err.Error()
		}
		resp.Slots = append(resp.Slots, ss)
	}
	return resp
}

// HandleControl answers one control socket request.
func (e *Engine) HandleControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse {
	switch req.Op {
	case protocol.OpStatus:
		return e.Snapshot()
	case protocol.OpRestart:
		var err error
		if req.Group == "" {
			err = e.Reload(ctx)
		} else {
			err = e.RestartGroup(ctx, req.Group)
		}
		if err != nil {
			return protocol.ControlResponse{Error: err.Error()}
		}
		return e.Snapshot()
	case protocol.OpShutdown:
		e.RequestStop()
		return protocol.ControlResponse{OK: true}
	default:
		return protocol.ControlResponse{Error: "unknown op " + req.Op}
	}
}

func (e *Engine) worker(name string) (protocol.WorkerConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[name]
	return w, ok
}

// breakerFor returns the breaker of worker, creating it on first use. It
// outlives supervisors so restart history survives group restarts.
func (e *Engine) breakerFor(w protocol.WorkerConfig) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[w.Name]; ok {
		return b
	}
	b := breaker.New(breaker.Config{
		FailureThreshold: w.Restart.FailureThreshold,
		SuccessThreshold: w.Restart.SuccessThreshold,
		RecoveryTimeout:  protocol.Duration(w.Restart.RecoveryTimeout, consts.DefaultRecoveryTimeout),
	})
	e.breakers[w.Name] = b
	return b
}

func (e *Engine) setSlot(name string, s *supervisor.Supervisor) {
	e.mu.Lock()
	e.slots[name] = s
	close(e.slotsChanged)
	e.slotsChanged = make(chan struct{})
	e.mu.Unlock()
}

// awaitSlot blocks until a supervisor exists for worker.
func (e *Engine) awaitSlot(ctx context.Context, worker string) (*supervisor.Supervisor, error) {
	for {
		e.mu.Lock()
		s, changed := e.slots[worker], e.slotsChanged
		e.mu.Unlock()
		if s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func closeMonitor(m supervisor.StatusMonitor) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Log.Debug("Engine: Closing monitor failed", "err", err)
		}
	}
}
