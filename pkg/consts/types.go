package consts

import "time"

// SlotState is the lifecycle state of one supervised process slot.
type SlotState string

const (
	SlotNotRunning SlotState = "NOT_RUNNING"
	SlotStarting   SlotState = "STARTING" // Process spawned, pid file written
	SlotRunning    SlotState = "RUNNING"
	SlotStopping   SlotState = "STOPPING" // Graceful-then-forceful termination in progress
)

// HealthStatus is a point-in-time health classification produced by a status monitor.
type HealthStatus string

const (
	HealthInitializing HealthStatus = "INITIALIZING" // Warming up, neither good nor bad
	HealthHealthy      HealthStatus = "HEALTHY"
	HealthWarning      HealthStatus = "WARNING" // Debounced, escalates after a threshold
	HealthUnhealthy    HealthStatus = "UNHEALTHY"
)

// CircuitState is the restart-gating state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// PhaseOutcome is the reported result of one orchestrator phase.
type PhaseOutcome string

const (
	PhasePending             PhaseOutcome = "PENDING"
	PhaseWaiting             PhaseOutcome = "WAITING" // Waiting on dependencies
	PhaseRunning             PhaseOutcome = "RUNNING"
	PhaseSuccess             PhaseOutcome = "SUCCESS"
	PhaseSuccessWithWarnings PhaseOutcome = "SUCCESS_WITH_WARNINGS"
	PhaseFailed              PhaseOutcome = "FAILED"
	PhaseBlocked             PhaseOutcome = "BLOCKED" // A dependency did not succeed
	PhaseCancelled           PhaseOutcome = "CANCELLED"
)

// Satisfied reports whether dependents of a phase with this outcome may start.
func (o PhaseOutcome) Satisfied() bool {
	return o == PhaseSuccess || o == PhaseSuccessWithWarnings
}

// Terminal reports whether the outcome is final for this run.
func (o PhaseOutcome) Terminal() bool {
	switch o {
	case PhaseSuccess, PhaseSuccessWithWarnings, PhaseFailed, PhaseBlocked, PhaseCancelled:
		return true
	}
	return false
}

// EngineState is the lifecycle state of the composition root.
type EngineState string

const (
	EnginePending      EngineState = "PENDING"
	EngineStarting     EngineState = "STARTING" // Phases running
	EngineRunning      EngineState = "RUNNING"
	EngineReloading    EngineState = "RELOADING" // Reload groups being restarted
	EngineShuttingDown EngineState = "SHUTTING_DOWN"
	EngineStopped      EngineState = "STOPPED"
)

// Provisioning layout
const (
	InProgressDir        = "in_progress"
	PidFileSuffix        = "_pid"
	ControlSocketName    = "rigkeeper.sock"
	WorkerLogDir         = "logs"
	DefaultNetwork       = "mainnet"
	DefaultPhaseWeight   = 100
	DefaultDownloadTries = 3
)

// Defaults applied when configuration leaves a value empty.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultHealthTimeout    = 3 * time.Second
	DefaultStartupGrace     = 30 * time.Second
	DefaultStopGrace        = 10 * time.Second
	DefaultWarningThreshold = 3
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 3
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultDownloadBackoff  = 2 * time.Second
	DefaultPhaseTimeout     = 5 * time.Minute
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultMaxDownloads     = 2
)

// Environment overrides
const (
	EnvLogLevel = "RIGKEEPER_LOG_LEVEL"
	EnvDataDir  = "RIGKEEPER_DATA_DIR"
	EnvNetwork  = "RIGKEEPER_NETWORK"
)
