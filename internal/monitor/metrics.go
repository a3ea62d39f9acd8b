package monitor

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// Registry holds every rigkeeper collector plus the Go/process collectors.
var Registry = prometheus.NewRegistry()

var (
	// RestartTotal tracks worker restarts, partitioned by worker and reason.
	RestartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rigkeeper_restarts_total",
		Help: "Total number of worker process restarts",
	}, []string{"worker", "reason"})
	// HealthState is 1 for the current health status of each worker, 0 otherwise.
	HealthState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rigkeeper_worker_health",
		Help: "Current health classification per worker",
	}, []string{"worker", "status"})
	// CircuitState is 1 for the current breaker state of each worker, 0 otherwise.
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rigkeeper_circuit_state",
		Help: "Current restart circuit breaker state per worker",
	}, []string{"worker", "state"})
	// DownloadAttempts counts binary download attempts by outcome.
	DownloadAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rigkeeper_download_attempts_total",
		Help: "Binary download attempts",
	}, []string{"binary", "result"})
	// InstallDuration tracks how long a full install (download, verify, extract) takes.
	InstallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rigkeeper_install_duration_seconds",
		Help:    "Time taken to download, verify and extract a binary",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"binary"})
	// PhaseDuration tracks phase wall time by outcome.
	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rigkeeper_phase_duration_seconds",
		Help:    "Time taken by each orchestrator phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase", "outcome"})
)

func init() {
	Registry.MustRegister(
		RestartTotal,
		HealthState,
		CircuitState,
		DownloadAttempts,
		InstallDuration,
		PhaseDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var healthStatuses = []consts.HealthStatus{
	consts.HealthInitializing, consts.HealthHealthy, consts.HealthWarning, consts.HealthUnhealthy,
}

var circuitStates = []consts.CircuitState{
	consts.CircuitClosed, consts.CircuitOpen, consts.CircuitHalfOpen,
}

// SetHealth flips the worker's health gauge to status.
func SetHealth(worker string, status consts.HealthStatus) {
	for _, s := range healthStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		HealthState.WithLabelValues(worker, string(s)).Set(v)
	}
}

// SetCircuit flips the worker's breaker gauge to state.
func SetCircuit(worker string, state consts.CircuitState) {
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		CircuitState.WithLabelValues(worker, string(s)).Set(v)
	}
}

// InitMetrics starts an HTTP server exposing Registry on addr (e.g. ":9100").
// It returns the server so callers can shut it down; an empty addr disables it.
func InitMetrics(addr string) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}

	go func() {
		logger.Log.Info("Metrics server starting", "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
	return srv, nil
}
