// Package breaker implements the three-state circuit breaker that gates
// supervisor restarts. It is synchronous and owned by a single supervisor;
// the mutex only protects snapshot reads from other goroutines.
package breaker

import (
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/pkg/consts"
)

// Config holds the breaker thresholds. Zero values take package defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State       consts.CircuitState
	Failures    int
	Successes   int
	LastFailure time.Time
}

type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       consts.CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = consts.DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = consts.DefaultSuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = consts.DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: consts.CircuitClosed}
}

// RecordFailure registers one failed health outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case consts.CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case consts.CircuitHalfOpen:
		b.failures++
		b.open()
	case consts.CircuitOpen:
		b.failures++
		b.lastFailure = b.cfg.Now()
	}
}

// RecordSuccess registers one healthy outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case consts.CircuitClosed:
		b.failures = 0
	case consts.CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = consts.CircuitClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// ShouldAttemptRetry reports whether a restart is permitted now. An open
// breaker whose recovery timeout has elapsed moves to half-open on this call.
func (b *Breaker) ShouldAttemptRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case consts.CircuitOpen:
		if b.cfg.Now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = consts.CircuitHalfOpen
		b.successes = 0
		return true
	default:
		return true
	}
}

// State returns the current circuit state.
func (b *Breaker) State() consts.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) open() {
	b.state = consts.CircuitOpen
	b.lastFailure = b.cfg.Now()
	b.successes = 0
}
