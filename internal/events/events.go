// Package events carries progress and status events from the orchestrator
// to whatever presents them: logs, a NATS subject, or the terminal UI.
package events

import (
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// Event is one progress update of a phase.
type Event struct {
	RunID      string              `json:"run_id"`
	Phase      string              `json:"phase"`
	PhaseTitle string              `json:"phase_title"`
	Step       string              `json:"step,omitempty"`
	StepTitle  string              `json:"step_title,omitempty"`
	Percent    int                 `json:"percent"`    // 0-100
	Cumulative int                 `json:"cumulative"` // Resolved weight so far
	Done       bool                `json:"done"`
	Outcome    consts.PhaseOutcome `json:"outcome"`
	Message    string              `json:"message,omitempty"`
	Time       time.Time           `json:"time"`
}

// Reporter consumes events. Implementations must not block for long; the
// orchestrator calls Report inline.
type Reporter interface {
	Report(Event)
}

// Func adapts a function to Reporter.
type Func func(Event)

func (f Func) Report(e Event) { f(e) }

// Multi fans every event out to each reporter in order.
type Multi []Reporter

func (m Multi) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// Discard drops every event.
var Discard Reporter = Func(func(Event) {})

// LogReporter writes events through a structured logger.
type LogReporter struct {
	Log logger.Logger
}

func (r LogReporter) Report(e Event) {
	l := r.Log
	if l == nil {
		l = logger.Log
	}
	args := []any{"phase", e.Phase, "percent", e.Percent, "outcome", e.Outcome}
	if e.Step != "" {
		args = append(args, "step", e.Step)
	}
	if e.Message != "" {
		args = append(args, "msg", e.Message)
	}

	switch {
	case e.Outcome == consts.PhaseFailed || e.Outcome == consts.PhaseBlocked:
		l.Error("Orchestrator: Phase progress", args...)
	case e.Outcome == consts.PhaseSuccessWithWarnings && e.Done:
		l.Warn("Orchestrator: Phase progress", args...)
	case e.Done:
		l.Info("Orchestrator: Phase progress", args...)
	default:
		l.Debug("Orchestrator: Phase progress", args...)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Phase returns the events of one phase, in order.
func (r *Recorder) Phase(id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Phase == id {
			out = append(out, e)
		}
	}
	return out
}
