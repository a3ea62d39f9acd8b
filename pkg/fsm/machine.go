// Package fsm is a small table-driven state machine. Supervisor slots and
// the engine lifecycle are modelled on it.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

type State string
type Event string

// ErrInvalidTransition is returned by Fire when the event is not defined for
// the current state.
var ErrInvalidTransition = errors.New("invalid transition")

// Handler runs after a transition has been committed.
type Handler func(from, to State, event Event) error

// Observer is notified of every successful transition.
type Observer func(from, to State, event Event)

type edge struct {
	to      State
	handler Handler
}

// StateMachine is safe for concurrent use.
type StateMachine struct {
	mu        sync.RWMutex
	current   State
	edges     map[State]map[Event]edge
	observers []Observer
}

func New(initial State) *StateMachine {
	return &StateMachine{current: initial, edges: make(map[State]map[Event]edge)}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Can reports whether event is defined for the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.edges[sm.current][event]
	return ok
}

// AddTransition defines from --event--> to. Redefining an edge replaces it.
// handler may be nil.
func (sm *StateMachine) AddTransition(from, to State, event Event, handler Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.edges[from] == nil {
		sm.edges[from] = make(map[Event]edge)
	}
	sm.edges[from][event] = edge{to: to, handler: handler}
}

// OnTransition registers fn to run after every successful transition, before
// the edge handler.
func (sm *StateMachine) OnTransition(fn Observer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, fn)
}

// Fire applies event. The new state is committed and the lock released
// before observers and the handler run, so both may read the state or fire
// follow-up events. A handler error does not roll the state back.
func (sm *StateMachine) Fire(event Event) error {
	sm.mu.Lock()
	from := sm.current
	e, ok := sm.edges[from][event]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("%w from %s via %s", ErrInvalidTransition, from, event)
	}
	sm.current = e.to
	observers := append([]Observer(nil), sm.observers...)
	sm.mu.Unlock()

	for _, fn := range observers {
		fn(from, e.to, event)
	}
	if e.handler != nil {
		return e.handler(from, e.to, event)
	}
	return nil
}
