package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// Scope is a node of the cancellation tree: root, then one scope per group,
// then one per phase. Cancelling a scope cancels every descendant. Goroutines
// started with Go are tracked so Wait can block until they have returned.
type Scope struct {
	name   string
	parent *Scope
	base   context.Context // Root only

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	children map[string]*Scope
	wg       *sync.WaitGroup
}

// NewRootScope derives the root of a scope tree from ctx.
func NewRootScope(ctx context.Context) *Scope {
	s := &Scope{name: "root", base: ctx}
	s.renew(ctx)
	return s
}

func (s *Scope) renew(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.children = make(map[string]*Scope)
	s.wg = &sync.WaitGroup{}
}

func (s *Scope) Name() string { return s.name }

// Context returns the scope's current context. After Reset the old context
// stays cancelled and a new one is returned.
func (s *Scope) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Child returns the named child scope, creating it on first use.
func (s *Scope) Child(name string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[name]; ok {
		return c
	}
	c := &Scope{name: name, parent: s}
	c.renew(s.ctx)
	s.children[name] = c
	return c
}

// Cancel cancels the scope and all of its descendants. Go refuses new work
// afterwards.
func (s *Scope) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
}

// Go runs fn in a tracked goroutine with the scope's context. It reports
// false, without running fn, when the scope is already cancelled.
func (s *Scope) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	ctx, wg := s.ctx, s.wg
	wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer wg.Done()
		fn(ctx)
	}()
	return true
}

// Wait blocks until every goroutine tracked by this scope and its
// descendants has returned, or ctx is done.
func (s *Scope) Wait(ctx context.Context) error {
	s.mu.Lock()
	wg := s.wg
	children := make([]*Scope, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
	for _, c := range children {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset cancels the scope, waits for its goroutines, then replaces the
// subtree with a fresh context derived from the parent. Sibling scopes are
// untouched. If the wait is cut short by ctx the subtree is still replaced.
func (s *Scope) Reset(ctx context.Context) error {
	s.Cancel()
	err := s.Wait(ctx)

	parent := s.base
	if s.parent != nil {
		parent = s.parent.Context()
	}
	s.mu.Lock()
	s.renew(parent)
	s.mu.Unlock()
	return err
}
