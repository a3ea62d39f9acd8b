package orchestrator

import (
	"fmt"
	"sync"
)

// Resolution is how a progress step ended.
type Resolution string

const (
	StepPending   Resolution = ""
	StepCompleted Resolution = "completed"
	StepSkipped   Resolution = "skipped"
	StepFailed    Resolution = "failed"
)

// Progress is the stepper state after one resolution.
type Progress struct {
	Step       string
	Title      string
	Resolution Resolution
	Cumulative int
	Total      int
	Percent    int
}

type stepEntry struct {
	name       string
	title      string
	weight     int
	resolution Resolution
}

// ProgressStepper tracks weighted steps of one phase. Cumulative progress
// only ever grows and equals the total once every step is completed or
// skipped.
type ProgressStepper struct {
	mu         sync.Mutex
	steps      []*stepEntry
	index      map[string]*stepEntry
	total      int
	cumulative int
}

// NewProgressStepper validates steps against total. A total of zero means
// the sum of the step weights.
func NewProgressStepper(steps []Step, total int) (*ProgressStepper, error) {
	p := &ProgressStepper{index: make(map[string]*stepEntry, len(steps))}
	sum := 0
	for _, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step without name")
		}
		if _, dup := p.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		if s.Weight <= 0 {
			return nil, fmt.Errorf("step %q: weight must be positive, got %d", s.Name, s.Weight)
		}
		e := &stepEntry{name: s.Name, title: s.Title, weight: s.Weight}
		p.steps = append(p.steps, e)
		p.index[s.Name] = e
		sum += s.Weight
	}
	if total == 0 {
		total = sum
	}
	if sum != total {
		return nil, fmt.Errorf("step weights sum to %d, phase total is %d", sum, total)
	}
	p.total = total
	return p, nil
}

func (p *ProgressStepper) Complete(step string) (Progress, error) {
	return p.resolve(step, StepCompleted)
}

// Skip resolves step without work; it still advances progress.
func (p *ProgressStepper) Skip(step string) (Progress, error) {
	return p.resolve(step, StepSkipped)
}

// Fail resolves step as failed. Progress does not advance.
func (p *ProgressStepper) Fail(step string) (Progress, error) {
	return p.resolve(step, StepFailed)
}

func (p *ProgressStepper) resolve(step string, r Resolution) (Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.index[step]
	if !ok {
		return p.progress(nil), fmt.Errorf("unknown step %q", step)
	}
	if e.resolution != StepPending {
		return p.progress(e), fmt.Errorf("step %q already %s", step, e.resolution)
	}
	e.resolution = r
	if r != StepFailed {
		p.cumulative += e.weight
	}
	return p.progress(e), nil
}

func (p *ProgressStepper) progress(e *stepEntry) Progress {
	pr := Progress{Cumulative: p.cumulative, Total: p.total, Percent: percent(p.cumulative, p.total)}
	if e != nil {
		pr.Step, pr.Title, pr.Resolution = e.name, e.title, e.resolution
	}
	return pr
}

// Snapshot returns the current progress without resolving anything.
func (p *ProgressStepper) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress(nil)
}

// Resolution returns how step ended, or StepPending.
func (p *ProgressStepper) Resolution(step string) Resolution {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.index[step]; ok {
		return e.resolution
	}
	return StepPending
}

func percent(cumulative, total int) int {
	if total <= 0 {
		return 100
	}
	if cumulative >= total {
		return 100
	}
	return cumulative * 100 / total
}
