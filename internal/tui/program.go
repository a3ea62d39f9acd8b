package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/turtacn/rigkeeper/internal/events"
)

// Program runs the progress view and doubles as an events.Reporter.
type Program struct {
	prog *tea.Program
}

// NewProgram wires a Model into a Bubble Tea program. onQuit runs when the
// user quits the view.
func NewProgram(source Snapshotter, onQuit func(), opts ...tea.ProgramOption) *Program {
	return &Program{prog: tea.NewProgram(NewModel(source, onQuit), opts...)}
}

// Report forwards e to the view. It does not block once the program has
// exited.
func (p *Program) Report(e events.Event) {
	p.prog.Send(EventMsg(e))
}

// Run blocks until the view quits.
func (p *Program) Run() error {
	_, err := p.prog.Run()
	return err
}

// Quit closes the view from outside.
func (p *Program) Quit() {
	p.prog.Quit()
}
