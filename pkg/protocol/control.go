package protocol

import "time"

// Control socket operations.
const (
	OpStatus   = "status"
	OpRestart  = "restart"
	OpShutdown = "shutdown"
)

// ControlRequest is one newline-delimited JSON request on the control socket.
type ControlRequest struct {
	Op    string `json:"op"`
	Group string `json:"group,omitempty"`
}

// ControlResponse answers a ControlRequest.
type ControlResponse struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Phases []PhaseStatus `json:"phases,omitempty"`
	Slots  []SlotStatus  `json:"slots,omitempty"`
}

type PhaseStatus struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Group    string    `json:"group"`
	Outcome  string    `json:"outcome"`
	Percent  int       `json:"percent"`
	Error    string    `json:"error,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

type SlotStatus struct {
	Worker   string    `json:"worker"`
	State    string    `json:"state"`
	Health   string    `json:"health"`
	Circuit  string    `json:"circuit"`
	PID      int       `json:"pid,omitempty"`
	Restarts int       `json:"restarts"`
	Since    time.Time `json:"since,omitempty"`
	Error    string    `json:"error,omitempty"`
}
