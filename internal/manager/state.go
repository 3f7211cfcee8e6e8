package manager

import (
	"time"

	"github.com/goatfundr/goatnode/internal/process"
)

// State is the node lifecycle state as seen by the manager.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"  // exited, restart pending
	StateDegraded State = "degraded" // restart ceiling reached
	StateStopping State = "stopping"
)

// States lists every state, for gauges.
var States = []string{
	string(StateStopped), string(StateStarting), string(StateRunning),
	string(StateBackoff), string(StateDegraded), string(StateStopping),
}

// ManagedProcess is the node subprocess of one start cycle. A restart
// produces a new value; existing values are never mutated.
type ManagedProcess struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	// Cycle numbers start cycles from 1.
	Cycle uint64 `json:"cycle"`
	// Restarts is how many automatic restarts preceded this cycle.
	Restarts uint64 `json:"restarts"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State           `json:"state"`
	Process     *ManagedProcess `json:"process,omitempty"`
	Restarts    uint64          `json:"restarts"`
	Attempts    int             `json:"consecutive_failures"`
	LastExit    *process.Exit   `json:"last_exit,omitempty"`
	NextRestart time.Time       `json:"next_restart,omitempty"`
}

// PID returns the running node's pid or 0.
func (s Status) PID() int {
	if s.Process == nil || s.State != StateRunning {
		return 0
	}
	return s.Process.PID
}
