package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State represents the current position of a task in its lifecycle.
type State int

const (
	StatePending          State = iota // Registered, waiting for dependencies
	StateBlocked                       // Start requested, dependencies not yet satisfied
	StateReady                         // All dependencies satisfied, start not yet requested
	StateRunning                       // Claimed by an agent and executing
	StateCompleted                     // Finished successfully (terminal)
	StateFailed                        // Finished with an error (terminal)
	StateBlockedByFailure              // A dependency failed; dead-end unless force-completed
	StateForceCompleted                // Operator override (terminal)
)

var stateNames = map[State]string{
	StatePending:          "PENDING",
	StateBlocked:          "BLOCKED",
	StateReady:            "READY",
	StateRunning:          "RUNNING",
	StateCompleted:        "COMPLETED",
	StateFailed:           "FAILED",
	StateBlockedByFailure: "BLOCKED_BY_FAILURE",
	StateForceCompleted:   "FORCE_COMPLETED",
}

// AllStates lists every state in lifecycle order, used for status aggregation.
var AllStates = []State{
	StatePending, StateBlocked, StateReady, StateRunning,
	StateCompleted, StateFailed, StateBlockedByFailure, StateForceCompleted,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Terminal reports whether a task in this state can never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateForceCompleted
}

// MarshalJSON renders the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state from its string name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a state name back to a State.
func ParseState(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return StatePending, fmt.Errorf("unknown state %q", name)
}

// Task is the unit of schedulable work tracked by the engine.
// Result and Err are opaque payloads attached on terminal transition and are
// mutually exclusive. Payload is caller-supplied and never interpreted.
type Task struct {
	ID           string     `json:"id"`
	Dependencies []string   `json:"dependencies"`
	Dependents   []string   `json:"dependents,omitempty"`
	AgentID      string     `json:"agentId,omitempty"`
	State        State      `json:"state"`
	Result       any        `json:"result,omitempty"`
	Err          any        `json:"error,omitempty"`
	Payload      any        `json:"payload,omitempty"`
	Placeholder  bool       `json:"placeholder,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	// startRequested records that StartTask was called while dependencies were
	// unsatisfied, so success propagation promotes straight to RUNNING.
	startRequested bool
	// blockedAt feeds the staleness diagnostic in SystemStatus.
	blockedAt time.Time
}

// Transition describes one accepted state change, as delivered to the
// broadcast and persistence hooks.
type Transition struct {
	TaskID    string    `json:"taskId"`
	From      State     `json:"fromState"`
	To        State     `json:"toState"`
	Timestamp time.Time `json:"timestamp"`
}

func cloneTask(t *Task) Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Dependents != nil {
		cp.Dependents = append([]string(nil), t.Dependents...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return cp
}
