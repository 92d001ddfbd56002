package executor

import "fmt"

// State is the lifecycle state of one cell execution.
type State int

const (
	Idle State = iota
	StartRequested
	Running
	Streaming
	Completed
	Skipped
)

var stateNames = map[State]string{
	Idle:           "idle",
	StartRequested: "start_requested",
	Running:        "running",
	Streaming:      "streaming",
	Completed:      "completed",
	Skipped:        "skipped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal reports whether the state is terminal.
func IsTerminal(s State) bool {
	return s == Completed || s == Skipped
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Idle:
		return to == StartRequested
	case StartRequested:
		return to == Running || to == Skipped || to == Completed
	case Running:
		return to == Streaming || to == Completed
	case Streaming:
		return to == Streaming || to == Completed
	default:
		return false
	}
}

// transition moves rec from `from` to `to`. The expected prior state makes
// races observable.
func (r *record) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("executor: invalid transition for %s: expected %s, got %s", r.key, from, r.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("executor: disallowed transition for %s: %s -> %s", r.key, from, to)
	}
	r.state = to
	return nil
}

// finish moves rec to a terminal state from wherever it is.
func (r *record) finish(to State) error {
	r.mu.Lock()
	from := r.state
	r.mu.Unlock()
	return r.transition(from, to)
}

func (r *record) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
