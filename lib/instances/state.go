package instances

// State is a VM handle's lifecycle state.
type State string

const (
	// StateStopped means the VM exists on disk and is not running.
	StateStopped State = "stopped"
	// StateRunning means a boot session is active.
	StateRunning State = "running"
	// StateDeleted is terminal. A deleted handle never becomes usable again,
	// even if a VM with the same name is re-created.
	StateDeleted State = "deleted"
)

// ValidTransitions defines the legal state transitions.
var ValidTransitions = map[State][]State{
	StateStopped: {StateRunning, StateDeleted},
	StateRunning: {StateStopped},
	StateDeleted: {},
}

// CanTransitionTo checks if a transition to the target state is legal.
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return len(ValidTransitions[s]) == 0
}
