package domain

// validTransitions maps each state to the set of states it may move to.
var validTransitions = map[WorkloadState]map[WorkloadState]bool{
	StatePending: {
		StateScheduling: true,
		StateDeleting:   true,
		StateError:      true,
	},
	StateScheduling: {
		StateProvisioning: true,
		StateDeleting:     true,
		StateError:        true,
	},
	StateProvisioning: {
		StateRunning:  true,
		StateDeleting: true,
		StateError:    true,
	},
	StateRunning: {
		StateStopping: true,
		StateDegraded: true,
		StateDeleting: true,
		StateError:    true,
	},
	StateStopping: {
		StateStopped:  true,
		StateDeleting: true,
		StateError:    true,
	},
	StateStopped: {
		StateStarting: true,
		StateDeleting: true,
		StateError:    true,
	},
	StateStarting: {
		StateRunning:  true,
		StateDeleting: true,
		StateError:    true,
	},
	StateDegraded: {
		StateRunning:  true,
		StateDeleting: true,
		StateError:    true,
	},
	StateDeleting: {
		StateDeleted: true,
		StateError:   true,
	},
	StateError: {
		StateDeleting: true,
	},
}

// ValidTransition reports whether moving from one state to another is an
// edge of the lifecycle graph.
func ValidTransition(from, to WorkloadState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func (s WorkloadState) Terminal() bool {
	return s == StateDeleted
}

// AwaitedCommand returns the command type a transitional state is waiting on.
func (s WorkloadState) AwaitedCommand() (CommandType, bool) {
	switch s {
	case StateProvisioning:
		return CommandCreate, true
	case StateStarting:
		return CommandStart, true
	case StateStopping:
		return CommandStop, true
	case StateDeleting:
		return CommandDelete, true
	}
	return "", false
}

// AckTarget is the transition a command outcome drives. Reconfigure does not
// change state and returns ok=false.
func AckTarget(t CommandType, success bool) (from, to WorkloadState, ok bool) {
	switch t {
	case CommandCreate:
		from, to = StateProvisioning, StateRunning
	case CommandStart:
		from, to = StateStarting, StateRunning
	case CommandStop:
		from, to = StateStopping, StateStopped
	case CommandDelete:
		from, to = StateDeleting, StateDeleted
	default:
		return "", "", false
	}
	if !success {
		to = StateError
	}
	return from, to, true
}

// RouteDesired reports whether a workload in state s should be reachable
// through the ingress.
func (s WorkloadState) RouteDesired() bool {
	return s == StateRunning || s == StateDegraded
}

// HoldsCapacity reports whether a workload in state s keeps its reservation.
func (s WorkloadState) HoldsCapacity() bool {
	return s != StateDeleted && s != StateError && s != StatePending && s != StateScheduling
}
