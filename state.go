package procflip

import "fmt"

// restartState represents a small finite state machine. It has the following
// transitions:
// ∅           → Idle
// Idle        → InProgress
// InProgress  → Idle
// InProgress  → Draining
//
// Stopped is reachable from every state.
// The meaning of each state is described above the state's definition below.
type restartState string

const (
	// Idle means no restart is in flight. It is the initial state, and the
	// only state from which a new restart attempt may begin.
	restartStateIdle restartState = "idle"
	// InProgress means a successor has been spawned and the process is racing
	// the successor's readiness signal against the grace period timer. At
	// most one InProgress value exists at any instant.
	restartStateInProgress = "in-progress"
	// Draining is the state after a successor reported ready. It is terminal
	// for this generation; the process drains its work and exits.
	restartStateDraining = "draining"
	// Stopped is the state after Stop has been called.
	restartStateStopped = "stopped"
)

var validTransitions = map[restartState][]restartState{
	restartStateIdle: {
		restartStateInProgress,
		restartStateStopped,
	},
	restartStateInProgress: {
		restartStateIdle,
		restartStateDraining,
		restartStateStopped,
	},
	restartStateDraining: {
		restartStateDraining,
		restartStateStopped,
	},
	restartStateStopped: {
		restartStateStopped,
	},
}

func (s *restartState) canTransitionTo(state restartState) error {
	validTargets := validTransitions[*s]

	for _, target := range validTargets {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *restartState) transitionTo(state restartState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
