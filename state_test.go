package procflip

import "testing"

func TestRestartStateTransitions(t *testing.T) {
	cases := []struct {
		from, to restartState
		ok       bool
	}{
		{restartStateIdle, restartStateInProgress, true},
		{restartStateIdle, restartStateStopped, true},
		{restartStateIdle, restartStateDraining, false},
		{restartStateInProgress, restartStateIdle, true},
		{restartStateInProgress, restartStateDraining, true},
		{restartStateInProgress, restartStateStopped, true},
		{restartStateInProgress, restartStateInProgress, false},
		{restartStateDraining, restartStateDraining, true},
		{restartStateDraining, restartStateStopped, true},
		{restartStateDraining, restartStateIdle, false},
		{restartStateDraining, restartStateInProgress, false},
		{restartStateStopped, restartStateStopped, true},
		{restartStateStopped, restartStateIdle, false},
		{restartStateStopped, restartStateInProgress, false},
	}

	for _, tc := range cases {
		state := tc.from
		err := state.transitionTo(tc.to)
		if tc.ok && err != nil {
			t.Errorf("expected %s -> %s to be allowed: %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
		if tc.ok && state != tc.to {
			t.Errorf("expected state to become %s, is %s", tc.to, state)
		}
		if !tc.ok && state != tc.from {
			t.Errorf("expected state to remain %s, is %s", tc.from, state)
		}
	}
}
