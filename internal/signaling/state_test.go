package signaling

import "testing"

func TestState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateNegotiating, true},
		{StateCreated, StateConnected, false},
		{StateCreated, StateClosed, true},
		{StateNegotiating, StateConnected, true},
		{StateNegotiating, StateDisconnected, false},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateNegotiating, false},
		{StateDisconnected, StateConnected, true},
		{StateDisconnected, StateFailed, true},
		{StateFailed, StateClosed, true},
		{StateFailed, StateConnected, false},
		{StateFailed, StateFailed, false},
		{StateClosed, StateCreated, false},
		{StateClosed, StateClosed, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestState_ClosedReachableFromEverywhere(t *testing.T) {
	for _, from := range []State{StateCreated, StateNegotiating, StateConnected, StateDisconnected, StateFailed} {
		if !from.CanTransition(StateClosed) {
			t.Errorf("expected %s -> closed to be legal", from)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateCreated, StateNegotiating, StateConnected, StateDisconnected} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateFailed, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
