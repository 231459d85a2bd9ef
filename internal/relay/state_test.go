package relay

import "testing"

func TestUpstreamHandleBlockIsSticky(t *testing.T) {
	h := &upstreamHandle{state: StateServing}
	h.block()
	if h.getState() != StateBlocked {
		t.Fatalf("state = %v, want StateBlocked", h.getState())
	}
	h.setState(StateInitialized)
	if h.getState() != StateBlocked {
		t.Fatalf("Blocked should be sticky; state = %v after setState", h.getState())
	}
}

func TestStateStringValues(t *testing.T) {
	cases := map[State]string{
		StateNew:                "new",
		StateInitialized:        "initialized",
		StateBaselineEstablished: "baseline_established",
		StateServing:            "serving",
		StateBlocked:            "blocked",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
