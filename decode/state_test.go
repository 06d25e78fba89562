package decode

import (
	"testing"
)

// TestState_String verifies every state has a stable name
func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateConfigured:    "configured",
		StateStarted:       "started",
		StateStopped:       "stopped",
		StateReleased:      "released",
		State(42):          "invalid",
	}

	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}

// TestCanAdvance verifies the full transition matrix: lifecycle moves
// strictly forward, and release is reachable from every non-terminal
// state
func TestCanAdvance(t *testing.T) {
	all := []State{
		StateUninitialized,
		StateConfigured,
		StateStarted,
		StateStopped,
		StateReleased,
	}

	legal := map[State][]State{
		StateUninitialized: {StateConfigured, StateReleased},
		StateConfigured:    {StateStarted, StateReleased},
		StateStarted:       {StateStopped, StateReleased},
		StateStopped:       {StateReleased},
		StateReleased:      {},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if to == ok {
					want = true
					break
				}
			}
			if got := canAdvance(from, to); got != want {
				t.Errorf("canAdvance(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	t.Log("✅ Transition matrix verified: forward-only with release always reachable")
}
