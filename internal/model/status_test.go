package model

import "testing"

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{StateManifestPending, StateKeyFetched},
		{StateKeyFetched, StateSegmentsInFlight},
		{StateSegmentsInFlight, StateSegmentsReady},
		{StateSegmentsReady, StateMerging},
		{StateMerging, StatePlaced},
		{StatePlaced, StateRecorded},
		{StateManifestPending, StatePlaced},
		{StateSegmentsInFlight, StateFailed},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{StateManifestPending, StateRecorded},
		{StateMerging, StateRecorded},
		{StateRecorded, StateFailed},
		{StateFailed, StateManifestPending},
		{"not_a_state", StateKeyFetched},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestTransition_BlocksRecordBeforePlacement(t *testing.T) {
	item := NewItem(Candidate{Source: "tangxin", RemoteID: "42"})
	if err := Transition(item, StateRecorded); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if item.State != StateManifestPending {
		t.Fatalf("state changed on rejected transition: %s", item.State)
	}
}

func TestTransition_FullSegmentedLifecycle(t *testing.T) {
	item := NewItem(Candidate{Source: "tangxin", RemoteID: "42"})
	for _, s := range []string{StateKeyFetched, StateSegmentsInFlight, StateSegmentsReady, StateMerging, StatePlaced, StateRecorded} {
		if err := Transition(item, s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !IsTerminal(item.State) {
		t.Fatalf("expected terminal state, got %s", item.State)
	}
}
