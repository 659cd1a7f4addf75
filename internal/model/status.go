package model

import "fmt"

// Item states for one archived item. Progressive downloads skip the
// key/segment states and go straight from pending to placed.
const (
	StateManifestPending  = "manifest_pending"
	StateKeyFetched       = "key_fetched"
	StateSegmentsInFlight = "segments_in_flight"
	StateSegmentsReady    = "all_segments_ready"
	StateMerging          = "merging"
	StatePlaced           = "placed"
	StateRecorded         = "recorded"
	StateFailed           = "failed"
)

var allowedTransitions = map[string]map[string]bool{
	StateManifestPending: {
		StateKeyFetched: true,
		StatePlaced:     true, // progressive downloads produce the artifact directly
		StateFailed:     true,
	},
	StateKeyFetched: {
		StateSegmentsInFlight: true,
		StateFailed:           true,
	},
	StateSegmentsInFlight: {
		StateSegmentsReady: true,
		StateFailed:        true,
	},
	StateSegmentsReady: {
		StateMerging: true,
		StateFailed:  true,
	},
	StateMerging: {
		StatePlaced: true,
		StateFailed: true,
	},
	StatePlaced: {
		StateRecorded: true,
		StateFailed:   true,
	},
	StateRecorded: {},
	StateFailed:   {},
}

func IsTerminal(state string) bool {
	return state == StateRecorded || state == StateFailed
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves the item to toState or reports why it cannot.
func Transition(item *Item, toState string) error {
	from := item.State
	if from == "" {
		from = StateManifestPending
	}
	if !CanTransition(from, toState) {
		return fmt.Errorf("invalid item state transition: %q -> %q (source=%s remote_id=%s)", from, toState, item.Candidate.Source, item.Candidate.RemoteID)
	}
	item.State = toState
	return nil
}
