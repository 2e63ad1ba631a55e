package engine

import (
	"github.com/rs/zerolog"
)

// State is the processing state of one work item.
type State string

// Item states.
const (
	StatePending          State = "pending"
	StateDispatching      State = "dispatching"
	StateInFlight         State = "in_flight"
	StateSucceeded        State = "succeeded"
	StateRetryableFailure State = "retryable_failure"
	StateFatalFailure     State = "fatal_failure"
	StateRecorded         State = "recorded"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateDispatching:  true,
		StateSucceeded:    true, // cache hit
		StateFatalFailure: true, // rejected before dispatch
	},
	StateDispatching: {
		StateInFlight: true,
	},
	StateInFlight: {
		StateSucceeded:        true,
		StateRetryableFailure: true,
		StateFatalFailure:     true,
	},
	StateRetryableFailure: {
		StateDispatching:  true,
		StateFatalFailure: true,
	},
	StateSucceeded: {
		StateRecorded: true,
	},
	StateFatalFailure: {
		StateRecorded: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Transition is one state change of one item, reported to an Observer.
type Transition struct {
	ItemID string
	From   State
	To     State
}

// Observer receives every item state change. It is called from worker
// goroutines and must be safe for concurrent use.
type Observer func(Transition)

// itemState tracks one item through a run. It is owned by a single worker.
type itemState struct {
	id       string
	state    State
	logger   zerolog.Logger
	observer Observer
}

func newItemState(id string, logger zerolog.Logger, observer Observer) *itemState {
	return &itemState{
		id:       id,
		state:    StatePending,
		logger:   logger,
		observer: observer,
	}
}

func (s *itemState) to(next State) {
	if !ValidTransition(s.state, next) {
		s.logger.Error().
			Str("from", string(s.state)).
			Str("to", string(next)).
			Msg("Invalid item state transition")
	}

	s.logger.Debug().
		Str("from", string(s.state)).
		Str("to", string(next)).
		Msg("Item state changed")

	if s.observer != nil {
		s.observer(Transition{ItemID: s.id, From: s.state, To: next})
	}
	s.state = next
}
