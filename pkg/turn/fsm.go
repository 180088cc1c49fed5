package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes coordinator state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine implements the finite state machine for turn coordination.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State

	stateChangeListeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateListening}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// transitionValid checks if a state transition is valid.
func (sm *stateMachine) transitionValid(from, to State) bool {
	// Unavailable is terminal; interrupt paths may pull any active state
	// back through Listening or straight into a fresh utterance.
	validTransitions := map[State][]State{
		StateListening:         {StateAwaitingUtterance, StateUnavailable},
		StateAwaitingUtterance: {StateTranscribing, StateListening, StateUnavailable},
		StateTranscribing:      {StateAwaitingAnswer, StateListening, StateAwaitingUtterance, StateUnavailable},
		StateAwaitingAnswer:    {StateSpeaking, StateListening, StateAwaitingUtterance, StateUnavailable},
		StateSpeaking:          {StateListening, StateAwaitingUtterance, StateUnavailable},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()

	if !sm.transitionValid(sm.currentState, state) {
		defer sm.mu.Unlock()
		return &InvalidTransitionError{From: sm.currentState, To: state}
	}

	oldState := sm.currentState
	sm.currentState = state

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify listeners outside the lock to avoid deadlocks.
	listeners := make([]StateListener, len(sm.stateChangeListeners))
	copy(listeners, sm.stateChangeListeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateChangeListeners = append(sm.stateChangeListeners, listener)
}
