package policy

import "fmt"

// State is a dialogue state of one conversation.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingClarification State = "awaiting_clarification"
	StateProposingInstall      State = "proposing_install"
	StateAwaitingConfirmation  State = "awaiting_confirmation"
	StateExecuting             State = "executing"
)

// validTransitions defines allowed state transitions. Executing is only
// reachable from AwaitingConfirmation.
var validTransitions = map[State][]State{
	StateIdle:                  {StateAwaitingClarification, StateProposingInstall, StateAwaitingConfirmation},
	StateAwaitingClarification: {StateIdle, StateProposingInstall, StateAwaitingConfirmation},
	StateProposingInstall:      {StateIdle, StateAwaitingClarification, StateAwaitingConfirmation},
	StateAwaitingConfirmation:  {StateIdle, StateAwaitingClarification, StateProposingInstall, StateAwaitingConfirmation, StateExecuting},
	StateExecuting:             {StateIdle},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}
