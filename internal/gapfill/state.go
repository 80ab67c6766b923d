package gapfill

import "fmt"

// State is the lifecycle position of one content gap.
type State string

const (
	Pending     State = "pending"
	Generating  State = "generating"
	Verifying   State = "verifying"
	Passed      State = "passed"
	Retrying    State = "retrying"
	FailedFinal State = "failed_final"
	Done        State = "done"
	Failed      State = "failed"
)

// transitions lists every legal successor of each state. Terminal states
// have none.
var transitions = map[State][]State{
	Pending:     {Generating, Failed},
	Generating:  {Verifying, Retrying, FailedFinal, Failed},
	Verifying:   {Passed, Retrying, FailedFinal},
	Retrying:    {Generating},
	Passed:      {Done, Failed},
	FailedFinal: {Done, Failed},
	Done:        nil,
	Failed:      nil,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// CanTransition reports whether s -> to is legal.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TransitionError is returned for an illegal transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal gap transition %s -> %s", e.From, e.To)
}
