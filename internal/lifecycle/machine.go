// Package lifecycle owns the per-visit state machine. States and transitions
// are an explicit table; anything not in the table is rejected, never
// silently ignored.
package lifecycle

// State is a visit lifecycle stage.
type State string

const (
	StateEntered          State = "ENTERED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateInService        State = "IN_SERVICE"
	StateReadyForExit     State = "READY_FOR_EXIT"
	StateExited           State = "EXITED"  // terminal
	StateFlagged          State = "FLAGGED" // terminal, alternate
)

// transitions is the full set of legal moves. FLAGGED is reachable from any
// non-terminal state (manual override).
var transitions = map[State][]State{
	StateEntered:          {StateAwaitingApproval, StateInService, StateFlagged},
	StateAwaitingApproval: {StateInService, StateFlagged},
	StateInService:        {StateReadyForExit, StateFlagged},
	StateReadyForExit:     {StateExited, StateFlagged},
	StateExited:           {},
	StateFlagged:          {},
}

// Legal reports whether from → to is in the transition table.
func Legal(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state closes the visit.
func Terminal(s State) bool {
	return s == StateExited || s == StateFlagged
}

// Valid reports whether s names a known state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}
