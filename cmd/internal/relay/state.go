package relay

import (
	"fmt"

	v1 "screenrelay/shared/contracts/relay/v1"
)

// State is the lifecycle position of a capture request.
// Transitions only move forward: Pending -> Processing -> Completed.
type State int

const (
	StatePending State = iota
	StateProcessing
	StateCompleted
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted}

// String returns the wire status for s.
func (s State) String() string {
	switch s {
	case StatePending:
		return v1.StatusPending
	case StateProcessing:
		return v1.StatusProcessing
	case StateCompleted:
		return v1.StatusCompleted
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
