package link

import (
	"fmt"
	"time"
)

// State is the link life-cycle state.
type State int32

const (
	Closed State = iota
	Opening
	Open
	Closing
	ErrorRecovering
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case ErrorRecovering:
		return "error_recovering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind classifies diagnostic signals emitted by the link.
type EventKind int

const (
	EventStateChange EventKind = iota
	EventOverflowRecovery
	EventQueueOverflow
	EventQueueDiscarded
	EventQueueExpired
	EventWriteFailure
	EventTransportError
	EventInvalidMessage
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state_change"
	case EventOverflowRecovery:
		return "overflow_recovery"
	case EventQueueOverflow:
		return "queue_overflow"
	case EventQueueDiscarded:
		return "queue_discarded"
	case EventQueueExpired:
		return "queue_expired"
	case EventWriteFailure:
		return "write_failure"
	case EventTransportError:
		return "transport_error"
	case EventInvalidMessage:
		return "invalid_message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a diagnostic signal. Count carries bytes dropped for
// EventOverflowRecovery and requests affected for queue events.
type Event struct {
	Kind  EventKind
	State State
	Err   error
	Count int
	Time  time.Time
}
