package connection

// State enumerates the Manager's statuses
type State int

const (
	Uninitialized State = iota
	Initialized
	AwaitingConnection
	Connected
	Failed
	RequiresPairing
	Pairing
	Unpairing
	Paired
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initialized:
		return "Initialized"
	case AwaitingConnection:
		return "AwaitingConnection"
	case Connected:
		return "Connected"
	case Failed:
		return "Error"
	case RequiresPairing:
		return "RequiresPairing"
	case Pairing:
		return "Pairing"
	case Unpairing:
		return "Unpairing"
	case Paired:
		return "Paired"
	default:
		return "Unknown"
	}
}

// Status is a tagged variant: one case per State, and only the Failed case,
// ErrorStatus, carries a message.
type Status interface {
	State() State
	String() string
	isStatus()
}

type stateStatus State

func (s stateStatus) State() State   { return State(s) }
func (s stateStatus) String() string { return State(s).String() }
func (stateStatus) isStatus()        {}

// StatusOf returns the Status for a state that carries no payload.
// Failed has a payload; use ErrorStatus.
func StatusOf(s State) Status {
	if s == Failed {
		panic("connection: Failed status needs an ErrorStatus")
	}
	return stateStatus(s)
}

// ErrorStatus ends a session. Message is human readable; Err keeps the cause for errors.Is.
type ErrorStatus struct {
	Message string
	Err     error
}

func (ErrorStatus) State() State { return Failed }

func (e ErrorStatus) String() string {
	return "Error: " + e.Message
}

func (ErrorStatus) isStatus() {}

// Unwrap lets callers classify the failure with errors.Is
func (e ErrorStatus) Unwrap() error {
	return e.Err
}

func (e ErrorStatus) Error() string {
	return e.Message
}
