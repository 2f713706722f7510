package streamer

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateStarted
	StateStopped
	StateReleased
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Transition guards. Each one is a pure predicate over the state.

func canConfigure(s SessionState) bool { return s == StateUninitialized }

func canPrepare(s SessionState) bool { return s == StateUninitialized }

func canStart(s SessionState) bool { return s == StateInitialized || s == StateStopped }

func canStop(s SessionState) bool { return s == StateStarted }

func canReset(s SessionState) bool { return s != StateReleased }

func canRelease(s SessionState) bool { return s != StateReleased }
