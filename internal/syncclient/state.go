package syncclient

// State is the lifecycle of a Channel's hub connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Signal is an input to the connection state machine.
type Signal int

const (
	// SignalStart is channel creation or an explicit retry.
	SignalStart Signal = iota
	SignalHandshakeOK
	SignalHandshakeFailed
	// SignalInterrupted means an established transport dropped.
	SignalInterrupted
	// SignalExhausted means the reconnect backoff gave up.
	SignalExhausted
	SignalStop
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalHandshakeOK:
		return "handshake_ok"
	case SignalHandshakeFailed:
		return "handshake_failed"
	case SignalInterrupted:
		return "interrupted"
	case SignalExhausted:
		return "exhausted"
	case SignalStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Next returns the state that follows from applying sig in state. The bool
// is false when sig is not valid in state; the returned state is then the
// unchanged input.
func Next(state State, sig Signal) (State, bool) {
	if sig == SignalStop {
		return StateDisconnected, true
	}
	switch state {
	case StateDisconnected:
		if sig == SignalStart {
			return StateConnecting, true
		}
	case StateConnecting:
		switch sig {
		case SignalHandshakeOK:
			return StateConnected, true
		case SignalHandshakeFailed:
			return StateDisconnected, true
		}
	case StateConnected:
		if sig == SignalInterrupted {
			return StateReconnecting, true
		}
	case StateReconnecting:
		switch sig {
		case SignalHandshakeOK:
			return StateConnected, true
		case SignalHandshakeFailed:
			return StateReconnecting, true
		case SignalExhausted:
			return StateDisconnected, true
		}
	}
	return state, false
}
