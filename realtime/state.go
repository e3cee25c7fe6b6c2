package realtime

// State is the connection state of a Stream.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// event is an input to the connection state machine.
type event int

const (
	evConnect      event = iota // Connect called
	evOpened                    // handshake completed
	evServerClosed              // peer sent a close frame
	evFailed                    // dial, read or token failure
	evRetry                     // reconnect timer fired
	evDisconnect                // Disconnect called
	evClosed                    // local close finished
)

func (e event) String() string {
	return [...]string{"connect", "opened", "server-closed", "failed", "retry", "disconnect", "closed"}[e]
}

// reconnect says whether, and after which delay, a new dial is scheduled.
type reconnect int

const (
	noReconnect reconnect = iota
	reconnectAfterClose
	reconnectAfterFailure
)

// transition is the whole connection policy. Events that make no sense in a
// state leave it unchanged and schedule nothing.
func transition(s State, e event) (State, reconnect) {
	switch e {
	case evConnect, evRetry:
		if s == Disconnected || s == Error {
			return Connecting, noReconnect
		}
	case evOpened:
		if s == Connecting {
			return Connected, noReconnect
		}
	case evServerClosed:
		switch s {
		case Connected:
			return Disconnected, reconnectAfterClose
		case Connecting:
			return Error, reconnectAfterFailure
		}
	case evFailed:
		if s == Connecting || s == Connected {
			return Error, reconnectAfterFailure
		}
	case evDisconnect:
		switch s {
		case Connecting, Connected:
			return Closing, noReconnect
		case Error:
			return Disconnected, noReconnect
		}
	case evClosed:
		if s == Closing {
			return Disconnected, noReconnect
		}
	}
	return s, noReconnect
}
