package transport

// State is the connection lifecycle state of a transport.
type State int32

const (
	// StateDisconnected means no channel is open and no connect is running.
	StateDisconnected State = iota
	// StateConnecting means a channel open is in flight.
	StateConnecting
	// StateRegistered means the channel is open and the register message was
	// accepted; only in this state do messages go out on the wire.
	StateRegistered
	// StateDegraded means the channel is open but registration failed.
	StateDegraded
	// StateClosedPermanently means the reconnect budget is exhausted. Local
	// operations continue unsynced; only an explicit Connect recovers.
	StateClosedPermanently
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDegraded:
		return "degraded"
	case StateClosedPermanently:
		return "closed-permanently"
	default:
		return "unknown"
	}
}
