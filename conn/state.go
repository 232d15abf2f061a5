package conn

// State describes the lifecycle position of a connection.
type State int

const (
	// StatePending means the handshake has not completed yet.
	StatePending State = iota

	// StateOK means the connection is established and healthy.
	StateOK

	// StateDisconnecting means a shutdown was initiated; no new messages are
	// accepted while in-flight reliable messages drain.
	StateDisconnecting

	// StateClosed means the connection is gone. A close reason may be
	// attached, see Connection.CloseReason.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOK:
		return "OK"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
