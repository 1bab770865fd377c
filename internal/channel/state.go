package channel

// State describes the lifecycle position of the realtime connection.
type State int

const (
	// StateDisconnected is the initial state and the state after a local
	// Disconnect call.
	StateDisconnected State = iota

	// StateConnecting is set while the initial dial is in flight.
	StateConnecting

	// StateConnected means the connection is established and frames flow.
	StateConnected

	// StateReconnecting is set while an automatic retry cycle is running
	// after an unexpected drop.
	StateReconnecting

	// StateAuthFailed means the server rejected the credential. The manager
	// stops retrying; a caller must re-authenticate and call Connect again.
	StateAuthFailed
)

// String returns the lowercase name of the state.
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
	case StateAuthFailed:
		return "auth_failed"
	}
	return "unknown"
}

// Status is a snapshot of the connection state broadcast to watchers.
// Attempt is the current retry number while reconnecting; Reason carries the
// server-provided message when the state is [StateAuthFailed].
type Status struct {
	State   State
	Attempt int
	Reason  string
}
