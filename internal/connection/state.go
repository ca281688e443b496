package connection

import (
	"time"

	"github.com/rickgao/moltzer/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// transitions lists the states reachable from each state. Connected is
// only reachable from handshaking.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateHandshaking, StateDisconnected, StateReconnecting},
	StateHandshaking:  {StateConnected, StateDisconnected, StateReconnecting},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a snapshot of the connection, emitted on every transition.
// The auth token is never part of it.
type Status struct {
	State     State
	Endpoint  string
	Protocol  int                 // negotiated protocol, 0 until connected
	Server    protocol.ServerInfo // from hello-ok
	LastError error
	Attempt   int           // reconnect attempt, 0 outside reconnecting
	NextRetry time.Duration // delay before the next attempt
	Since     time.Time     // when State was entered
}

// Description returns the human-readable form of LastError.
func (s Status) Description() protocol.Description {
	return protocol.Describe(s.LastError)
}
