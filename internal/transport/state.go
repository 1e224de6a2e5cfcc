package transport

import "fmt"

// State is where a connection is in its lifecycle:
//
//	Initializing -> Connected -> (Reconnecting -> Connected)* -> Disconnected | Aborted
//
// Reconnecting is only used by long polling, between two requests.
type State int32

const (
	Initializing State = iota
	Connected
	Reconnecting
	Disconnected
	Aborted
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == Disconnected || s == Aborted
}

// CanTransition reports whether a connection in from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case Connected:
		return from == Initializing || from == Reconnecting
	case Reconnecting:
		return from == Connected
	case Disconnected, Aborted:
		return true
	default:
		return false
	}
}
