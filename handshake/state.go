package handshake

import "fmt"

// State is the synchronization state of a Session.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Synchronized reports whether both sides have exchanged SYNs.
func (s State) Synchronized() bool {
	return s == SynReceived || s == Established
}
