package peer

// State is the negotiation state of a Channel. Renegotiation moves a stable
// channel back to StateNegotiating any number of times; StateClosed is final.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}
