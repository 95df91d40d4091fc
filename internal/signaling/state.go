package signaling

// State is the authoritative lifecycle state of a preview session.
type State string

const (
	StateCreated      State = "created"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// transitions is the legal transition table. Closed is reachable from every
// state; everything else follows
// Created → Negotiating → Connected → {Disconnected → Connected | Failed}.
var transitions = map[State][]State{
	StateCreated:      {StateNegotiating, StateFailed, StateClosed},
	StateNegotiating:  {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
	StateClosed:       {},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further negotiation is possible. Late trickle
// candidates on terminal sessions are tolerated, not applied.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

func (s State) String() string {
	return string(s)
}
