package conn

// State is the lifecycle phase of a single connection. Transitions follow a
// fixed graph; anything outside it is rejected so bookkeeping bugs surface as
// errors instead of stuck records.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateZombie
	StateClosing
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateActive:     "active",
	StateDraining:   "draining",
	StateZombie:     "zombie",
	StateClosing:    "closing",
	StateFailed:     "failed",
	StateClosed:     "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether the state has no outgoing edges. Only closed
// qualifies; failed records may still retry the close.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Writable reports whether the sender may push frames to a connection in this
// state. Draining stays writable so queued messages can flush during
// shutdown; zombie and beyond never accept writes.
func (s State) Writable() bool {
	return s == StateActive || s == StateDraining
}

// transitions is the edge set of the lifecycle graph.
//
//	connecting → active
//	active     → draining | zombie | closing | failed
//	draining   → closing | failed
//	zombie     → closing | failed
//	closing    → closed | failed
//	failed     → closing (close retry) | closed
var transitions = map[State][]State{
	StateConnecting: {StateActive},
	StateActive:     {StateDraining, StateZombie, StateClosing, StateFailed},
	StateDraining:   {StateClosing, StateFailed},
	StateZombie:     {StateClosing, StateFailed},
	StateClosing:    {StateClosed, StateFailed},
	StateFailed:     {StateClosing, StateClosed},
	StateClosed:     {},
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
