package tail

// State is a controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StatePaused
	StateFailed
	StateClosed
)

var stateNames = [...]string{"idle", "polling", "paused", "failed", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name for JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateIdle, StatePolling, StatePaused, StateFailed, StateClosed}
}
