package syncengine

// State is a step of the reconciliation state machine. Every round moves idle → syncing → one of the
// terminal states → idle.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateConflict State = "conflict"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// Terminal reports whether the state ends a round.
func (s State) Terminal() bool {
	switch s {
	case StateSynced, StateConflict, StateError, StateOffline:
		return true
	}
	return false
}

// Choice selects the winning side of a conflict.
type Choice string

const (
	KeepLocal  Choice = "local"
	KeepServer Choice = "server"
)

// ParseChoice accepts "local" or "server".
func ParseChoice(raw string) (Choice, bool) {
	switch Choice(raw) {
	case KeepLocal:
		return KeepLocal, true
	case KeepServer:
		return KeepServer, true
	}
	return "", false
}
