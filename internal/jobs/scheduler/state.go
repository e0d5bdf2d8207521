package scheduler

// State is the stage of the running cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateProbing
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateProbing:
		return "probing"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}
