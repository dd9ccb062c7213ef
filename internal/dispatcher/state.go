package dispatcher

// State is the lifecycle position of one partition worker.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateCommitPending
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateCommitPending:
		return "commit_pending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
