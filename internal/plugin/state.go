package plugin

// State represents the lifecycle state of a plugin instance.
type State int

// Plugin states.
const (
	// StateUnloaded - plugin is not loaded.
	StateUnloaded State = iota

	// StateLoading - manifest validated, sandbox being prepared.
	StateLoading

	// StateInitializing - entrypoint code is running.
	StateInitializing

	// StateRunning - plugin is active and receiving events.
	StateRunning

	// StateUnloading - plugin is being torn down.
	StateUnloading

	// StateFailed - plugin failed to load or was force terminated.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateUnloading:
		return "unloading"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
