package manager

// RunState is the manager's lifecycle state.
type RunState string

const (
	StateUninitialized RunState = "uninitialized"
	StateInitializing  RunState = "initializing"
	StateReady         RunState = "ready"
	StateRunning       RunState = "running"
	StateStopped       RunState = "stopped"
	StateError         RunState = "error"
	StateCleaning      RunState = "cleaning"
)

// transitions maps each state to the states it may move to. Anything
// else is a StateError.
var transitions = map[RunState][]RunState{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateError},
	StateReady:         {StateRunning, StateCleaning},
	StateRunning:       {StateReady, StateStopped, StateError},
	StateStopped:       {StateReady, StateRunning, StateCleaning},
	StateError:         {StateReady, StateCleaning},
	StateCleaning:      {StateUninitialized},
}

func canTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
