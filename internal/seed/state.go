package seed

import "github.com/ChuLiYu/tileseed/pkg/types"

// stateRank orders states for the job fold. UNSET counts as READY.
func stateRank(s types.State) int {
	switch s {
	case types.StateDead:
		return 3
	case types.StateRunning:
		return 2
	case types.StateDone:
		return 1
	default:
		return 0
	}
}

func combine(a, b types.State) types.State {
	if stateRank(b) > stateRank(a) {
		return b
	}
	return a
}

// CombineState folds task states into a job state: any DEAD wins, then any
// RUNNING, then DONE; all READY or UNSET is READY. The fold is a maximum, so
// the result does not depend on the order of states.
func CombineState(states ...types.State) (types.State, error) {
	if len(states) == 0 {
		return types.StateUnset, ErrNoTasks
	}
	acc := types.StateReady
	for _, s := range states {
		acc = combine(acc, s)
	}
	return acc, nil
}
