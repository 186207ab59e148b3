package seed

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

func TestCombineState(t *testing.T) {
	const (
		unset   = types.StateUnset
		ready   = types.StateReady
		running = types.StateRunning
		done    = types.StateDone
		dead    = types.StateDead
	)
	tests := []struct {
		name   string
		states []types.State
		want   types.State
	}{
		{"single ready", []types.State{ready}, ready},
		{"unset counts as ready", []types.State{unset, ready}, ready},
		{"all dead", []types.State{dead, dead}, dead},
		{"dead beats running", []types.State{running, dead, done}, dead},
		{"running beats done", []types.State{done, running, ready}, running},
		{"done with ready", []types.State{ready, done, unset}, done},
		{"all done", []types.State{done, done, done}, done},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CombineState(tt.states...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCombineStateNoTasks(t *testing.T) {
	_, err := CombineState()
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestCombineStateIsOrderIndependent(t *testing.T) {
	all := []types.State{types.StateUnset, types.StateReady, types.StateRunning, types.StateDone, types.StateDead}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		states := make([]types.State, 1+rng.IntN(8))
		for i := range states {
			states[i] = all[rng.IntN(len(all))]
		}
		want, err := CombineState(states...)
		require.NoError(t, err)

		for range 5 {
			shuffled := append([]types.State(nil), states...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			got, err := CombineState(shuffled...)
			require.NoError(t, err)
			assert.Equal(t, want, got, "states %v vs %v", states, shuffled)
		}
	}
}
