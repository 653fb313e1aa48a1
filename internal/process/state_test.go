package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateStopped, StateStarting},
		{StateFailed, StateStarting},
		{StateStarting, StateRunning},
		{StateStarting, StateFailed},
		{StateRunning, StatePaused},
		{StateRunning, StateStopping},
		{StateRunning, StateFailed},
		{StateRunning, StateCrashed},
		{StatePaused, StateRunning},
		{StatePaused, StateStopping},
		{StateStopping, StateStopped},
		{StateStopping, StateFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]State{
		{StateStopped, StateRunning},
		{StateCrashed, StateStarting},
		{StateStarting, StatePaused},
		{StatePaused, StateCrashed},
		{StateStopped, StateStopping},
		{StateStopping, StateRunning},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	for _, s := range []State{StateStopped, StateRunning, StateCrashed} {
		assert.True(t, CanTransition(s, s), "same state %s", s)
	}
}

func TestState_IsAlive(t *testing.T) {
	assert.True(t, StateStarting.IsAlive())
	assert.True(t, StatePaused.IsAlive())
	assert.False(t, StateStopped.IsAlive())
	assert.False(t, StateCrashed.IsAlive())
}
