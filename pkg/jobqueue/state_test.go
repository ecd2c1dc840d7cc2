package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"queued", StateQueued},
		{"active", StateActive},
		{"completed", StateCompleted},
		{"failed", StateFailed},
		{"waiting", StateUnknown},
		{"", StateUnknown},
		{"COMPLETED", StateUnknown},
		{"unknown", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseState(tt.in))
		})
	}
}

func TestCanTransition(t *testing.T) {
	all := []State{StateQueued, StateActive, StateCompleted, StateFailed, StateUnknown}
	allowed := map[[2]State]bool{
		{StateQueued, StateActive}:    true,
		{StateActive, StateCompleted}: true,
		{StateActive, StateFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.IsPending())
		for _, to := range []State{StateQueued, StateActive, StateCompleted, StateFailed} {
			assert.False(t, CanTransition(s, to))
		}
	}
	assert.False(t, StateUnknown.IsTerminal())
	assert.False(t, StateUnknown.IsPending())
	assert.True(t, StateQueued.IsPending())
	assert.True(t, StateActive.IsPending())
}

func TestListOptionsEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ListOptions{}.EffectiveLimit())
	assert.Equal(t, 5, ListOptions{Limit: 5}.EffectiveLimit())
}
