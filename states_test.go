package taskbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_StringAndParse(t *testing.T) {
	for _, s := range AllStates {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseState("running")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestState_IsFinal(t *testing.T) {
	for _, s := range FinalStates {
		require.True(t, s.IsFinal(), s)
	}
	for _, s := range NonFinalStates {
		require.False(t, s.IsFinal(), s)
	}
	require.Len(t, AllStates, len(FinalStates)+len(NonFinalStates))
}

func TestState_IsLast(t *testing.T) {
	require.True(t, StateDone.IsLast())
	for _, s := range AllStates[:len(AllStates)-1] {
		require.False(t, s.IsLast(), s)
	}
}
