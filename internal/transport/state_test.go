package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachineForwardOnly(t *testing.T) {
	t.Parallel()

	var m stateMachine
	require.Equal(t, StateIdle, m.current())
	require.ErrorIs(t, m.advance(StateUserAuth), ErrInvalidState)

	for _, next := range []State{StateVersionExchanged, StateKeyExchange, StateServiceRequest, StateUserAuth} {
		require.NoError(t, m.advance(next))
	}
	require.NoError(t, m.require(StateUserAuth))
	require.ErrorIs(t, m.advance(StateKeyExchange), ErrInvalidState)
	require.NoError(t, m.advance(StateClosed))
	require.ErrorIs(t, m.advance(StateClosed), ErrInvalidState)
	require.ErrorIs(t, m.require(StateUserAuth), ErrInvalidState)
}

func TestEveryStateCanClose(t *testing.T) {
	t.Parallel()

	for from := StateIdle; from < StateClosed; from++ {
		m := stateMachine{state: from}
		require.NoError(t, m.advance(StateClosed), from.String())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "user-auth", StateUserAuth.String())
	require.Equal(t, "state(42)", State(42).String())
}
