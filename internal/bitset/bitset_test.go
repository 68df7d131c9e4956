package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearIsSet(t *testing.T) {
	var s Set
	require.False(t, s.IsSet(5))

	s.Set(5)
	require.True(t, s.IsSet(5))
	require.Equal(t, uint(1), s.Count())

	s.Clear(5)
	require.False(t, s.IsSet(5))
	require.Equal(t, uint(0), s.Count())
}

func TestCountAcrossWords(t *testing.T) {
	var s Set
	s.Set(0)
	s.Set(63)
	s.Set(64)
	s.Set(1000)
	require.Equal(t, uint(4), s.Count())
}

func TestOutOfRangePanics(t *testing.T) {
	var s Set
	require.Panics(t, func() { s.Set(64 * Words) })
}
