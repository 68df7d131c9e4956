package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowedMatchesGlob(t *testing.T) {
	l, err := Compile([]Rule{{Pattern: "qubes.Filecopy+*"}})
	require.NoError(t, err)

	require.True(t, l.Allowed("qubes.Filecopy+work"))
	require.False(t, l.Allowed("qubes.Gpg+work"))
}

func TestAllowedRejectsWhenNoRulesMatch(t *testing.T) {
	l, err := Compile(nil)
	require.NoError(t, err)
	require.False(t, l.Allowed("anything"))
}

func TestCompileRejectsInvalidPattern(t *testing.T) {
	_, err := Compile([]Rule{{Pattern: "["}})
	require.Error(t, err)
}

func TestNilListAllowsNothing(t *testing.T) {
	var l *List
	require.False(t, l.Allowed("x"))
}
