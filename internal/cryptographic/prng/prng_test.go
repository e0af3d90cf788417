package prng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeededIsDeterministic(t *testing.T) {
	a, err := NewSeeded([]byte("seed"))
	require.NoError(t, err)
	b, err := NewSeeded([]byte("seed"))
	require.NoError(t, err)

	require.Equal(t, a.GenBytes(100), b.GenBytes(100))
	require.Equal(t, a.GenSeed(), b.GenSeed())

	c, err := NewSeeded([]byte("other"))
	require.NoError(t, err)
	require.NotEqual(t, a.GenBytes(32), c.GenBytes(32))
}

func TestSeededRejectsEmptySeed(t *testing.T) {
	_, err := NewSeeded(nil)
	require.Error(t, err)
}

func TestSystemLength(t *testing.T) {
	require.Len(t, System.GenBytes(17), 17)
	require.Len(t, System.GenSeed(), SeedLength)
}
