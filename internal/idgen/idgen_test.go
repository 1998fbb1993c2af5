package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g, err := New(0)
	require.NoError(t, err)

	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestDistinctGeneratorsProduceDistinctSequences(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	b, err := New(1)
	require.NoError(t, err)

	require.NotEqual(t, a.Next(), b.Next())
}
