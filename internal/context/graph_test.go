package context

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryNilGraphIsNoOp(t *testing.T) {
	var g *Graph
	s := RootState()
	next, delta := g.Query(s, 7)
	require.Equal(t, s, next)
	require.Zero(t, delta)
}

func TestQueryMatchesAndAccumulates(t *testing.T) {
	g := Build([]Phrase{{Tokens: []int{1, 2, 3}, Bonus: 2.0}})
	s := RootState()

	s, d1 := g.Query(s, 1)
	require.Equal(t, 2.0, d1)

	s, d2 := g.Query(s, 2)
	require.Equal(t, 2.0, d2)

	// Final token also completes the phrase: edge bonus + completion bonus.
	_, d3 := g.Query(s, 3)
	require.Equal(t, 4.0, d3)
}

func TestQueryMismatchRefundsToRoot(t *testing.T) {
	g := Build([]Phrase{{Tokens: []int{1, 2, 3}, Bonus: 2.0}})
	s := RootState()
	s, _ = g.Query(s, 1)
	s, _ = g.Query(s, 2)
	// accum is now 4.0 (two matched edges).

	next, delta := g.Query(s, 99)
	require.Equal(t, RootState(), next)
	require.Equal(t, -4.0, delta)
}

func TestQueryDivergingPhrasesShareCommonPrefix(t *testing.T) {
	g := Build([]Phrase{
		{Tokens: []int{1, 2}, Bonus: 1.0},
		{Tokens: []int{1, 3}, Bonus: 1.0},
	})
	s := RootState()
	s, _ = g.Query(s, 1)

	onA, dA := g.Query(s, 2)
	require.Equal(t, 2.0, dA) // edge + completion
	onB, dB := g.Query(s, 3)
	require.Equal(t, 2.0, dB)
	require.NotEqual(t, onA, onB)
}

func TestQueryUnrelatedTokenFromRootStaysAtRootWithNoBonus(t *testing.T) {
	g := Build([]Phrase{{Tokens: []int{1, 2}, Bonus: 5.0}})
	s := RootState()
	next, delta := g.Query(s, 42)
	require.Equal(t, RootState(), next)
	require.Zero(t, delta)
}
