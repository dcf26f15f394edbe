package ctc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/context"
)

func ln(p float64) float64 { return math.Log(p) }

// row builds a log-prob row over a small vocab {blank=0, a=1, b=2, c=3}
// with the given linear probability for each id and the remainder split as
// negligible mass, so that the intended id always wins the blank-skip /
// top-candidate selection deterministically in tests.
func row(vocab int, id int, p float64) []float64 {
	rest := (1 - p) / float64(vocab-1)
	out := make([]float64, vocab)
	for i := range out {
		if i == id {
			out[i] = ln(p)
		} else {
			out[i] = ln(rest)
		}
	}
	return out
}

func defaultConfig() Config {
	return Config{BeamSize: 8, FirstBeamSize: 4, BlankSkipThreshold: 0.999}
}

func TestResetStartsWithEmptyPrefix(t *testing.T) {
	s := New(defaultConfig())
	require.Equal(t, 1, s.Size())
	h := s.Partial()
	require.Empty(t, h.Tokens)
}

func TestSingleTokenEmission(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{
		row(4, 1, 0.9),
		row(4, 0, 0.9),
	})
	best := s.Finalize(1)
	require.Len(t, best, 1)
	require.Equal(t, []int{1}, best[0].Tokens)
	require.Equal(t, []int{0}, best[0].Times)
}

func TestBeamSizeBoundAndDistinctPrefixes(t *testing.T) {
	cfg := defaultConfig()
	cfg.BeamSize = 2
	s := New(cfg)
	for i := 0; i < 5; i++ {
		s.Step([][]float64{row(4, (i%3)+1, 0.5)})
	}
	require.LessOrEqual(t, s.Size(), 2)
	seen := map[string]bool{}
	for _, h := range s.Finalize(10) {
		k := key(h.Tokens)
		require.False(t, seen[k], "duplicate prefix in finalized beam")
		seen[k] = true
	}
}

func TestRepeatWithoutSeparatingBlankCollapses(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{
		row(4, 1, 0.9),
		row(4, 1, 0.9),
	})
	best := s.Finalize(1)
	require.Equal(t, []int{1}, best[0].Tokens)
}

func TestRepeatWithSeparatingBlankDoublesToken(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{
		row(4, 1, 0.9),
		row(4, 0, 0.9),
		row(4, 1, 0.9),
	})
	found := false
	for _, h := range s.Finalize(10) {
		if len(h.Tokens) == 2 && h.Tokens[0] == 1 && h.Tokens[1] == 1 {
			found = true
		}
	}
	require.True(t, found, "expected a [1,1] hypothesis to survive pruning")
}

func TestBlankSkipThresholdSkipsFrameEntirely(t *testing.T) {
	s := New(defaultConfig())
	before := s.Finalize(1)
	s.Step([][]float64{row(4, 0, 0.9999)})
	after := s.Finalize(1)
	require.Equal(t, before[0].Tokens, after[0].Tokens)
	require.Equal(t, 1, s.frame)
}

func TestTimestampsAreEarliestNonBlankFrame(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{
		row(4, 0, 0.5),
		row(4, 1, 0.5),
		row(4, 1, 0.5),
	})
	best := s.Finalize(1)
	require.Equal(t, []int{1}, best[0].Tokens)
	// Token 1 already enters the beam at frame 0, as a low-probability
	// extension of the empty prefix; merged paths keep that earliest frame.
	require.Equal(t, 0, best[0].Times[0])
}

func TestContextGraphBiasesMatchingPhrase(t *testing.T) {
	g := context.Build([]context.Phrase{{Tokens: []int{2}, Bonus: 5.0}})
	cfgWith := defaultConfig()
	cfgWith.ContextGraph = g
	cfgWithout := defaultConfig()

	step := [][]float64{row(4, 2, 0.5)}
	sWith := New(cfgWith)
	sWith.Step(step)
	sWithout := New(cfgWithout)
	sWithout.Step(step)

	require.Greater(t, sWith.Finalize(1)[0].Score, sWithout.Finalize(1)[0].Score)
}

func TestTopReportsTrailingBlanks(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{row(4, 1, 0.9)})
	require.Equal(t, 0, s.Top().TrailingBlanks)
	s.Step([][]float64{row(4, 0, 0.5), row(4, 0, 0.5)})
	top := s.Top()
	require.True(t, top.HasNonBlank)
	require.Equal(t, 2, top.TrailingBlanks)
}

func TestFinalizeDoesNotMutateBeam(t *testing.T) {
	s := New(defaultConfig())
	s.Step([][]float64{row(4, 1, 0.9)})
	sizeBefore := s.Size()
	_ = s.Finalize(1)
	require.Equal(t, sizeBefore, s.Size())
}
