package rescore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/mockexec"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

func TestRescoreEmptyInputReturnsNil(t *testing.T) {
	e := mockexec.New(8)
	out, err := Rescore(context.Background(), e, nil, model.Tensor{}, 0.3)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestRescoreScoresEachHypothesisByItsOwnTokens(t *testing.T) {
	e := mockexec.New(8)
	hyps := []asr.Hypothesis{
		{Tokens: []int{4, 5}},
		{Tokens: []int{7, 7}},
	}
	out, err := Rescore(context.Background(), e, hyps, model.Tensor{}, 0.0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// The mock decoder puts 0.9 on each hypothesis's own next token and on
	// eos after its last token, so both two-token hypotheses score 3*ln(0.9).
	require.InDelta(t, 3*math.Log(0.9), out[0].RescoredScore, 1e-9)
	require.InDelta(t, 3*math.Log(0.9), out[1].RescoredScore, 1e-9)
}

func TestRescoreIdempotenceAtZeroReverseWeight(t *testing.T) {
	e := mockexec.New(8)
	hyps := []asr.Hypothesis{{Tokens: []int{4, 5, 6}}}
	first, err := Rescore(context.Background(), e, hyps, model.Tensor{}, 0.0)
	require.NoError(t, err)
	second, err := Rescore(context.Background(), e, first, model.Tensor{}, 0.0)
	require.NoError(t, err)
	require.InDelta(t, first[0].RescoredScore, second[0].RescoredScore, 1e-9)
}

func TestFuseWeightsCorrectly(t *testing.T) {
	require.InDelta(t, 1.0, Fuse(1.0, 0.0, 1.0), 1e-9)
	require.InDelta(t, 0.0, Fuse(1.0, 0.0, 0.0), 1e-9)
	require.InDelta(t, 0.5, Fuse(1.0, 0.0, 0.5), 1e-9)
}
