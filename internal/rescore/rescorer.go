// Package rescore implements the attention rescorer (C6): re-ranking CTC
// N-best hypotheses against the retained encoder output using an
// autoregressive attention decoder, with optional left-to-right /
// right-to-left score fusion, per spec.md §4.6.
package rescore

import (
	"context"
	"fmt"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// Rescore scores each of hyps against encoderOut using exec's attention
// decoder and returns a new slice with RescoredScore populated. It does not
// sort or otherwise fuse with the CTC composite score — spec.md §4.6 leaves
// that fusion (`final = ctc_weight*ctc_score + (1-ctc_weight)*combined`) to
// the caller, since ctc_weight is a decode-time knob rather than a property
// of rescoring itself.
func Rescore(ctx context.Context, exec model.Executor, hyps []asr.Hypothesis, encoderOut model.Tensor, reverseWeight float64) ([]asr.Hypothesis, error) {
	if len(hyps) == 0 {
		return nil, nil
	}
	meta := exec.Metadata()

	maxLen := 0
	for _, h := range hyps {
		if l := len(h.Tokens) + 1; l > maxLen {
			maxLen = l
		}
	}

	hypsPadded := make([][]int, len(hyps))
	hypsLens := make([]int, len(hyps))
	for i, h := range hyps {
		padded := make([]int, maxLen)
		padded[0] = meta.SosID
		copy(padded[1:], h.Tokens)
		for j := len(h.Tokens) + 1; j < maxLen; j++ {
			padded[j] = meta.EosID
		}
		hypsPadded[i] = padded
		hypsLens[i] = len(h.Tokens) + 1
	}

	useR2L := meta.IsBidirectionalDecoder && reverseWeight > 0
	logpL2R, logpR2L, err := exec.ForwardAttentionDecoder(ctx, hypsPadded, hypsLens, encoderOut, reverseWeight)
	if err != nil {
		return nil, fmt.Errorf("rescore: forward_attention_decoder: %w", err)
	}
	if useR2L && logpR2L == nil {
		useR2L = false
	}

	out := make([]asr.Hypothesis, len(hyps))
	for i, h := range hyps {
		scoreL2R := sequenceScore(logpL2R[i], h.Tokens, meta.EosID)
		combined := scoreL2R
		if useR2L {
			reversed := reverseTokens(h.Tokens)
			scoreR2L := sequenceScore(logpR2L[i], reversed, meta.EosID)
			combined = (1-reverseWeight)*scoreL2R + reverseWeight*scoreR2L
		}
		out[i] = h
		out[i].RescoredScore = combined
	}
	return out, nil
}

// sequenceScore sums the log-probability the decoder assigns to each actual
// next token, position by position, plus the final eos probability —
// spec.md §4.6's `Σ logp[j][t_{j+1}] + logp[K][eos]`.
func sequenceScore(logp [][]float64, tokens []int, eosID int) float64 {
	score := 0.0
	for j, tok := range tokens {
		if j < len(logp) && tok < len(logp[j]) {
			score += logp[j][tok]
		}
	}
	k := len(tokens)
	if k < len(logp) && eosID < len(logp[k]) {
		score += logp[k][eosID]
	}
	return score
}

func reverseTokens(tokens []int) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[len(tokens)-1-i] = t
	}
	return out
}

// Fuse combines a hypothesis's CTC composite score with its rescored
// attention score per spec.md §4.6 step 4: `final = ctc_weight*ctc_score +
// (1-ctc_weight)*combined`.
func Fuse(ctcScore, combined, ctcWeight float64) float64 {
	return ctcWeight*ctcScore + (1-ctcWeight)*combined
}
