// Package asr defines the shared types used across the streaming ASR
// decoding core. These are the lingua franca between the feature pipeline,
// the model executor, the CTC searcher, the streaming decoder, and the
// attention rescorer — cross-cutting data structures live here to avoid
// import cycles between those packages.
package asr

import "math"

// NegInf is the canonical "impossible" log-probability used to seed
// score_non_blank on an otherwise-empty prefix and anywhere a path has not
// been observed.
var NegInf = math.Inf(-1)

// BlankID is the CTC blank label id by convention (spec.md §4.4).
const BlankID = 0

// AudioFrame is a single fixed-dimension acoustic feature frame, indexed by
// its monotonic frame number within the session's FrameBuffer.
type AudioFrame struct {
	// FrameIndex is this frame's position in the utterance, counting from 0.
	FrameIndex int
	// Data holds FeatureDim float32 values (e.g. log-mel filterbank energies).
	Data []float32
}

// WordTimestamp marks a single emitted word (or word-piece) and its frame
// span within the utterance.
type WordTimestamp struct {
	Word  string
	Start int // inclusive frame index
	End   int // inclusive frame index
}

// Hypothesis is one finalized CTC prefix-beam-search candidate.
type Hypothesis struct {
	// Tokens is the collapsed (blank/repeat removed) label sequence.
	Tokens []int
	// Score is the composite logadd(score_blank, score_non_blank) at
	// finalization time.
	Score float64
	// Times holds one frame index per entry in Tokens — the earliest frame
	// at which each token first appeared non-blank (spec.md §4.4 timestamp rule).
	Times []int
	// RescoredScore is populated by the attention rescorer; zero until then.
	RescoredScore float64
}

// LogAdd computes log(exp(a) + exp(b)) in a numerically stable way.
// Either argument may be NegInf (representing a path with zero probability).
func LogAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}
