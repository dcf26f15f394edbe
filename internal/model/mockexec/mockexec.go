// Package mockexec provides a deterministic model.Executor test double,
// grounded on the VAD example pack's StubEngine: it produces reproducible
// output from input shapes, frame content and a fixed token schedule rather
// than running any real inference, so the decoding core can be exercised
// without a model file.
package mockexec

import (
	"context"
	"math"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// Executor is a deterministic stand-in for a real backend. Every op derives
// its output from input shapes and content, plus (for CTCActivation) a
// schedule position that persists across calls, so tests get reproducible
// CTC log-probabilities without a model file: a frame of near-zero feature
// data is treated as silence (blank-favored), anything else as speech
// (favoring the next scheduled token).
type Executor struct {
	meta model.Metadata

	// EmitEvery, when 0, disables non-blank emission entirely regardless of
	// frame content; any other value enables the content-driven schedule
	// below.
	EmitEvery int
	// Tokens cycles through these ids whenever a non-silent frame is seen.
	Tokens []int
	// SilenceThreshold is the mean-abs-value a frame must exceed to be
	// treated as speech rather than silence.
	SilenceThreshold float32

	emitCounter int
}

// New creates an Executor with sensible small-model defaults: subsampling 4,
// right context 0, vocab-agnostic sos/eos at id 2/3, bidirectional decoder.
func New(vocabSize int) *Executor {
	return &Executor{
		meta: model.Metadata{
			SubsamplingRate:        4,
			RightContext:           0,
			SosID:                  2,
			EosID:                  3,
			IsBidirectionalDecoder: true,
			FeatureDim:             80,
			ChunkSize:              16,
		},
		EmitEvery:        1,
		Tokens:           []int{4, 5, 6},
		SilenceThreshold: 0.01,
	}
}

func (e *Executor) Metadata() model.Metadata { return e.meta }

// ForwardEncoderChunk "encodes" by subsampling feats row-wise (taking every
// SubsamplingRate-th row) and passing the caches through unchanged in
// shape but bumping Offset by the consumed frame count.
func (e *Executor) ForwardEncoderChunk(_ context.Context, feats model.Tensor, cache model.Cache) (model.Tensor, model.Cache, error) {
	rate := e.meta.SubsamplingRate
	if rate < 1 {
		rate = 1
	}
	outRows := feats.Rows / rate
	hiddenDim := 16
	out := model.NewTensor(outRows, hiddenDim)
	for i := 0; i < outRows; i++ {
		for j := 0; j < hiddenDim; j++ {
			out.Set(i, j, feats.At(i*rate, j%feats.Cols))
		}
	}
	newCache := cache
	newCache.Offset = cache.Offset + feats.Rows
	return out, newCache, nil
}

// CTCActivation returns a log-softmax distribution per frame that favors
// blank for near-silent rows and the next scheduled token for anything else,
// giving the prefix beam searcher non-trivial, content-driven hypotheses to
// work with in tests.
func (e *Executor) CTCActivation(_ context.Context, encOut model.Tensor) ([][]float64, error) {
	vocabSize := 8
	out := make([][]float64, encOut.Rows)
	for t := 0; t < encOut.Rows; t++ {
		row := make([]float64, vocabSize)
		winner := asr.BlankID
		if e.EmitEvery != 0 && len(e.Tokens) > 0 && rowMagnitude(encOut.Row(t)) > e.SilenceThreshold {
			winner = e.Tokens[e.emitCounter%len(e.Tokens)]
			e.emitCounter++
		}
		for v := range row {
			if v == winner {
				row[v] = math.Log(0.9)
			} else {
				row[v] = math.Log(0.1 / float64(vocabSize-1))
			}
		}
		out[t] = row
	}
	return out, nil
}

func rowMagnitude(row []float32) float32 {
	if len(row) == 0 {
		return 0
	}
	var sum float32
	for _, v := range row {
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float32(len(row))
}

// ForwardAttentionDecoder returns log-probabilities that simply favor
// whichever token each hypothesis actually contains at each position,
// giving well-formed (if not realistic) scores for rescoring tests.
func (e *Executor) ForwardAttentionDecoder(_ context.Context, hypsPadded [][]int, hypsLens []int, _ model.Tensor, reverseWeight float64) ([][][]float64, [][][]float64, error) {
	vocabSize := 8
	l2r := make([][][]float64, len(hypsPadded))
	for i, hyp := range hypsPadded {
		l2r[i] = make([][]float64, len(hyp))
		for j := range hyp {
			row := make([]float64, vocabSize)
			target := e.meta.EosID
			if j+1 < hypsLens[i] {
				target = hyp[j+1]
			}
			for v := range row {
				if v == target {
					row[v] = math.Log(0.9)
				} else {
					row[v] = math.Log(0.1 / float64(vocabSize-1))
				}
			}
			l2r[i][j] = row
		}
	}
	var r2l [][][]float64
	if e.meta.IsBidirectionalDecoder && reverseWeight > 0 {
		r2l = l2r
	}
	return l2r, r2l, nil
}

// BatchForwardEncoder runs ForwardEncoderChunk independently per utterance
// with a fresh cache, mirroring C7's "single batched forward" semantics
// closely enough for tests without real batching.
func (e *Executor) BatchForwardEncoder(ctx context.Context, feats []model.Tensor, featsLens []int) ([]model.Tensor, []int, [][][]float64, error) {
	encOut := make([]model.Tensor, len(feats))
	encLens := make([]int, len(feats))
	ctcLogp := make([][][]float64, len(feats))
	for i, f := range feats {
		trimmed := model.Tensor{Rows: featsLens[i], Cols: f.Cols, Data: f.Data[:featsLens[i]*f.Cols]}
		enc, _, err := e.ForwardEncoderChunk(ctx, trimmed, model.Cache{})
		if err != nil {
			return nil, nil, nil, err
		}
		logp, err := e.CTCActivation(ctx, enc)
		if err != nil {
			return nil, nil, nil, err
		}
		encOut[i] = enc
		encLens[i] = enc.Rows
		ctcLogp[i] = logp
	}
	return encOut, encLens, ctcLogp, nil
}

var _ model.Executor = (*Executor)(nil)
