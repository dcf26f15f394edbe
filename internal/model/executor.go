// Package model defines the opaque neural-model executor contract (C2) and
// its adapters. Executor is intentionally narrow — exactly the five ops
// spec.md §6 lists — so concrete backends (ONNX Runtime, whisper.cpp, a test
// double) can be swapped in at startup without the decoding core knowing
// which one it holds.
package model

import "context"

// Metadata carries the immutable, backend-specific constants the streaming
// decoder and rescorer need, per spec.md §4.2.
type Metadata struct {
	SubsamplingRate        int
	RightContext           int
	SosID                  int
	EosID                  int
	IsBidirectionalDecoder bool
	FeatureDim             int
	ChunkSize              int
}

// Tensor is a flat row-major 2D float32 buffer — the lowest-friction shape
// to pass across a CGO/ONNX boundary without per-call allocation of nested
// slices.
type Tensor struct {
	Rows, Cols int
	Data       []float32
}

// NewTensor allocates a zeroed Tensor of the given shape.
func NewTensor(rows, cols int) Tensor {
	return Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// At returns the value at (row, col).
func (t Tensor) At(row, col int) float32 { return t.Data[row*t.Cols+col] }

// Set stores the value at (row, col).
func (t Tensor) Set(row, col int, v float32) { t.Data[row*t.Cols+col] = v }

// Row returns a view (not a copy) of one row.
func (t Tensor) Row(row int) []float32 {
	return t.Data[row*t.Cols : (row+1)*t.Cols]
}

// Cache bundles the two recurring conv/attention caches a streaming encoder
// chunk call consumes and produces, plus the running frame offset used for
// positional encoding continuity across chunks.
type Cache struct {
	AttCache Tensor
	CnnCache Tensor
	Offset   int
}

// Executor is the C2 contract: the five neural ops spec.md §6 enumerates.
// An Executor instance is shared read-only across sessions (spec.md §3's
// ownership rule); any per-session mutable state (caches) is owned by the
// caller and threaded through explicitly, never stored on the Executor.
type Executor interface {
	// Metadata returns the backend's fixed configuration.
	Metadata() Metadata

	// ForwardEncoderChunk runs one streaming encoder step over feats
	// (N, feature_dim), consuming and returning updated caches.
	ForwardEncoderChunk(ctx context.Context, feats Tensor, cache Cache) (encOut Tensor, newCache Cache, err error)

	// CTCActivation projects encoder output to per-frame log-softmax CTC
	// probabilities, shape (T', V).
	CTCActivation(ctx context.Context, encOut Tensor) (ctcLogp [][]float64, err error)

	// ForwardAttentionDecoder scores padded hypotheses (each prefixed with
	// sos_id) against encoderOut. logpR2L is nil when the backend is not
	// bidirectional or reverseWeight is 0.
	ForwardAttentionDecoder(ctx context.Context, hypsPadded [][]int, hypsLens []int, encoderOut Tensor, reverseWeight float64) (logpL2R, logpR2L [][][]float64, err error)

	// BatchForwardEncoder runs one batched (non-streaming) encoder forward
	// over B padded utterances, shape (B, T, feature_dim) flattened per
	// utterance in feats, returning per-utterance encoder output, true
	// output lengths, and per-utterance CTC log-probabilities. This spec
	// adopts the 3-tuple (enc_out, enc_lens, ctc_logp) form as canonical
	// (spec.md §9's Open Question resolution).
	BatchForwardEncoder(ctx context.Context, feats []Tensor, featsLens []int) (encOut []Tensor, encLens []int, ctcLogp [][][]float64, err error)
}
