// Package decoder implements the streaming decoder state machine (C5): it
// orchestrates the feature pipeline (C1), the model executor (C2), and the
// CTC searcher (C4), drives the chunked encoder forward, detects endpoints,
// and emits partial/final results, per spec.md §4.5.
package decoder

import (
	"context"
	"fmt"
	"sort"

	ctxgraph "github.com/MrWong99/wenet-streaming-asr/internal/context"
	"github.com/MrWong99/wenet-streaming-asr/internal/ctc"
	"github.com/MrWong99/wenet-streaming-asr/internal/feature"
	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/rescore"
	"github.com/MrWong99/wenet-streaming-asr/internal/resilience"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// Config holds the per-session decode tunables. Several fields mirror the
// server's CLI flags (spec.md §6) plus the searcher/endpoint knobs spec.md
// §4.4/§4.5 leave configuration-driven.
type Config struct {
	ChunkSize          int // encoder output frames per streaming chunk, after subsampling
	BeamSize           int
	FirstBeamSize      int
	BlankSkipThreshold float64
	ContextGraph       *ctxgraph.Graph

	NBest              int
	TimestampEnabled   bool
	ContinuousDecoding bool

	// TrailingSilenceFrames is the consecutive-blank-frame endpoint
	// threshold (post-subsampling frame units).
	TrailingSilenceFrames int
	// MaxSilenceFrames is the elapsed-since-last-non-blank endpoint
	// threshold (post-subsampling frame units); 0 disables this rule.
	MaxSilenceFrames int

	ReverseWeight float64
	CTCWeight     float64
}

// EventKind distinguishes the three messages a Decoder emits.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
)

// Event is one message the decoder emits to its caller (C8's Session),
// matching spec.md §6's partial_result / final_result / failed payloads at
// the data level; wire-format serialization lives in the session package.
type Event struct {
	Kind  EventKind
	NBest []asr.Hypothesis
	Err   error
}

// Decoder is the C5 state machine. One Decoder is created per Session and
// is not safe for concurrent use — exactly one decoder goroutine drives it,
// per spec.md §5's scheduling model.
type Decoder struct {
	pipeline *feature.Pipeline
	exec     model.Executor
	cfg      Config
	meta     model.Metadata

	search        *ctc.Searcher
	cache         model.Cache
	encoderAccum  model.Tensor
	lastPartial   []int
	chunkFrameLen int

	// breaker guards every call into exec: five consecutive inference
	// failures (spec.md §7's InferenceError) open the circuit so a wedged
	// backend fails fast instead of stalling every subsequent chunk.
	breaker *resilience.CircuitBreaker
}

// New creates a Decoder bound to pipeline and exec for the lifetime of one
// session. chunkFrames is the number of raw feature frames to pull per
// streaming step: cfg.ChunkSize * subsampling_rate + right_context, per
// spec.md §4.5's kWaitingFeats read size.
func New(pipeline *feature.Pipeline, exec model.Executor, cfg Config) *Decoder {
	meta := exec.Metadata()
	chunkFrames := cfg.ChunkSize*meta.SubsamplingRate + meta.RightContext
	d := &Decoder{
		pipeline:      pipeline,
		exec:          exec,
		cfg:           cfg,
		meta:          meta,
		chunkFrameLen: chunkFrames,
	}
	d.search = ctc.New(ctc.Config{
		BeamSize:           cfg.BeamSize,
		FirstBeamSize:       cfg.FirstBeamSize,
		BlankSkipThreshold: cfg.BlankSkipThreshold,
		ContextGraph:       cfg.ContextGraph,
	})
	d.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "model_executor"})
	return d
}

// Stop requests the decoder unwind at the next chunk boundary or wait
// wake-up without emitting a final result, per spec.md §5's cancellation
// rule. Safe to call from another goroutine.
func (d *Decoder) Stop() {
	d.pipeline.Stop()
}

// Run drives the state machine until the session's pipeline reports no more
// input (non-continuous mode) or the decoder is stopped, sending one Event
// per partial/final/error. Run closes out before returning.
func (d *Decoder) Run(ctx context.Context, out chan<- Event) {
	defer close(out)
	for {
		terminate, err := d.runUtterance(ctx, out)
		if err != nil {
			select {
			case out <- Event{Kind: EventError, Err: err}:
			case <-ctx.Done():
			}
		}
		if terminate {
			return
		}
		if !d.cfg.ContinuousDecoding {
			return
		}
		d.resetForNextUtterance()
	}
}

// runUtterance executes kWaitingFeats/kDecoding until an endpoint (or
// stream end) is reached, emitting partials along the way, then rescores
// and emits exactly one final. terminate is true when the session has
// nothing more to decode, ever (stopped, or input finished with no more
// frames after this utterance).
func (d *Decoder) runUtterance(ctx context.Context, out chan<- Event) (terminate bool, err error) {
	for {
		frames, ok := d.pipeline.Read(d.chunkFrameLen)
		if !ok {
			if d.pipeline.Stopped() {
				// Cancellation: unwind without emitting a final (spec.md §5).
				return true, nil
			}
			// Input finished with the buffer drained: exactly one final is
			// still owed, even for a zero-frame (empty) utterance (spec.md
			// §8 scenario 1).
			return d.finishUtterance(ctx, out, true)
		}

		feats := framesToTensor(frames)
		var encOut model.Tensor
		var newCache model.Cache
		ferr := d.breaker.Execute(func() error {
			var err error
			encOut, newCache, err = d.exec.ForwardEncoderChunk(ctx, feats, d.cache)
			return err
		})
		if ferr != nil {
			d.drainUtterance()
			return d.continuesAfterError(), fmt.Errorf("decoder: forward_encoder_chunk: %w", ferr)
		}
		d.cache = newCache
		d.encoderAccum = concatRows(d.encoderAccum, encOut)

		var logp [][]float64
		cerr := d.breaker.Execute(func() error {
			var err error
			logp, err = d.exec.CTCActivation(ctx, encOut)
			return err
		})
		if cerr != nil {
			d.drainUtterance()
			return d.continuesAfterError(), fmt.Errorf("decoder: ctc_activation: %w", cerr)
		}
		d.search.Step(logp)

		d.maybeEmitPartial(out)

		if d.pipeline.Stopped() {
			return true, nil
		}

		if d.endpointReached() {
			return d.finishUtterance(ctx, out, false)
		}
	}
}

func (d *Decoder) continuesAfterError() bool {
	return !d.cfg.ContinuousDecoding
}

// drainUtterance reads and discards any remaining buffered frames for this
// utterance after a fatal inference error, per spec.md §7: "the decoder
// drains pending input for the utterance and emits a failed final."
func (d *Decoder) drainUtterance() {
	for {
		_, ok := d.pipeline.Read(d.chunkFrameLen)
		if !ok {
			return
		}
	}
}

func (d *Decoder) maybeEmitPartial(out chan<- Event) bool {
	top := d.search.Partial()
	if len(top.Tokens) == 0 {
		return false
	}
	if tokensEqual(top.Tokens, d.lastPartial) {
		return false
	}
	d.lastPartial = top.Tokens
	out <- Event{Kind: EventPartial, NBest: []asr.Hypothesis{top}}
	return true
}

func (d *Decoder) endpointReached() bool {
	top := d.search.Top()
	if !top.HasNonBlank {
		return false
	}
	if d.cfg.TrailingSilenceFrames > 0 && top.TrailingBlanks > d.cfg.TrailingSilenceFrames {
		return true
	}
	if d.cfg.MaxSilenceFrames > 0 && top.FramesSinceActive > d.cfg.MaxSilenceFrames {
		return true
	}
	return false
}

// finishUtterance runs attention rescoring over the current N-best and
// emits exactly one final event.
func (d *Decoder) finishUtterance(ctx context.Context, out chan<- Event, inputEnded bool) (bool, error) {
	nbest := d.search.Finalize(d.cfg.NBest)
	var rescored []asr.Hypothesis
	rerr := d.breaker.Execute(func() error {
		var err error
		rescored, err = rescore.Rescore(ctx, d.exec, nbest, d.encoderAccum, d.cfg.ReverseWeight)
		return err
	})
	if rerr != nil {
		select {
		case out <- Event{Kind: EventFinal, NBest: nbest}:
		case <-ctx.Done():
		}
		return !d.cfg.ContinuousDecoding || inputEnded, fmt.Errorf("decoder: rescore: %w", rerr)
	}
	for i := range rescored {
		rescored[i].RescoredScore = rescore.Fuse(rescored[i].Score, rescored[i].RescoredScore, d.cfg.CTCWeight)
	}
	sort.SliceStable(rescored, func(i, j int) bool { return rescored[i].RescoredScore > rescored[j].RescoredScore })
	select {
	case out <- Event{Kind: EventFinal, NBest: rescored}:
	case <-ctx.Done():
	}
	return inputEnded, nil
}

func (d *Decoder) resetForNextUtterance() {
	d.pipeline.Reset()
	d.search.Reset()
	d.cache = model.Cache{}
	d.encoderAccum = model.Tensor{}
	d.lastPartial = nil
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func framesToTensor(frames []feature.Frame) model.Tensor {
	if len(frames) == 0 {
		return model.Tensor{}
	}
	cols := len(frames[0].Data)
	t := model.NewTensor(len(frames), cols)
	for i, f := range frames {
		copy(t.Row(i), f.Data)
	}
	return t
}

func concatRows(a, b model.Tensor) model.Tensor {
	if a.Cols == 0 {
		a.Cols = b.Cols
	}
	if b.Rows == 0 {
		return a
	}
	out := model.NewTensor(a.Rows+b.Rows, a.Cols)
	copy(out.Data, a.Data)
	copy(out.Data[len(a.Data):], b.Data)
	return out
}
