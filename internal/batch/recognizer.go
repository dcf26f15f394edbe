// Package batch implements the non-streaming, multi-utterance recognition
// path (C7): pad a batch of feature matrices to a common length, run one
// batched encoder forward, search each utterance's CTC log-probabilities
// independently, then rescore each utterance's N-best with its own
// attention-decoder call (no single decoder call spans several utterances),
// per spec.md §4.7.
package batch

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	ctxgraph "github.com/MrWong99/wenet-streaming-asr/internal/context"
	"github.com/MrWong99/wenet-streaming-asr/internal/ctc"
	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/rescore"
	"github.com/MrWong99/wenet-streaming-asr/internal/resilience"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// Config mirrors the searcher/rescoring knobs a streaming decoder would use
// for the same utterances, so batch and streaming runs stay comparable.
type Config struct {
	BeamSize           int
	FirstBeamSize      int
	BlankSkipThreshold float64
	ContextGraph       *ctxgraph.Graph

	NBest         int
	ReverseWeight float64
	CTCWeight     float64
}

// Recognizer is the C7 Batch Recognizer. It holds no per-call state and is
// safe to reuse (and call concurrently) across batches — the executor it
// wraps is the only shared resource, per spec.md §4.2's thread-safety
// contract.
type Recognizer struct {
	exec    model.Executor
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New creates a Recognizer bound to exec.
func New(exec model.Executor, cfg Config) *Recognizer {
	return &Recognizer{
		exec:    exec,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "model_executor_batch"}),
	}
}

// Utterance is one item of a batch request: a feature matrix (feature_dim
// columns, any number of frames) with no manual padding — Recognize pads for
// the caller.
type Utterance struct {
	Feats model.Tensor
}

// Result is one utterance's N-best list.
type Result struct {
	NBest []asr.Hypothesis
	Err   error
}

// Recognize pads utts to the batch's max frame count, runs one batched
// encoder forward, then fans out per-utterance CTC search, then rescores
// the utterances one after another, one attention-decoder call each. The
// returned slice has one Result per input utterance, in order.
func (r *Recognizer) Recognize(ctx context.Context, utts []Utterance) ([]Result, error) {
	if len(utts) == 0 {
		return nil, nil
	}

	maxRows := 0
	for _, u := range utts {
		if u.Feats.Rows > maxRows {
			maxRows = u.Feats.Rows
		}
	}
	feats := make([]model.Tensor, len(utts))
	lens := make([]int, len(utts))
	for i, u := range utts {
		padded := model.NewTensor(maxRows, u.Feats.Cols)
		copy(padded.Data, u.Feats.Data)
		feats[i] = padded
		lens[i] = u.Feats.Rows
	}

	var encOut []model.Tensor
	var encLens []int
	var ctcLogp [][][]float64
	err := r.breaker.Execute(func() error {
		var berr error
		encOut, encLens, ctcLogp, berr = r.exec.BatchForwardEncoder(ctx, feats, lens)
		return berr
	})
	if err != nil {
		return nil, fmt.Errorf("batch: batch_forward_encoder: %w", err)
	}

	nbests := make([][]asr.Hypothesis, len(utts))
	var g errgroup.Group
	for i := range utts {
		i := i
		g.Go(func() error {
			search := ctc.New(ctc.Config{
				BeamSize:           r.cfg.BeamSize,
				FirstBeamSize:      r.cfg.FirstBeamSize,
				BlankSkipThreshold: r.cfg.BlankSkipThreshold,
				ContextGraph:       r.cfg.ContextGraph,
			})
			search.Step(ctcLogp[i][:encLens[i]])
			nbests[i] = search.Finalize(r.cfg.NBest)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, len(utts))
	for i, nbest := range nbests {
		var rescored []asr.Hypothesis
		rerr := r.breaker.Execute(func() error {
			var err error
			rescored, err = rescore.Rescore(ctx, r.exec, nbest, encOut[i], r.cfg.ReverseWeight)
			return err
		})
		if rerr != nil {
			results[i] = Result{Err: fmt.Errorf("batch: rescore utterance %d: %w", i, rerr)}
			continue
		}
		for j := range rescored {
			rescored[j].RescoredScore = rescore.Fuse(rescored[j].Score, rescored[j].RescoredScore, r.cfg.CTCWeight)
		}
		sort.SliceStable(rescored, func(a, b int) bool { return rescored[a].RescoredScore > rescored[b].RescoredScore })
		results[i] = Result{NBest: rescored}
	}
	return results, nil
}
