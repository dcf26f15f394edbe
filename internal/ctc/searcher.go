// Package ctc implements the CTC prefix-beam searcher (C4): the core
// per-frame algorithm that turns a stream of CTC output distributions into a
// beam of distinct, scored token-sequence hypotheses, per spec.md §4.4.
package ctc

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/MrWong99/wenet-streaming-asr/internal/context"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// Config holds the tunables spec.md §4.4 lists for the searcher.
type Config struct {
	BeamSize           int
	FirstBeamSize      int
	BlankSkipThreshold float64
	ContextGraph       *context.Graph
}

// entry is one PrefixEntry: a distinct token sequence and its two score
// accumulators, context-graph position, per-token emission timestamps, and
// the trailing-blank bookkeeping the streaming decoder's endpoint rule reads.
type entry struct {
	tokens        []int
	scoreBlank    float64
	scoreNonBlank float64
	ctx           context.State
	times         []int // one frame index per token, earliest non-blank emission

	blankRun            int  // consecutive blank-path frames since this sequence's last non-blank emission
	lastNonBlankFrame    int  // frame index of the last non-blank emission, -1 if none yet
	sawNonBlankThisFrame bool // internal: guards blankRun bookkeeping during a single frame's merge
}

func (e *entry) composite() float64 {
	return asr.LogAdd(e.scoreBlank, e.scoreNonBlank)
}

// Searcher is the C4 CTC Prefix Beam Searcher. It is not safe for concurrent
// use: a Session owns exactly one Searcher per utterance, matching spec.md
// §3's ownership model.
type Searcher struct {
	cfg   Config
	beam  map[string]*entry
	frame int
}

// New creates a Searcher ready to accept CTC log-probability frames.
func New(cfg Config) *Searcher {
	s := &Searcher{cfg: cfg}
	s.Reset()
	return s
}

// Reset clears the beam to a single empty-prefix entry, per spec.md §4.4.
func (s *Searcher) Reset() {
	s.beam = map[string]*entry{
		"": {
			tokens:            nil,
			scoreBlank:        0,
			scoreNonBlank:     asr.NegInf,
			ctx:               context.RootState(),
			lastNonBlankFrame: -1,
		},
	}
	s.frame = 0
}

// Step feeds one chunk of CTC log-probabilities, shape (T, V), through the
// per-frame update rule, advancing the internal frame counter by T.
func (s *Searcher) Step(logp [][]float64) {
	for _, row := range logp {
		s.stepFrame(row)
		s.frame++
	}
}

func (s *Searcher) stepFrame(logp []float64) {
	maxIdx, maxLogp := 0, logp[0]
	for i, v := range logp {
		if v > maxLogp {
			maxIdx, maxLogp = i, v
		}
	}
	if maxIdx == asr.BlankID && math.Exp(maxLogp) > s.cfg.BlankSkipThreshold {
		for _, e := range s.beam {
			e.blankRun++
		}
		return
	}

	candidates := topCandidates(logp, s.cfg.FirstBeamSize)
	next := make(map[string]*entry, len(s.beam))

	for _, e := range s.beam {
		for _, c := range candidates {
			switch {
			case c.id == asr.BlankID:
				s.applyBlank(next, e, c.logp)
			case len(e.tokens) > 0 && c.id == e.tokens[len(e.tokens)-1]:
				s.applyRepeat(next, e, c.id, c.logp)
			default:
				s.applyNewToken(next, e, c.id, c.logp)
			}
		}
	}

	// A sequence's trailing-blank run restarts only when its non-blank paths
	// outweigh its blank paths in this frame.
	for _, e := range next {
		if e.sawNonBlankThisFrame && e.scoreNonBlank >= e.scoreBlank {
			e.blankRun = 0
			e.lastNonBlankFrame = s.frame
		}
	}

	s.beam = prune(next, s.cfg.BeamSize)
}

func (s *Searcher) applyBlank(next map[string]*entry, e *entry, logp float64) {
	ne := getOrCreate(next, e.tokens, e.ctx, e.times)
	local := asr.LogAdd(e.scoreBlank+logp, e.scoreNonBlank+logp)
	ne.scoreBlank = asr.LogAdd(ne.scoreBlank, local)
	ne.blankRun = e.blankRun + 1
	ne.lastNonBlankFrame = e.lastNonBlankFrame
}

func (s *Searcher) applyRepeat(next map[string]*entry, e *entry, token int, logp float64) {
	// (a) same prefix, repeat collapsed via direct non-blank transition.
	same := getOrCreate(next, e.tokens, e.ctx, e.times)
	same.scoreNonBlank = asr.LogAdd(same.scoreNonBlank, e.scoreNonBlank+logp)
	markNonBlank(same)

	// (b) a new prefix where the repeat is separated by an implicit blank.
	newTokens := appendToken(e.tokens, token)
	newCtx, delta := s.cfg.ContextGraph.Query(e.ctx, token)
	newTimes := appendToken(e.times, s.frame)
	nw := getOrCreate(next, newTokens, newCtx, newTimes)
	nw.scoreNonBlank = asr.LogAdd(nw.scoreNonBlank, e.scoreBlank+logp+delta)
	markNonBlank(nw)
}

func (s *Searcher) applyNewToken(next map[string]*entry, e *entry, token int, logp float64) {
	newTokens := appendToken(e.tokens, token)
	newCtx, delta := s.cfg.ContextGraph.Query(e.ctx, token)
	newTimes := appendToken(e.times, s.frame)
	ne := getOrCreate(next, newTokens, newCtx, newTimes)
	local := asr.LogAdd(e.scoreBlank+logp, e.scoreNonBlank+logp) + delta
	ne.scoreNonBlank = asr.LogAdd(ne.scoreNonBlank, local)
	markNonBlank(ne)
}

func markNonBlank(e *entry) {
	e.sawNonBlankThisFrame = true
}

func getOrCreate(next map[string]*entry, tokens []int, ctx context.State, times []int) *entry {
	k := key(tokens)
	if e, ok := next[k]; ok {
		minTimes(e.times, times)
		return e
	}
	e := &entry{
		tokens:            tokens,
		ctx:               ctx,
		times:             times,
		scoreBlank:        asr.NegInf,
		scoreNonBlank:     asr.NegInf,
		lastNonBlankFrame: -1,
	}
	next[k] = e
	return e
}

// minTimes reconciles two timestamp slices for the same prefix arriving via
// different merge paths in the same frame, keeping the element-wise minimum
// (earliest frame) in place, per spec.md §4.4's earliest-frame rule.
func minTimes(dst, src []int) {
	for i := range dst {
		if i < len(src) && src[i] < dst[i] {
			dst[i] = src[i]
		}
	}
}

func appendToken(tokens []int, t int) []int {
	out := make([]int, len(tokens)+1)
	copy(out, tokens)
	out[len(tokens)] = t
	return out
}

func key(tokens []int) string {
	b := make([]byte, 0, len(tokens)*2)
	for _, t := range tokens {
		b = binary.AppendVarint(b, int64(t))
	}
	return string(b)
}

type candidate struct {
	id   int
	logp float64
}

func topCandidates(logp []float64, k int) []candidate {
	idx := make([]int, len(logp))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return logp[idx[i]] > logp[idx[j]] })
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]candidate, k)
	for i := 0; i < k; i++ {
		out[i] = candidate{id: idx[i], logp: logp[idx[i]]}
	}
	return out
}

func prune(beam map[string]*entry, beamSize int) map[string]*entry {
	keys := make([]string, 0, len(beam))
	for k := range beam {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ei, ej := beam[keys[i]], beam[keys[j]]
		ci, cj := ei.composite(), ej.composite()
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	if beamSize > 0 && len(keys) > beamSize {
		keys = keys[:beamSize]
	}
	out := make(map[string]*entry, len(keys))
	for _, k := range keys {
		out[k] = beam[k]
	}
	return out
}

// Size returns the number of distinct prefixes currently in the beam.
func (s *Searcher) Size() int { return len(s.beam) }

// TopState reports bookkeeping about the current best-scoring prefix, used
// by the streaming decoder's endpoint rule (spec.md §4.5).
type TopState struct {
	HasNonBlank       bool
	TrailingBlanks    int
	FramesSinceActive int
	Frame             int
}

// Top returns the current best prefix's endpoint-relevant state.
func (s *Searcher) Top() TopState {
	best := s.best()
	if best == nil {
		return TopState{Frame: s.frame}
	}
	since := s.frame - best.lastNonBlankFrame
	if best.lastNonBlankFrame < 0 {
		since = -1
	}
	return TopState{
		HasNonBlank:       len(best.tokens) > 0,
		TrailingBlanks:    best.blankRun,
		FramesSinceActive: since,
		Frame:             s.frame,
	}
}

func (s *Searcher) best() *entry {
	var best *entry
	for _, e := range s.beam {
		if best == nil || e.composite() > best.composite() {
			best = e
		}
	}
	return best
}

// Partial returns the current top hypothesis without mutating the beam —
// used for partial-result emission (spec.md §4.5).
func (s *Searcher) Partial() asr.Hypothesis {
	best := s.best()
	if best == nil {
		return asr.Hypothesis{}
	}
	return toHypothesis(best)
}

// Finalize returns up to nbest hypotheses sorted by composite score,
// without mutating the beam (spec.md §4.4's Finalize()).
func (s *Searcher) Finalize(nbest int) []asr.Hypothesis {
	keys := make([]string, 0, len(s.beam))
	for k := range s.beam {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ei, ej := s.beam[keys[i]], s.beam[keys[j]]
		ci, cj := ei.composite(), ej.composite()
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	if nbest > 0 && len(keys) > nbest {
		keys = keys[:nbest]
	}
	out := make([]asr.Hypothesis, len(keys))
	for i, k := range keys {
		out[i] = toHypothesis(s.beam[k])
	}
	return out
}

func toHypothesis(e *entry) asr.Hypothesis {
	tokens := make([]int, len(e.tokens))
	copy(tokens, e.tokens)
	times := make([]int, len(e.times))
	copy(times, e.times)
	return asr.Hypothesis{Tokens: tokens, Score: e.composite(), Times: times}
}
