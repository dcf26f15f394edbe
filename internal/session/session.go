// Package session implements the Session / Connection Handler (C8): it maps
// one client connection onto one streaming decoder, translating inbound wire
// messages into decoder control calls and outbound decoder events into wire
// messages, per spec.md §4.8. The transport itself (WebSocket framing) lives
// in internal/wsserver; this package only knows about decoded messages and
// raw PCM, grounded on the teacher's deepgram provider's readLoop/writeLoop
// split between a transport-facing goroutine and a decode-facing one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/wenet-streaming-asr/internal/decoder"
	"github.com/MrWong99/wenet-streaming-asr/internal/feature"
	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/vocab"
	"github.com/MrWong99/wenet-streaming-asr/pkg/asr"
)

// DecodeError wraps a per-utterance decode failure (spec.md §7): it never
// tears down the session, only the one affected utterance.
type DecodeError struct {
	UtteranceSeq int
	Cause        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("session: utterance %d: %v", e.UtteranceSeq, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// StartSignal is the decoded form of the client's opening `{"signal":"start",...}`
// message (spec.md §6).
type StartSignal struct {
	NBest              int
	ContinuousDecoding bool
	Timestamp          bool
}

// WordPiece is one rendered word with its frame-span timestamps, the
// `word_pieces` entry of spec.md §6's result payload.
type WordPiece struct {
	Word  string
	Start int
	End   int
}

// ResultAlternative is one nbest entry of a partial_result/final_result
// message.
type ResultAlternative struct {
	Sentence   string
	WordPieces []WordPiece
}

// OutMessage is the data form of everything Session ever sends to the
// transport: the wsserver package is responsible only for its JSON encoding.
type OutMessage struct {
	Status  string // "ok" or "failed"
	Type    string // "partial_result" or "final_result", empty when Status=="failed"
	NBest   []ResultAlternative
	Message string // populated when Status=="failed"
}

// Config holds the decode tunables a Session passes through to every
// decoder.Decoder it creates, plus the shared, read-only vocabulary used to
// render hypotheses into text.
type Config struct {
	Decoder decoder.Config
	Vocab   *vocab.Table
	// Extractor turns raw PCM into acoustic frames. Nil selects
	// feature.PassthroughExtractor, a placeholder for the real DSP frontend
	// spec.md §1 places out of scope.
	Extractor feature.Extractor
}

// Session owns one FrameBuffer/Decoder pair for the lifetime of one client
// connection (spec.md §3's Session ownership model). A Session is not safe
// for concurrent Start/Feed/End/Stop calls from multiple goroutines — the
// transport layer is expected to serialize inbound messages the way a single
// WebSocket connection naturally does.
type Session struct {
	exec model.Executor
	cfg  Config

	mu           sync.Mutex
	pipeline     *feature.Pipeline
	dec          *decoder.Decoder
	events       chan decoder.Event
	utteranceSeq int
	started      bool

	stopped atomic.Bool
	out     chan<- OutMessage

	wg sync.WaitGroup
}

// New creates a Session that publishes OutMessages to out. out should be
// buffered or drained promptly — Session blocks sending to it the same way
// the teacher's Deepgram session blocks on its partials/finals channels.
func New(exec model.Executor, cfg Config, out chan<- OutMessage) *Session {
	return &Session{exec: exec, cfg: cfg, out: out}
}

// Start begins a new utterance stream (spec.md §6's "start" signal). Calling
// Start a second time on the same Session is always an error; in continuous
// mode the one decoder started here goes on to every later utterance.
func (s *Session) Start(ctx context.Context, sig StartSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session: start received while an utterance is already in progress")
	}

	dcfg := s.cfg.Decoder
	if sig.NBest > 0 {
		dcfg.NBest = sig.NBest
	}
	if dcfg.NBest <= 0 {
		dcfg.NBest = 1
	}
	dcfg.TimestampEnabled = dcfg.TimestampEnabled || sig.Timestamp
	dcfg.ContinuousDecoding = dcfg.ContinuousDecoding || sig.ContinuousDecoding

	dim := s.exec.Metadata().FeatureDim
	extractor := s.cfg.Extractor
	if extractor == nil {
		extractor = feature.NewPassthroughExtractor(dim)
	}
	s.pipeline = feature.New(dim, extractor)
	s.dec = decoder.New(s.pipeline, s.exec, dcfg)
	s.events = make(chan decoder.Event, 8)
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dec.Run(ctx, s.events)
	}()
	go func() {
		defer s.wg.Done()
		s.publishEvents(ctx)
	}()
	return nil
}

// FeedAudio forwards one binary frame of little-endian 16-bit PCM samples to
// the feature pipeline.
func (s *Session) FeedAudio(samples []int16) error {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p == nil {
		return errors.New("session: audio received before start")
	}
	if err := p.AcceptWaveform(samples); err != nil {
		return fmt.Errorf("session: accept_waveform: %w", err)
	}
	return nil
}

// End flushes the current utterance (spec.md §6's "end" signal): marks input
// finished so the decoder emits its final result and (for non-continuous
// sessions) terminates.
func (s *Session) End() error {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p == nil {
		return errors.New("session: end received before start")
	}
	p.SetInputFinished()
	return nil
}

// Stop requests cancellation (spec.md §5): the decoder unwinds without
// emitting a further final. Safe to call multiple times and from another
// goroutine (the transport's disconnect handler).
func (s *Session) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.mu.Lock()
		dec := s.dec
		s.mu.Unlock()
		if dec != nil {
			dec.Stop()
		}
	}
}

// Wait blocks until the decoder and publishing goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// publishEvents translates decoder.Events into OutMessages, rendering
// hypotheses through the shared vocabulary and tracking the per-utterance
// sequence number DecodeError carries for structured logging.
func (s *Session) publishEvents(ctx context.Context) {
	for ev := range s.events {
		switch ev.Kind {
		case decoder.EventPartial:
			s.send(ctx, OutMessage{Status: "ok", Type: "partial_result", NBest: s.render(ev.NBest)})
		case decoder.EventFinal:
			s.mu.Lock()
			s.utteranceSeq++
			s.mu.Unlock()
			s.send(ctx, OutMessage{Status: "ok", Type: "final_result", NBest: s.render(ev.NBest)})
		case decoder.EventError:
			s.mu.Lock()
			seq := s.utteranceSeq
			s.mu.Unlock()
			derr := &DecodeError{UtteranceSeq: seq, Cause: ev.Err}
			s.send(ctx, OutMessage{Status: "failed", Message: derr.Error()})
		}
	}
}

func (s *Session) send(ctx context.Context, msg OutMessage) {
	select {
	case s.out <- msg:
	case <-ctx.Done():
	}
}

// render converts decoder hypotheses into wire-ready alternatives, merging
// contiguous word-piece-continuation tokens into words per SPEC_FULL.md §11.2.
func (s *Session) render(nbest []asr.Hypothesis) []ResultAlternative {
	out := make([]ResultAlternative, len(nbest))
	for i, h := range nbest {
		out[i] = ResultAlternative{
			Sentence:   vocab.Render(s.cfg.Vocab, h.Tokens),
			WordPieces: mergeWordPieces(s.cfg.Vocab, h),
		}
	}
	return out
}

func mergeWordPieces(vt *vocab.Table, h asr.Hypothesis) []WordPiece {
	var words []WordPiece
	for i, id := range h.Tokens {
		tok := vt.Token(id)
		start, end := 0, 0
		if i < len(h.Times) {
			start, end = h.Times[i], h.Times[i]
		}
		continuation := i > 0 && !startsWithWordMarker(tok)
		if continuation && len(words) > 0 {
			words[len(words)-1].End = end
			continue
		}
		words = append(words, WordPiece{Word: stripWordMarker(tok), Start: start, End: end})
	}
	return words
}

func startsWithWordMarker(tok string) bool {
	return len(tok) >= len(vocab.WordPieceContinuationPrefix) && tok[:len(vocab.WordPieceContinuationPrefix)] == vocab.WordPieceContinuationPrefix
}

func stripWordMarker(tok string) string {
	if startsWithWordMarker(tok) {
		return tok[len(vocab.WordPieceContinuationPrefix):]
	}
	return tok
}
