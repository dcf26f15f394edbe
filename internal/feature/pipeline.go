// Package feature implements the buffered producer/consumer pipeline that
// sits between the audio-frontend thread (the producer, writing acoustic
// frames as PCM arrives) and the decoder thread (the single consumer).
//
// [Pipeline] is intentionally simple: a mutex-and-condvar-guarded slice of
// frames plus an input-finished flag, matching spec.md §3 and §4.1 exactly.
// It supports exactly one reader; concurrent Read calls are not supported,
// mirroring the teacher's session goroutines which confine all mutable
// buffering state to a single owning goroutine.
package feature

import (
	"errors"
	"sync"
)

// ErrClosed is returned by AcceptWaveform/AppendFrames once the pipeline has
// been marked finished with SetInputFinished; Reset reopens it.
var ErrClosed = errors.New("feature: pipeline is closed")

// defaultMaxBufferedFrames bounds how many extracted frames may sit unread
// before AcceptWaveform/AppendFrames block their caller — the
// ResourceExhaustion backpressure rule of spec.md §7 ("reader thread blocks
// until C1 has room"), rather than letting the backlog grow without limit.
const defaultMaxBufferedFrames = 4096

// Frame is one extracted acoustic feature frame.
type Frame struct {
	Data []float32
}

// Extractor turns raw 16-bit PCM samples into acoustic frames. It is the
// seam for the black-box audio frontend spec.md §1 places out of scope:
// Pipeline only needs to know how many input samples each emitted frame
// consumed, so it can retain any leftover, not-yet-a-full-frame tail.
type Extractor interface {
	// Extract consumes a prefix of samples and returns the frames it could
	// produce plus how many samples that took. Leftover samples (fewer than
	// one frame's worth) must be left unconsumed.
	Extract(samples []int16) (framesOut []Frame, consumed int)
}

// Pipeline is the C1 FrameBuffer: an append-only, single-reader queue of
// Frames plus the input-finished flag and consumption cursor described in
// spec.md §3.
//
// All exported methods are safe for concurrent use between exactly one
// writer goroutine (AcceptWaveform/SetInputFinished) and exactly one reader
// goroutine (Read). Reset must only be called when no Read is in flight
// (the streaming decoder calls it between utterances, after draining).
type Pipeline struct {
	featureDim int
	extractor  Extractor

	mu            sync.Mutex
	cond          *sync.Cond
	frames        []Frame
	numConsumed   int
	inputFinished bool
	// stopped, once set, makes Read return immediately with ok=false even if
	// more frames could still arrive — used for session cancellation.
	stopped bool

	// pcmBuf accumulates raw samples that have not yet formed a complete
	// frame, fed to extractor on the next AcceptWaveform call.
	pcmBuf []int16

	// maxBuffered bounds the unread backlog (len(frames)-numConsumed);
	// enqueue blocks the producer once it is reached.
	maxBuffered int
}

// New creates an empty Pipeline for frames of the given feature dimension.
// extractor may be nil if the caller only ever pushes pre-extracted frames
// via AppendFrames.
func New(featureDim int, extractor ...Extractor) *Pipeline {
	p := &Pipeline{featureDim: featureDim, maxBuffered: defaultMaxBufferedFrames}
	if len(extractor) > 0 {
		p.extractor = extractor[0]
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetMaxBufferedFrames overrides the default backlog bound enqueue blocks
// against. Must be called before the pipeline is shared with a producer.
func (p *Pipeline) SetMaxBufferedFrames(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBuffered = n
	p.cond.Broadcast()
}

// AcceptWaveform appends raw PCM samples, extracts as many complete frames
// as the configured Extractor allows, and notifies waiters — the
// AcceptWaveform operation of spec.md §4.1. It blocks the calling producer
// thread while the unread backlog is already at capacity (spec.md §7's
// ResourceExhaustion backpressure), waking early and returning without
// enqueuing if Stop fires while blocked.
func (p *Pipeline) AcceptWaveform(samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputFinished {
		return ErrClosed
	}
	if p.extractor == nil {
		return errors.New("feature: AcceptWaveform requires an Extractor")
	}
	p.pcmBuf = append(p.pcmBuf, samples...)
	extracted, consumed := p.extractor.Extract(p.pcmBuf)
	p.pcmBuf = p.pcmBuf[consumed:]
	if len(extracted) == 0 {
		return nil
	}
	return p.enqueue(extracted)
}

// AppendFrames appends zero or more already-extracted frames directly to
// the buffer, bypassing the Extractor. Like AcceptWaveform, it blocks the
// caller while the backlog is at capacity.
func (p *Pipeline) AppendFrames(frames []Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputFinished {
		return ErrClosed
	}
	if len(frames) == 0 {
		return nil
	}
	return p.enqueue(frames)
}

// enqueue appends frames to the backlog under the held lock, blocking on
// cond while len(p.frames)-p.numConsumed+len(frames) would exceed
// maxBuffered. Read's cursor advance and Reset both broadcast to wake
// blocked producers as room frees up; Stop wakes them too, in which case
// enqueue gives up and returns without appending.
func (p *Pipeline) enqueue(frames []Frame) error {
	for {
		if p.stopped {
			return nil
		}
		if len(p.frames)-p.numConsumed+len(frames) <= p.maxBuffered {
			break
		}
		p.cond.Wait()
	}
	p.frames = append(p.frames, frames...)
	p.cond.Broadcast()
	return nil
}

// SetInputFinished marks the utterance as fully delivered and wakes all
// waiters. Idempotent.
func (p *Pipeline) SetInputFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputFinished = true
	p.cond.Broadcast()
}

// Stop unblocks any in-flight or future Read call so the decoder goroutine
// can unwind on session cancellation (spec.md §5, "Cancellation").
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.cond.Broadcast()
}

// Read blocks until either n frames are available past the consumption
// cursor, input is finished, or Stop has been called. It returns up to n
// frames and advances the cursor by exactly that many under the lock.
//
// ok is false iff the buffer is drained (no unread frames remain) and the
// pipeline is finished or stopped — this is the sole "no more data, ever"
// signal the decoder should use to end kWaitingFeats.
func (p *Pipeline) Read(n int) (frames []Frame, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		available := len(p.frames) - p.numConsumed
		if available >= n || (p.inputFinished && available > 0) || p.stopped {
			break
		}
		if p.inputFinished && available == 0 {
			return nil, false
		}
		p.cond.Wait()
	}

	if p.stopped {
		available := len(p.frames) - p.numConsumed
		if available == 0 {
			return nil, false
		}
	}

	available := len(p.frames) - p.numConsumed
	take := n
	if take > available {
		take = available
	}
	out := make([]Frame, take)
	copy(out, p.frames[p.numConsumed:p.numConsumed+take])
	p.numConsumed += take
	if take > 0 {
		p.cond.Broadcast()
	}
	return out, true
}

// Reset drops the already-consumed prefix, clears input_finished and
// stopped, and rewinds the consumption cursor to 0. Called between
// utterances when continuous decoding is enabled (spec.md §4.1).
//
// Any frames appended but not yet consumed are retained: in continuous
// mode the underlying PCM is one unbroken stream, so audio for the next
// utterance may already be buffered ahead of the endpoint the decoder just
// reacted to. Discarding it would silently drop the start of the next
// utterance.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.frames[p.numConsumed:]
	p.frames = append([]Frame(nil), remaining...)
	p.numConsumed = 0
	p.inputFinished = false
	p.stopped = false
	p.pcmBuf = nil
	p.cond.Broadcast()
}

// NumConsumed reports how many frames have been handed to the reader so
// far — exposed for the frame-conservation invariant in spec.md §8.
func (p *Pipeline) NumConsumed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numConsumed
}

// NumAppended reports how many frames have been appended so far.
func (p *Pipeline) NumAppended() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// FeatureDim returns the configured frame dimensionality.
func (p *Pipeline) FeatureDim() int {
	return p.featureDim
}

// Stopped reports whether Stop has been called.
func (p *Pipeline) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// PassthroughExtractor groups every featureDim raw PCM samples into one
// frame, normalizing each int16 sample to [-1, 1]. It stands in for the real
// acoustic frontend (log-mel filterbank extraction, spec.md §1 places out of
// scope) so a Session has a working Extractor to wire by default.
type PassthroughExtractor struct {
	featureDim int
}

// NewPassthroughExtractor creates a PassthroughExtractor producing frames of
// the given dimension.
func NewPassthroughExtractor(featureDim int) PassthroughExtractor {
	return PassthroughExtractor{featureDim: featureDim}
}

func (e PassthroughExtractor) Extract(samples []int16) ([]Frame, int) {
	n := len(samples) / e.featureDim
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		data := make([]float32, e.featureDim)
		for j := 0; j < e.featureDim; j++ {
			data[j] = float32(samples[i*e.featureDim+j]) / 32768.0
		}
		out[i] = Frame{Data: data}
	}
	return out, n * e.featureDim
}
