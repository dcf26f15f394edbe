package feature

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func frames(n int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{Data: []float32{float32(i)}}
	}
	return out
}

func TestReadBlocksUntilEnoughFrames(t *testing.T) {
	p := New(80)

	var got []Frame
	var ok bool
	done := make(chan struct{})
	go func() {
		got, ok = p.Read(5)
		close(done)
	}()

	// Give the reader a chance to block.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.AppendFrames(frames(3)))
	select {
	case <-done:
		t.Fatal("Read returned before enough frames were available")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.AppendFrames(frames(2)))
	<-done
	require.True(t, ok)
	require.Len(t, got, 5)
	require.Equal(t, 5, p.NumConsumed())
}

func TestReadReturnsPartialOnInputFinished(t *testing.T) {
	p := New(80)
	require.NoError(t, p.AppendFrames(frames(2)))
	p.SetInputFinished()

	got, ok := p.Read(5)
	require.True(t, ok)
	require.Len(t, got, 2)

	got, ok = p.Read(5)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestAppendAfterFinishedFails(t *testing.T) {
	p := New(80)
	p.SetInputFinished()
	err := p.AppendFrames(frames(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestResetClearsState(t *testing.T) {
	p := New(80)
	require.NoError(t, p.AppendFrames(frames(4)))
	p.SetInputFinished()
	_, _ = p.Read(4)

	p.Reset()
	require.Equal(t, 0, p.NumConsumed())
	require.Equal(t, 0, p.NumAppended())

	require.NoError(t, p.AppendFrames(frames(1)))
	p.SetInputFinished()
	got, ok := p.Read(1)
	require.True(t, ok)
	require.Len(t, got, 1)
}

func TestStopUnblocksReader(t *testing.T) {
	p := New(80)
	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok = p.Read(10)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	<-done
	require.False(t, ok)
}

// fixedSizeExtractor groups every n samples into one frame, each sample
// becoming one feature dimension — good enough to exercise the buffering
// contract without a real acoustic frontend.
type fixedSizeExtractor struct{ samplesPerFrame int }

func (e fixedSizeExtractor) Extract(samples []int16) ([]Frame, int) {
	n := len(samples) / e.samplesPerFrame
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		data := make([]float32, e.samplesPerFrame)
		for j := 0; j < e.samplesPerFrame; j++ {
			data[j] = float32(samples[i*e.samplesPerFrame+j])
		}
		out[i] = Frame{Data: data}
	}
	return out, n * e.samplesPerFrame
}

func TestAcceptWaveformExtractsCompleteFramesAndBuffersRemainder(t *testing.T) {
	p := New(4, fixedSizeExtractor{samplesPerFrame: 4})
	require.NoError(t, p.AcceptWaveform(make([]int16, 10)))
	require.Equal(t, 2, p.NumAppended())

	require.NoError(t, p.AcceptWaveform(make([]int16, 2)))
	require.Equal(t, 3, p.NumAppended())
}

func TestAcceptWaveformWithoutExtractorErrors(t *testing.T) {
	p := New(4)
	err := p.AcceptWaveform(make([]int16, 4))
	require.Error(t, err)
}

// TestAcceptWaveformBlocksWhenBacklogFull exercises the ResourceExhaustion
// backpressure rule from spec.md §7: a producer blocked on a full backlog
// unblocks once the consumer drains room, rather than growing unbounded.
func TestAcceptWaveformBlocksWhenBacklogFull(t *testing.T) {
	p := New(4, fixedSizeExtractor{samplesPerFrame: 4})
	p.SetMaxBufferedFrames(2)

	require.NoError(t, p.AppendFrames(frames(2)))

	done := make(chan struct{})
	go func() {
		require.NoError(t, p.AcceptWaveform(make([]int16, 4)))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AcceptWaveform returned before the backlog had room")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := p.Read(2)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AcceptWaveform did not unblock after Read made room")
	}
	require.Equal(t, 3, p.NumAppended())
}

// TestAcceptWaveformBlockUnblocksOnStop ensures a producer parked on a full
// backlog does not deadlock forever once the session is cancelled.
func TestAcceptWaveformBlockUnblocksOnStop(t *testing.T) {
	p := New(4, fixedSizeExtractor{samplesPerFrame: 4})
	p.SetMaxBufferedFrames(1)
	require.NoError(t, p.AppendFrames(frames(1)))

	done := make(chan struct{})
	go func() {
		require.NoError(t, p.AcceptWaveform(make([]int16, 4)))
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AcceptWaveform did not unblock after Stop")
	}
}

// TestFrameConservation exercises the invariant from spec.md §8: across any
// sequence of AcceptWaveform/Read interactions, frames consumed equals
// frames appended up to end-of-stream.
func TestFrameConservation(t *testing.T) {
	p := New(80)
	var wg sync.WaitGroup
	wg.Add(1)

	totalAppended := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			require.NoError(t, p.AppendFrames(frames(3)))
			totalAppended += 3
			time.Sleep(time.Millisecond)
		}
		p.SetInputFinished()
	}()

	totalConsumed := 0
	for {
		got, ok := p.Read(7)
		totalConsumed += len(got)
		if !ok {
			break
		}
	}
	wg.Wait()
	require.Equal(t, totalAppended, totalConsumed)
}
