package decoder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/feature"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/mockexec"
)

func baseConfig() Config {
	return Config{
		ChunkSize:             4,
		BeamSize:              8,
		FirstBeamSize:         4,
		BlankSkipThreshold:    0.999,
		NBest:                 1,
		TrailingSilenceFrames: 2,
		ReverseWeight:         0.3,
		CTCWeight:             0.5,
	}
}

func drain(t *testing.T, out <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for decoder events")
		}
	}
}

func TestEmptyUtteranceEmitsOneFinalNoPartials(t *testing.T) {
	exec := mockexec.New(8)
	exec.EmitEvery = 0 // never emit non-blank tokens
	p := feature.New(80)
	p.SetInputFinished()

	d := New(p, exec, baseConfig())
	out := make(chan Event)
	go d.Run(context.Background(), out)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	require.Equal(t, EventFinal, events[0].Kind)
	require.Len(t, events[0].NBest, 1)
	require.Empty(t, events[0].NBest[0].Tokens)
}

func TestSingleWordEmitsPartialThenFinal(t *testing.T) {
	exec := mockexec.New(8)
	p := feature.New(80)
	frames := make([]feature.Frame, 32)
	for i := range frames {
		data := make([]float32, 80)
		for j := range data {
			data[j] = 1 // speech-level energy throughout
		}
		frames[i] = feature.Frame{Data: data}
	}
	require.NoError(t, p.AppendFrames(frames))
	p.SetInputFinished()

	d := New(p, exec, baseConfig())
	out := make(chan Event)
	go d.Run(context.Background(), out)

	events := drain(t, out, time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Kind)
	require.NotEmpty(t, last.NBest[0].Tokens)

	sawPartial := false
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventPartial, ev.Kind)
		sawPartial = true
	}
	require.True(t, sawPartial)
}

func TestCancellationUnwindsWithoutFinal(t *testing.T) {
	exec := mockexec.New(8)
	p := feature.New(80)
	d := New(p, exec, baseConfig())
	out := make(chan Event)
	go d.Run(context.Background(), out)

	time.Sleep(10 * time.Millisecond)
	d.Stop()

	events := drain(t, out, time.Second)
	for _, ev := range events {
		require.NotEqual(t, EventFinal, ev.Kind)
	}
}

func TestContinuousModeProducesTwoFinalsOnEndpoint(t *testing.T) {
	exec := mockexec.New(8)
	p := feature.New(80)
	cfg := baseConfig()
	cfg.ContinuousDecoding = true
	cfg.ChunkSize = 1 // 1*SubsamplingRate(4) raw frames per chunk read
	cfg.TrailingSilenceFrames = 3

	d := New(p, exec, cfg)
	out := make(chan Event, 16)
	go d.Run(context.Background(), out)

	speechData := make([]float32, 80)
	for i := range speechData {
		speechData[i] = 1
	}
	emitFrame := feature.Frame{Data: speechData}
	blankFrame := feature.Frame{Data: make([]float32, 80)}

	// One full chunk of speech followed by enough blank chunks to push
	// trailing silence past the threshold: exactly 5 chunks (20 raw frames),
	// so each utterance consumes cleanly with nothing left buffered.
	utterance := make([]feature.Frame, 0, 20)
	for i := 0; i < 4; i++ {
		utterance = append(utterance, emitFrame)
	}
	for i := 0; i < 16; i++ {
		utterance = append(utterance, blankFrame)
	}

	require.NoError(t, p.AppendFrames(utterance))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.AppendFrames(utterance))
	time.Sleep(100 * time.Millisecond)

	// Stop instead of ending input: ending input here would also finalize
	// the (empty) trailing utterance continuous mode always owes at
	// end-of-stream, which isn't the boundary this test is about.
	d.Stop()

	events := drain(t, out, 2*time.Second)
	finals := 0
	for _, ev := range events {
		if ev.Kind == EventFinal {
			finals++
		}
	}
	require.Equal(t, 2, finals)
}
