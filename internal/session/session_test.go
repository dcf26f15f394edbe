package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/decoder"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/mockexec"
	"github.com/MrWong99/wenet-streaming-asr/internal/vocab"
)

func testVocab(t *testing.T) *vocab.Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dict.txt")
	lines := []string{"<blank>", "<unk>", "<sos/eos>", "hi", "there", "▁world", "friend"}
	require.NoError(t, os.WriteFile(path, []byte(joinLines(lines)), 0o644))
	vt, err := vocab.Load(path)
	require.NoError(t, err)
	return vt
}

func joinLines(lines []string) string {
	s := ""
	for _, l := range lines {
		s += l + "\n"
	}
	return s
}

func baseSessionConfig(vt *vocab.Table) Config {
	return Config{
		Decoder: decoder.Config{
			ChunkSize:             4,
			BeamSize:              8,
			FirstBeamSize:         4,
			BlankSkipThreshold:    0.999,
			TrailingSilenceFrames: 2,
			ReverseWeight:         0.3,
			CTCWeight:             0.5,
		},
		Vocab: vt,
	}
}

func drainOut(t *testing.T, out <-chan OutMessage, timeout time.Duration) []OutMessage {
	t.Helper()
	var msgs []OutMessage
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-out:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-deadline:
			return msgs
		}
	}
}

func TestStartBeforeAudioThenEndProducesFinal(t *testing.T) {
	vt := testVocab(t)
	exec := mockexec.New(8)
	out := make(chan OutMessage, 16)
	s := New(exec, baseSessionConfig(vt), out)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StartSignal{NBest: 1}))
	require.Error(t, s.Start(ctx, StartSignal{NBest: 1}))

	samples := make([]int16, 80*16) // 16 frames of featureDim(80) samples each
	require.NoError(t, s.FeedAudio(samples))
	require.NoError(t, s.End())

	s.Wait()
	close(out)
	msgs := drainOut(t, out, time.Second)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, "ok", last.Status)
	require.Equal(t, "final_result", last.Type)
}

func TestFeedAudioBeforeStartErrors(t *testing.T) {
	vt := testVocab(t)
	exec := mockexec.New(8)
	out := make(chan OutMessage, 4)
	s := New(exec, baseSessionConfig(vt), out)
	require.Error(t, s.FeedAudio(make([]int16, 10)))
	require.Error(t, s.End())
}

func TestStopUnwindsWithoutFinal(t *testing.T) {
	vt := testVocab(t)
	exec := mockexec.New(8)
	out := make(chan OutMessage, 16)
	s := New(exec, baseSessionConfig(vt), out)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StartSignal{NBest: 1}))
	s.Stop()
	s.Wait()
	close(out)

	msgs := drainOut(t, out, time.Second)
	for _, m := range msgs {
		require.NotEqual(t, "final_result", m.Type)
	}
}
