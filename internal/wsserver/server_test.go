package wsserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/decoder"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/mockexec"
	"github.com/MrWong99/wenet-streaming-asr/internal/session"
	"github.com/MrWong99/wenet-streaming-asr/internal/vocab"
)

func testVocab(t *testing.T) *vocab.Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dict.txt")
	require.NoError(t, os.WriteFile(path, []byte("<blank>\n<unk>\n<sos/eos>\nhi\nthere\n"), 0o644))
	vt, err := vocab.Load(path)
	require.NoError(t, err)
	return vt
}

func TestServerRoundTripEmptyUtterance(t *testing.T) {
	vt := testVocab(t)
	exec := mockexec.New(8)
	srv := New(exec, session.Config{
		Vocab: vt,
		Decoder: decoder.Config{
			ChunkSize:             4,
			BeamSize:              8,
			FirstBeamSize:         4,
			BlankSkipThreshold:    0.999,
			TrailingSilenceFrames: 2,
		},
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	start, err := json.Marshal(map[string]any{"signal": "start", "nbest": 1})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, start))

	end, err := json.Marshal(map[string]any{"signal": "end"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, end))

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)

	var decoded outMessage
	require.NoError(t, json.Unmarshal(msg, &decoded))
	require.Equal(t, "ok", decoded.Status)
	require.Equal(t, "final_result", decoded.Type)
}
