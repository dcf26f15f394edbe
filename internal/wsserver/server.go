// Package wsserver implements the WebSocket transport for the streaming ASR
// service: it accepts connections, frames inbound JSON/binary messages per
// spec.md §6, and hands each connection off to a session.Session. The
// read/write split and Close-draining pattern are grounded on the teacher's
// Deepgram provider session (pkg/provider/stt/deepgram/deepgram.go), mirrored
// for the server side of the same github.com/coder/websocket connection.
package wsserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/session"
)

// inSignal is the decoded form of any inbound JSON text message.
type inSignal struct {
	Signal             string `json:"signal"`
	NBest              int    `json:"nbest"`
	ContinuousDecoding bool   `json:"continuous_decoding"`
	Timestamp          bool   `json:"timestamp"`
}

type outWordPiece struct {
	Word  string `json:"word"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type outAlternative struct {
	Sentence   string         `json:"sentence"`
	WordPieces []outWordPiece `json:"word_pieces"`
}

type outMessage struct {
	Status  string           `json:"status"`
	Type    string           `json:"type,omitempty"`
	NBest   []outAlternative `json:"nbest,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Server accepts WebSocket connections and runs one session.Session per
// connection. The model executor and session.Config (decoder tunables,
// vocabulary) are shared read-only across every connection, per spec.md §3's
// ownership model.
type Server struct {
	exec   model.Executor
	sescfg session.Config
}

// New creates a Server bound to exec and the per-session configuration
// template sescfg (copied for every new connection).
func New(exec model.Executor, sescfg session.Config) *Server {
	return &Server{exec: exec, sescfg: sescfg}
}

// ServeHTTP upgrades the request to a WebSocket connection and drives one
// session until the client disconnects (spec.md §4.8).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("wsserver: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	out := make(chan session.OutMessage, 16)
	sess := session.New(s.exec, s.sescfg, out)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(ctx, conn, out)
	}()

	readLoop(ctx, conn, sess)

	sess.Stop()
	sess.Wait()
	close(out)
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// readLoop receives frames from the client and dispatches them to sess,
// returning once the connection closes or a transport error occurs
// (spec.md §7's TransportError: closes the one affected socket, nothing
// more).
func readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			if err := handleText(ctx, sess, data); err != nil {
				slog.Warn("wsserver: dropping malformed text frame", "err", err)
			}
		case websocket.MessageBinary:
			if err := sess.FeedAudio(bytesToPCM(data)); err != nil {
				slog.Warn("wsserver: feed audio failed", "err", err)
			}
		}
	}
}

func handleText(ctx context.Context, sess *session.Session, data []byte) error {
	var sig inSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return fmt.Errorf("unmarshal signal: %w", err)
	}
	switch sig.Signal {
	case "start":
		return sess.Start(ctx, session.StartSignal{
			NBest:              sig.NBest,
			ContinuousDecoding: sig.ContinuousDecoding,
			Timestamp:          sig.Timestamp,
		})
	case "end":
		return sess.End()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSignal, sig.Signal)
	}
}

// writeLoop serializes every OutMessage sess publishes and writes it as a
// JSON text frame, draining out until it is closed.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan session.OutMessage) {
	for msg := range out {
		payload, err := json.Marshal(toWireMessage(msg))
		if err != nil {
			slog.Error("wsserver: marshal result failed", "err", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}
	}
}

func toWireMessage(msg session.OutMessage) outMessage {
	wm := outMessage{Status: msg.Status, Type: msg.Type, Message: msg.Message}
	for _, alt := range msg.NBest {
		oa := outAlternative{Sentence: alt.Sentence}
		for _, wp := range alt.WordPieces {
			oa.WordPieces = append(oa.WordPieces, outWordPiece{Word: wp.Word, Start: wp.Start, End: wp.End})
		}
		wm.NBest = append(wm.NBest, oa)
	}
	return wm
}

// bytesToPCM reinterprets a little-endian 16-bit PCM binary frame
// (spec.md §6) as a sample slice, truncating any trailing odd byte.
func bytesToPCM(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// ErrUnsupportedSignal is returned by handleText for any signal other than
// "start"/"end" — retained as a sentinel for callers that want to
// distinguish it from a malformed-JSON error.
var ErrUnsupportedSignal = errors.New("wsserver: unsupported signal")
