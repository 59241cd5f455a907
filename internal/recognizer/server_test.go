package recognizer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/pkg/protocol"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
	"github.com/MrWong99/kaiwa/pkg/provider/stt/mock"
)

func dialTestServer(t *testing.T, model *mock.Model) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := NewServer(NewModels("default", model), NewPool(2, 4, nil), protocol.DefaultSessionConfig())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, ctx
}

func readResponse(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Response {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("response type = %v, want text", typ)
	}
	resp, err := protocol.ParseResponse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return resp
}

func TestServer_ConfigAudioEOF(t *testing.T) {
	t.Parallel()

	model := &mock.Model{Template: mock.Recognizer{
		Partial:   "こんに",
		Utterance: stt.Utterance{Text: "こんにちは"},
	}}
	conn, ctx := dialTestServer(t, model)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"config": {"sample_rate": 8000}}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
	if r := readResponse(t, ctx, conn); r.Kind() != protocol.Partial || r.Transcript() != "こんに" {
		t.Errorf("first response = %+v, want partial", r)
	}

	if err := conn.Write(ctx, websocket.MessageText, protocol.EOFMessage); err != nil {
		t.Fatal(err)
	}
	r := readResponse(t, ctx, conn)
	if r.Kind() != protocol.Stop || r.Transcript() != "こんにちは" {
		t.Errorf("eof response = %+v, want stop with text", r)
	}

	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
	if cfg := model.Configs[0]; cfg.SampleRate != 8000 {
		t.Errorf("recognizer rate = %v, want 8000", cfg.SampleRate)
	}
}

func TestServer_ResetKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	conn, ctx := dialTestServer(t, &mock.Model{})
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageText, protocol.ResetMessage); err != nil {
			t.Fatal(err)
		}
		if r := readResponse(t, ctx, conn); r.Kind() != protocol.Final || r.Transcript() != "" {
			t.Errorf("reset response = %+v, want empty final", r)
		}
	}
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	readResponse(t, ctx, conn)
}

func TestServer_DecodeFailureClosesWithError(t *testing.T) {
	t.Parallel()

	conn, ctx := dialTestServer(t, &mock.Model{Template: mock.Recognizer{AcceptErr: errors.New("decoder crashed")}})
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Errorf("close status = %v, want internal error", got)
	}
}
