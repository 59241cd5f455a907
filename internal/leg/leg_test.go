package leg

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/internal/recognizer"
	"github.com/MrWong99/kaiwa/pkg/protocol"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
	"github.com/MrWong99/kaiwa/pkg/provider/stt/mock"
)

// wsServer runs handle for every accepted connection. n is the 1-based
// connection number. Connections beyond maxConns are refused with 503 when
// maxConns > 0.
func wsServer(t *testing.T, maxConns int32, handle func(ctx context.Context, n int32, c *websocket.Conn)) (url string, conns *atomic.Int32) {
	t.Helper()
	conns = &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if maxConns > 0 && n > maxConns {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handle(r.Context(), n, c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoReplies answers every text message with "re: <text>".
func echoReplies(ctx context.Context, c *websocket.Conn) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte("re: "+string(data))); err != nil {
			return
		}
	}
}

func TestResponder_Send(t *testing.T) {
	t.Parallel()

	url, _ := wsServer(t, 0, func(ctx context.Context, _ int32, c *websocket.Conn) { echoReplies(ctx, c) })
	ctx := testCtx(t)
	conn, err := Dial(ctx, "llm", url)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResponder(conn, nil)
	defer r.Close()

	for _, in := range []string{"hello", "こんにちは"} {
		got, err := r.Send(ctx, in)
		if err != nil {
			t.Fatalf("Send(%q): %v", in, err)
		}
		if got != "re: "+in {
			t.Errorf("Send(%q) = %q", in, got)
		}
	}
}

func TestResponder_RedialsOnceAndResends(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	url, conns := wsServer(t, 0, func(ctx context.Context, n int32, c *websocket.Conn) {
		if n == 1 {
			// Drop the first request on the floor.
			_, data, _ := c.Read(ctx)
			received <- string(data)
			_ = c.CloseNow()
			return
		}
		echoReplies(ctx, c)
	})
	ctx := testCtx(t)
	conn, err := Dial(ctx, "llm", url)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResponder(conn, nil)
	defer r.Close()

	got, err := r.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "re: hello" {
		t.Errorf("reply = %q", got)
	}
	if n := conns.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
	if got := <-received; got != "hello" {
		t.Errorf("first connection received %q", got)
	}
}

func TestConn_SessionSentOnEveryDial(t *testing.T) {
	t.Parallel()

	sessions := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions <- r.URL.Query().Get("session") + "|" + r.URL.Query().Get("lang")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_, _, _ = c.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx := testCtx(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?lang=ja"
	conn, err := Dial(ctx, "llm", url, WithSession("s-42"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.Redial(ctx); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if got := <-sessions; got != "s-42|ja" {
			t.Errorf("dial %d query = %q, want session and existing parameters", i+1, got)
		}
	}
}

func TestResponder_FailsAfterOneRedial(t *testing.T) {
	t.Parallel()

	url, conns := wsServer(t, 1, func(ctx context.Context, _ int32, c *websocket.Conn) {
		_, _, _ = c.Read(ctx)
	})
	ctx := testCtx(t)
	conn, err := Dial(ctx, "llm", url)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResponder(conn, nil)
	defer r.Close()

	if _, err := r.Send(ctx, "hello"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
	if n := conns.Load(); n != 2 {
		t.Errorf("dial attempts = %d, want exactly one redial", n)
	}
}

func TestSynthesizer_SayWaitsForAck(t *testing.T) {
	t.Parallel()

	var said atomic.Value
	url, _ := wsServer(t, 0, func(ctx context.Context, _ int32, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			said.Store(string(data))
			_ = c.Write(ctx, websocket.MessageText, nil)
		}
	})
	ctx := testCtx(t)
	conn, err := Dial(ctx, "tts", url)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSynthesizer(conn, nil)
	defer s.Close()

	if err := s.Say(ctx, "Hi there."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if got := said.Load(); got != "Hi there." {
		t.Errorf("server got %v", got)
	}
}

func TestSynthesizer_ClosedConnection(t *testing.T) {
	t.Parallel()

	url, _ := wsServer(t, 0, func(ctx context.Context, _ int32, c *websocket.Conn) {
		_, _, _ = c.Read(ctx)
		_ = c.Close(websocket.StatusGoingAway, "bye")
	})
	ctx := testCtx(t)
	conn, err := Dial(ctx, "tts", url)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSynthesizer(conn, nil)
	if err := s.Say(ctx, "x"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
	if err := s.Redial(ctx); err != nil {
		t.Fatalf("Redial: %v", err)
	}
	_ = s.Close()
}

func TestRecognizer_AgainstServer(t *testing.T) {
	t.Parallel()

	model := &mock.Model{Template: mock.Recognizer{
		AcceptFunc: func(pcm []byte) bool { return pcm[0] == 1 },
		Partial:    "hel",
		Utterance:  stt.Utterance{Text: "hello", Words: []stt.WordDetail{{Word: "hello", End: time.Second, Confidence: 1}}},
	}}
	srv := recognizer.NewServer(recognizer.NewModels("default", model), recognizer.NewPool(1, 1, nil), protocol.DefaultSessionConfig())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx := testCtx(t)
	conn, err := Dial(ctx, "asr", "ws"+strings.TrimPrefix(ts.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecognizer(conn, nil)
	defer r.Close()

	words := true
	if err := r.Configure(ctx, protocol.ConfigUpdate{Words: &words}); err != nil {
		t.Fatal(err)
	}
	frame := make([]byte, 8000)
	resp, err := r.Recognize(ctx, frame)
	if err != nil || resp.Kind() != protocol.Partial {
		t.Fatalf("partial: %+v, %v", resp, err)
	}
	frame[0] = 1
	resp, err = r.Recognize(ctx, frame)
	if err != nil || resp.Kind() != protocol.Final || resp.Transcript() != "hello" {
		t.Fatalf("final: %+v, %v", resp, err)
	}
	if len(resp.Result) != 1 || resp.Result[0].Word != "hello" {
		t.Errorf("words = %+v", resp.Result)
	}

	resp, err = r.Reset(ctx)
	if err != nil || resp.Kind() != protocol.Final || resp.Transcript() != "" {
		t.Fatalf("reset: %+v, %v", resp, err)
	}
	resp, err = r.Finish(ctx)
	if err != nil || resp.Kind() != protocol.Stop {
		t.Fatalf("finish: %+v, %v", resp, err)
	}
	if _, err := r.Recognize(ctx, frame); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("after eof: err = %v, want ErrConnectionClosed", err)
	}
}
