package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/toolhost/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sendAll(t *testing.T, r Relay, frames ...protocol.Frame) {
	t.Helper()
	for _, f := range frames {
		if err := r.Send(f); err != nil {
			t.Fatalf("Send(%s): %v", f.Type, err)
		}
	}
}

func TestSSE_HeadersAndFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tool/runstream", nil)

	s, err := NewSSE(rec, req, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	for k, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	sendAll(t, s,
		protocol.StreamFrame(json.RawMessage(`{"n":1}`)),
		protocol.StreamFrame(json.RawMessage(`{"n":2}`)),
		protocol.StreamFrame(json.RawMessage(`{"n":3}`)),
		protocol.ResponseFrame(protocol.ToolResult{Output: json.RawMessage(`"ok"`)}),
		protocol.StreamFrame(json.RawMessage(`{"late":true}`)),
		protocol.ErrorFrame("late error"),
	)
	s.Close()
	s.Close()

	want := `data: {"type":"stream","data":{"n":1}}` + "\n\n" +
		`data: {"type":"stream","data":{"n":2}}` + "\n\n" +
		`data: {"type":"stream","data":{"n":3}}` + "\n\n" +
		`data: {"type":"response","data":{"output":"ok"}}` + "\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Close")
	}
}

func TestSSE_ClientDisconnect(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/tool/runstream", nil).WithContext(ctx)

	s, err := NewSSE(rec, req, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not noticed")
	}
	if err := s.Send(protocol.ErrorFrame("too late")); err != nil {
		t.Fatal(err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("nothing should be written after disconnect, got %q", rec.Body.String())
	}
	s.Close()
}

type noFlushWriter struct{ http.ResponseWriter }

func TestSSE_RequiresFlusher(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if _, err := NewSSE(noFlushWriter{httptest.NewRecorder()}, req, discardLogger()); err != ErrStreamingUnsupported {
		t.Errorf("err = %v, want ErrStreamingUnsupported", err)
	}
}

func TestWS_FramesThenClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
		rl := NewWS(conn, discardLogger())
		rl.Send(protocol.StreamFrame(json.RawMessage(`1`)))
		rl.Send(protocol.StreamFrame(json.RawMessage(`2`)))
		rl.Send(protocol.ErrorFrame("worker exited"))
		rl.Send(protocol.StreamFrame(json.RawMessage(`3`)))
		rl.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"toolId":"x"}`)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("expected normal closure, got %v", err)
			}
			break
		}
		got = append(got, string(data))
	}

	want := []string{
		`{"type":"stream","data":1}`,
		`{"type":"stream","data":2}`,
		`{"type":"error","data":"worker exited"}`,
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("messages = %v, want %v", got, want)
	}
}
