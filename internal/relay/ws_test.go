package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/funnelsync/internal/storage"
	"github.com/haasonsaas/funnelsync/pkg/models"
)

type testFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq"`
}

func startWSServer(t *testing.T, store storage.MessageStore, out Outbound) (*Broadcaster, string) {
	t.Helper()
	b := newTestBroadcaster(t, store, out)
	handler := NewHandler(b, HandlerConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame testFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func TestWSRejectsBadTokenWithoutEvents(t *testing.T) {
	b, url := startWSServer(t, storage.NewMemoryMessageStore(), &fakeOutbound{})

	conn := dialWS(t, url+"?token=nope")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to close, got %s", data)
	}
	if b.SessionCount() != 0 {
		t.Error("rejected client must not be registered")
	}
}

func TestWSHandshakeReplayAndSend(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	ctx := t.Context()
	if _, err := store.Append(ctx, "u1", "42", models.SenderBot, "hi"); err != nil {
		t.Fatal(err)
	}
	out := &fakeOutbound{}
	b, url := startWSServer(t, store, out)

	conn := dialWS(t, url+"?token=token-u1")

	first := readFrame(t, conn)
	if first.Type != "event" || first.Event != EventUnreadMessages || first.Seq != 1 {
		t.Fatalf("first frame = %+v", first)
	}
	var unread []models.Message
	if err := json.Unmarshal(first.Payload, &unread); err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].Content != "hi" || unread[0].ChatID != "u1" {
		t.Errorf("unread = %+v", unread)
	}

	second := readFrame(t, conn)
	if second.Event != EventChatHistory || second.Seq != 2 {
		t.Fatalf("second frame = %+v", second)
	}

	err := conn.WriteJSON(map[string]any{
		"type":    "event",
		"event":   EventSendMessage,
		"payload": map[string]string{"chatId": "555", "message": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}

	third := readFrame(t, conn)
	if third.Event != EventNewMessage {
		t.Fatalf("third frame = %+v", third)
	}
	var msg map[string]any
	if err := json.Unmarshal(third.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"chatId", "message", "senderId", "senderType", "timestamp"} {
		if _, ok := msg[key]; !ok {
			t.Errorf("newMessage payload missing %q: %v", key, msg)
		}
	}
	if msg["message"] != "hello" || msg["senderType"] != "user" {
		t.Errorf("newMessage payload = %v", msg)
	}

	out.mu.Lock()
	calls := append([]string(nil), out.calls...)
	out.mu.Unlock()
	if len(calls) != 1 || calls[0] != "u1|555|hello" {
		t.Errorf("outbound calls = %v", calls)
	}
	if b.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", b.SessionCount())
	}
}

func TestWSInvalidFrameGetsSoftError(t *testing.T) {
	_, url := startWSServer(t, storage.NewMemoryMessageStore(), &fakeOutbound{})

	conn := dialWS(t, url+"?token=token-u1")
	if f := readFrame(t, conn); f.Event != EventChatHistory {
		t.Fatalf("first frame = %+v", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":"sendMessage","payload":{"chatId":""}}`)); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Event != EventError {
		t.Fatalf("frame = %+v, want error", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Event != EventError {
		t.Fatalf("frame = %+v, want error", f)
	}
}

func TestWSBearerTokenAndDisconnect(t *testing.T) {
	b, url := startWSServer(t, storage.NewMemoryMessageStore(), &fakeOutbound{})

	header := http.Header{}
	header.Set("Authorization", "Bearer token-u9")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if f := readFrame(t, conn); f.Event != EventChatHistory {
		t.Fatalf("first frame = %+v", f)
	}
	if _, ok := b.SessionForUser("u9"); !ok {
		t.Fatal("session should be registered")
	}

	_ = conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for b.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"any when unset", nil, "https://evil.example", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"trailing slash and case", []string{"https://App.example/"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(r); got != tt.want {
				t.Errorf("originChecker() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWSClientEmitDropsWhenFull(t *testing.T) {
	c := &wsClient{send: make(chan []byte, 1)}
	if err := c.Emit("x", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := c.Emit("x", nil); err != errBufferFull {
		t.Errorf("Emit() on full buffer = %v, want %v", err, errBufferFull)
	}
	c.closed = true
	if err := c.Emit("x", nil); err != errClientClosed {
		t.Errorf("Emit() after close = %v, want %v", err, errClientClosed)
	}
}
