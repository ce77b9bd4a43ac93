package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	// Wait for registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return ev
}

func TestHub_StreamEventsArriveInOrder(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)

	h.StreamStart("s1")
	h.StreamDelta("s1", "Hello ")
	h.StreamDelta("s1", "world")
	h.StreamDone("s1")

	wantTypes := []string{"stream_start", "stream_delta", "stream_delta", "stream_done"}
	var text string
	for _, want := range wantTypes {
		ev := readEvent(t, conn)
		if ev.Type != want || ev.StreamID != "s1" {
			t.Fatalf("event = %+v, want type %q on s1", ev, want)
		}
		text += ev.Text
	}
	if text != "Hello world" {
		t.Errorf("assembled text = %q", text)
	}
}

func TestHub_EmitUsage(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)

	h.EmitUsage("openai", "gpt-4o-mini", types.Usage{TotalTokens: 42}, 0.0003)

	ev := readEvent(t, conn)
	if ev.Type != "usage" || ev.Model != "gpt-4o-mini" || ev.Usage == nil || ev.Usage.TotalTokens != 42 {
		t.Errorf("event = %+v", ev)
	}
}

func TestHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.StreamDelta("s1", "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no clients connected")
	}
}

func TestHudOpToken_SingleUse(t *testing.T) {
	h := NewHub(nil)
	token := h.IssueHudOpToken()

	if !h.ConsumeHudOpToken(token) {
		t.Fatal("fresh token rejected")
	}
	if h.ConsumeHudOpToken(token) {
		t.Error("token consumed twice")
	}
	if h.ConsumeHudOpToken("") || h.ConsumeHudOpToken("bogus") {
		t.Error("empty or unknown token accepted")
	}
}

func TestHudOpToken_Expires(t *testing.T) {
	h := NewHub(nil)
	token := h.IssueHudOpToken()
	h.now = func() time.Time { return time.Now().Add(hudTokenTTL + time.Second) }

	if h.ConsumeHudOpToken(token) {
		t.Error("expired token accepted")
	}
}
