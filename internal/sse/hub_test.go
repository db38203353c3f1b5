package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	h.Start()
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("イベントを受信できなかった")
		return Event{}
	}
}

func TestHub_Publish_DeliversOnlyToTopic(t *testing.T) {
	h := newTestHub(t)
	mine := h.Register("user-1:1")
	other := h.Register("user-2:1")

	h.Publish("user-1:1", EventLinkSuccess, map[string]string{"state": "idle"})

	ev := receive(t, mine)
	if ev.Type != EventLinkSuccess {
		t.Errorf("Type = %q, want %q", ev.Type, EventLinkSuccess)
	}
	if ev.ID == "" {
		t.Error("イベントIDが空")
	}

	select {
	case ev := <-other.Events:
		t.Errorf("別トピックにイベントが届いた: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Unregister_ClosesChannel(t *testing.T) {
	h := newTestHub(t)
	c := h.Register("user-1:1")

	h.Unregister(c)
	// 2回目の削除は何もしない
	h.Unregister(c)

	if _, ok := <-c.Events; ok {
		t.Error("Unregister後もチャネルが開いている")
	}
	if h.ClientCount("user-1:1") != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount("user-1:1"))
	}
}

func TestHub_Stop_ClosesAllClients(t *testing.T) {
	h := NewHub(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	h.Start()
	c := h.Register("user-1:1")

	h.Stop()
	h.Stop()

	if _, ok := <-c.Events; ok {
		t.Error("Stop後もチャネルが開いている")
	}
}

func TestHub_Deliver_DropsWhenClientBufferFull(t *testing.T) {
	var buf bytes.Buffer
	h := NewHub(slog.New(slog.NewJSONHandler(&buf, nil)))
	c := h.Register("user-1:1")

	for i := 0; i < ClientEventBuffer+1; i++ {
		h.deliver(Event{Topic: "user-1:1", Type: EventLinkState})
	}

	if len(c.Events) != ClientEventBuffer {
		t.Errorf("バッファ内イベント数 = %d, want %d", len(c.Events), ClientEventBuffer)
	}
	if !strings.Contains(buf.String(), "バッファが満杯") {
		t.Errorf("警告ログが出力されていない: %s", buf.String())
	}
}

func TestFormatMessage(t *testing.T) {
	msg, err := FormatMessage(Event{ID: "ev-1", Type: EventLinkExit, Timestamp: 1, Payload: nil})
	if err != nil {
		t.Fatalf("FormatMessage がエラーを返した: %v", err)
	}

	want := "id: ev-1\nevent: link.exit\ndata: {\"id\":\"ev-1\",\"type\":\"link.exit\",\"timestamp\":1,\"payload\":null}\n\n"
	if string(msg) != want {
		t.Errorf("msg = %q, want %q", msg, want)
	}
}

func TestHandler_StreamsTopicEvents(t *testing.T) {
	h := newTestHub(t)
	server := httptest.NewServer(Handler(h, func(r *http.Request) (string, bool) {
		return "user-1:1", true
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("接続に失敗: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEventType := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("ストリームの読み取りに失敗: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	if got := readEventType(); got != EventConnected {
		t.Fatalf("最初のイベント = %q, want %q", got, EventConnected)
	}

	h.Publish("user-1:1", EventLinkSuccess, nil)
	if got := readEventType(); got != EventLinkSuccess {
		t.Errorf("イベント = %q, want %q", got, EventLinkSuccess)
	}
}

func TestHandler_UnknownTopicNotFound(t *testing.T) {
	h := newTestHub(t)
	handler := Handler(h, func(r *http.Request) (string, bool) { return "", false })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/link/stream", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
