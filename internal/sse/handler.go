package sse

import (
	"log/slog"
	"net/http"
	"time"
)

// TopicFunc はリクエストから購読トピックを決定する。falseの場合は404を返す。
type TopicFunc func(r *http.Request) (string, bool)

// Handler はSSE接続を受け付けるHTTPハンドラーを返す。
func Handler(hub *Hub, topicOf TopicFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, ok := topicOf(r)
		if !ok {
			http.NotFound(w, r)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		// サーバー全体のWriteTimeoutでストリームが切られないよう、この接続だけ期限を外す
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		client := hub.Register(topic)
		slog.Info("SSEクライアントが接続しました",
			slog.String("client_id", client.ID),
			slog.Int("topic_clients", hub.ClientCount(topic)),
		)
		defer func() {
			hub.Unregister(client)
			slog.Info("SSEクライアントが切断しました",
				slog.String("client_id", client.ID),
			)
		}()

		connected := Event{
			ID:        client.ID,
			Type:      EventConnected,
			Timestamp: time.Now().Unix(),
			Payload:   map[string]string{"client_id": client.ID},
		}
		if msg, err := FormatMessage(connected); err == nil {
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}

		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-client.Events:
				if !ok {
					return
				}
				msg, err := FormatMessage(event)
				if err != nil {
					slog.Error("SSEイベントの整形に失敗しました", slog.String("error", err.Error()))
					continue
				}
				if _, err := w.Write(msg); err != nil {
					return
				}
				flusher.Flush()

			case <-ticker.C:
				if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
