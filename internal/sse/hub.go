// Package sse はServer-Sent Eventsによるブラウザへの通知配信を提供する。
// 連携セッションごとのトピックに購読者を登録し、そのトピック宛てのイベントのみを届ける。
package sse

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// PublishBufferSize は配信待ちイベントのバッファサイズ。
	PublishBufferSize = 256
	// ClientEventBuffer は購読者1件あたりのイベントバッファサイズ。
	ClientEventBuffer = 16
	// KeepaliveInterval はコメント行によるキープアライブの送信間隔。
	KeepaliveInterval = 25 * time.Second
)

// Event はSSEで送信するイベント。
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Topic     string `json:"-"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Client はSSE購読者を表す。
type Client struct {
	ID     string
	Topic  string
	Events chan Event
}

// Hub はトピック単位でSSE購読者を管理し、イベントを配信する。
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[string]*Client // topic -> client id -> client
	publish  chan Event
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewHub はHubを生成する。配信ループはStartで開始する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]map[string]*Client),
		publish:  make(chan Event, PublishBufferSize),
		shutdown: make(chan struct{}),
		logger:   logger,
	}
}

// Start は配信ループを開始する。
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop は配信ループを停止し、全購読者のチャネルを閉じる。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
		h.wg.Wait()

		h.mu.Lock()
		for _, topicClients := range h.clients {
			for _, c := range topicClients {
				close(c.Events)
			}
		}
		h.clients = make(map[string]map[string]*Client)
		h.mu.Unlock()
	})
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case event := <-h.publish:
			h.deliver(event)
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients[event.Topic] {
		select {
		case c.Events <- event:
		default:
			h.logger.Warn("SSE購読者のバッファが満杯のためイベントを破棄しました",
				slog.String("client_id", c.ID),
				slog.String("event_type", event.Type),
			)
		}
	}
}

// Register はトピックに購読者を登録する。
func (h *Hub) Register(topic string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		Topic:  topic,
		Events: make(chan Event, ClientEventBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[string]*Client)
	}
	h.clients[topic][c.ID] = c
	return c
}

// Unregister は購読者を削除し、チャネルを閉じる。
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topicClients, ok := h.clients[c.Topic]
	if !ok {
		return
	}
	if _, ok := topicClients[c.ID]; !ok {
		return
	}
	close(c.Events)
	delete(topicClients, c.ID)
	if len(topicClients) == 0 {
		delete(h.clients, c.Topic)
	}
}

// Publish はトピック宛てのイベントを配信キューに積む。呼び出し元をブロックしない。
func (h *Hub) Publish(topic, eventType string, payload any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Topic:     topic,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}

	select {
	case h.publish <- event:
	default:
		h.logger.Warn("SSE配信キューが満杯のためイベントを破棄しました",
			slog.String("event_type", eventType),
		)
	}
}

// ClientCount はトピックの購読者数を返す。
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// FormatMessage はイベントをSSEのワイヤ形式に整形する。
func FormatMessage(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	msg := "id: " + event.ID + "\n"
	msg += "event: " + event.Type + "\n"
	msg += "data: " + string(data) + "\n\n"
	return []byte(msg), nil
}
