package linksession

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/bankdash/internal/linkflow"
	"github.com/hitoshi/bankdash/internal/model"
)

const (
	// DefaultJournalBuffer は書き込み待ちイベントのバッファサイズ。
	DefaultJournalBuffer = 1024
	journalWriteTimeout  = 5 * time.Second
)

// EventWriter は連携イベントを1件記録する。*repository.PostgresLinkEventRepo が実装する。
type EventWriter interface {
	Insert(ctx context.Context, event *model.LinkEvent) error
}

// Journal は遷移と診断イベントをlink_eventsへ非同期に記録するObserver。
//
// Observerはロック保持中に呼ばれるため、イベントはバッファ付きチャネルに積むだけで
// 書き込みは専用goroutineが行う。バッファが満杯のときは破棄して警告ログを出す。
type Journal struct {
	writer EventWriter
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	events  chan *model.LinkEvent
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewJournal はJournalを生成し、書き込みgoroutineを開始する。
func NewJournal(writer EventWriter, logger *slog.Logger, bufferSize int) *Journal {
	if bufferSize <= 0 {
		bufferSize = DefaultJournalBuffer
	}
	j := &Journal{
		writer: writer,
		logger: logger,
		events: make(chan *model.LinkEvent, bufferSize),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Journal) run() {
	defer j.wg.Done()

	for event := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := j.writer.Insert(ctx, event); err != nil {
			j.logger.Error("連携ジャーナルの書き込みに失敗しました",
				slog.String("error", err.Error()),
				slog.String("session_key", event.SessionKey),
				slog.String("kind", string(event.Kind)),
			)
		}
		cancel()
	}
}

// OnTransition は状態遷移を記録する。
func (j *Journal) OnTransition(t linkflow.Transition) {
	detail := map[string]any{
		"elapsed_ms": t.Elapsed.Milliseconds(),
	}
	if t.Cause != nil {
		detail["error"] = t.Cause.Error()
	}
	if t.To.Err != nil {
		detail["code"] = t.To.Err.Code
	}

	j.enqueue(&model.LinkEvent{
		ID:             uuid.NewString(),
		SessionKey:     t.SessionKey,
		UserID:         t.UserID,
		OrganizationID: t.OrganizationID,
		AttemptID:      t.AttemptID,
		Kind:           model.LinkEventTransition,
		FromState:      t.From.Phase.String(),
		ToState:        t.To.Phase.String(),
		Reason:         string(t.To.Reason),
		Detail:         marshalDetail(detail),
		CreatedAt:      t.At,
	})
}

// OnDiagnostic は診断イベントを記録する。メタデータはサニタイズ済みであること。
func (j *Journal) OnDiagnostic(d linkflow.Diagnostic) {
	j.enqueue(&model.LinkEvent{
		ID:             uuid.NewString(),
		SessionKey:     d.SessionKey,
		UserID:         d.UserID,
		OrganizationID: d.OrganizationID,
		AttemptID:      d.AttemptID,
		Kind:           model.LinkEventDiagnostic,
		FromState:      d.Phase.String(),
		ToState:        d.Phase.String(),
		EventName:      d.Name,
		Detail:         marshalDetail(d.Metadata),
		CreatedAt:      d.At,
	})
}

func (j *Journal) enqueue(event *model.LinkEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return
	}
	select {
	case j.events <- event:
	default:
		j.dropped.Add(1)
		j.logger.Warn("連携ジャーナルのバッファが満杯のためイベントを破棄しました",
			slog.String("session_key", event.SessionKey),
			slog.String("kind", string(event.Kind)),
		)
	}
}

// Dropped はバッファ満杯で破棄したイベント数を返す。
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close は新規イベントの受付を止め、バッファ内のイベントを書き切ってから戻る。
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func marshalDetail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return json.RawMessage("{}")
	}
	return b
}

// compile-time interface check
var _ linkflow.Observer = (*Journal)(nil)
