package linkflow

import (
	"log/slog"
	"strings"
	"time"
)

// ReservedDiagPrefix はサーバー内部で発行する診断イベント名の接頭辞。
// 連携UIから届くイベント名には使わせない。
const ReservedDiagPrefix = "link."

// 内部で発行する診断イベント名
const (
	DiagSuccessIgnored  = ReservedDiagPrefix + "success_ignored"
	DiagExitIgnored     = ReservedDiagPrefix + "exit_ignored"
	DiagResultDiscarded = ReservedDiagPrefix + "result_discarded"
)

// IsReservedDiagName は名前が内部イベントの名前空間に属するかを返す。大文字小文字は区別しない。
func IsReservedDiagName(name string) bool {
	return len(name) >= len(ReservedDiagPrefix) &&
		strings.EqualFold(name[:len(ReservedDiagPrefix)], ReservedDiagPrefix)
}

// Transition は1回の状態遷移を表す。
type Transition struct {
	SessionKey     string
	UserID         string
	OrganizationID int64
	AttemptID      string
	From           State
	To             State
	// Elapsed は遷移元の状態に滞在していた時間。
	Elapsed time.Duration
	// Cause は失敗遷移の原因となったエラー。ユーザーには表示しない。
	Cause error
	At    time.Time
}

// Diagnostic は状態に影響しない観測イベントを表す。
// 連携UIから届くイベントと、無視された終了イベントの両方を含む。
type Diagnostic struct {
	SessionKey     string
	UserID         string
	OrganizationID int64
	AttemptID      string
	Name           string
	Metadata       map[string]string
	Phase          Phase
	At             time.Time
}

// Observer は状態遷移の観測フック。
// Controllerのロック保持中に呼ばれるため、ブロックしてはならない。
type Observer interface {
	OnTransition(t Transition)
	OnDiagnostic(d Diagnostic)
}

// Observers は複数のObserverへ順に通知する。
type Observers []Observer

// OnTransition は全Observerへ遷移を通知する。
func (obs Observers) OnTransition(t Transition) {
	for _, o := range obs {
		o.OnTransition(t)
	}
}

// OnDiagnostic は全Observerへ診断イベントを通知する。
func (obs Observers) OnDiagnostic(d Diagnostic) {
	for _, o := range obs {
		o.OnDiagnostic(d)
	}
}

// NopObserver は何もしないObserver。
type NopObserver struct{}

func (NopObserver) OnTransition(Transition) {}
func (NopObserver) OnDiagnostic(Diagnostic) {}

// LogObserver は遷移をJSON構造化ログとして出力する。
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver はLogObserverを生成する。
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// OnTransition は遷移をログに出力する。失敗遷移はWarnレベルで原因を含める。
func (o *LogObserver) OnTransition(t Transition) {
	attrs := []any{
		slog.String("session_key", t.SessionKey),
		slog.String("attempt_id", t.AttemptID),
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.Float64("elapsed_ms", float64(t.Elapsed.Microseconds())/1000),
	}
	if t.To.Phase == PhaseFailed {
		if t.Cause != nil {
			attrs = append(attrs, slog.String("error", t.Cause.Error()))
		}
		o.logger.Warn("link state transition", attrs...)
		return
	}
	o.logger.Info("link state transition", attrs...)
}

// OnDiagnostic は診断イベントをログに出力する。
func (o *LogObserver) OnDiagnostic(d Diagnostic) {
	o.logger.Info("link diagnostic event",
		slog.String("session_key", d.SessionKey),
		slog.String("attempt_id", d.AttemptID),
		slog.String("event_name", d.Name),
		slog.String("state", d.Phase.String()),
		slog.Any("metadata", d.Metadata),
	)
}

// compile-time interface check
var (
	_ Observer = Observers(nil)
	_ Observer = NopObserver{}
	_ Observer = (*LogObserver)(nil)
)
