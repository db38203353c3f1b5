// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strings"

	"github.com/hitoshi/bankdash/internal/linkflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// uiDiagnosticLabel は連携UIから届いた任意名の診断イベントをまとめるラベル値。
// イベント名はクライアント由来のため、ラベルのカーディナリティを抑える。
const uiDiagnosticLabel = "ui_event"

// Collector は口座連携フローのPrometheusメトリクスを収集する。
// linkflow.Observerとして遷移ごとに呼ばれる。
type Collector struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	completed     prometheus.Counter
	exits         prometheus.Counter
	phaseDuration *prometheus.HistogramVec
	diagnostics   *prometheus.CounterVec

	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_link_transitions_total",
			Help: "連携フローの状態遷移数",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_link_failures_total",
			Help: "失敗理由別の連携失敗数",
		}, []string{"reason"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankdash_link_completed_total",
			Help: "公開トークン交換まで完了した連携の合計数",
		}),
		exits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankdash_link_exits_total",
			Help: "ユーザーが連携UIを途中で閉じた回数",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankdash_link_phase_duration_seconds",
			Help:    "各状態に滞在した時間（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60, 300},
		}, []string{"phase"}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_link_diagnostics_total",
			Help: "診断イベント数",
		}, []string{"event"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankdash_backend_requests_total",
			Help: "バックエンドAPIへのリクエスト数",
		}, []string{"code", "method"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankdash_backend_request_duration_seconds",
			Help:    "バックエンドAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"code", "method"}),
		reg: reg,
	}

	reg.MustRegister(
		c.transitions,
		c.failures,
		c.completed,
		c.exits,
		c.phaseDuration,
		c.diagnostics,
		c.backendRequests,
		c.backendLatency,
	)

	return c
}

// OnTransition は遷移を記録する。
func (c *Collector) OnTransition(t linkflow.Transition) {
	c.transitions.WithLabelValues(t.From.Phase.String(), t.To.Phase.String()).Inc()
	c.phaseDuration.WithLabelValues(t.From.Phase.String()).Observe(t.Elapsed.Seconds())

	switch {
	case t.To.Phase == linkflow.PhaseFailed:
		c.failures.WithLabelValues(string(t.To.Reason)).Inc()
	case t.From.Phase == linkflow.PhaseExchanging && t.To.Phase == linkflow.PhaseIdle:
		c.completed.Inc()
	case t.From.Phase == linkflow.PhaseReadyToOpen && t.To.Phase == linkflow.PhaseIdle:
		c.exits.Inc()
	}
}

// OnDiagnostic は診断イベントを記録する。
func (c *Collector) OnDiagnostic(d linkflow.Diagnostic) {
	c.diagnostics.WithLabelValues(diagnosticLabel(d.Name)).Inc()
}

func diagnosticLabel(name string) string {
	switch name {
	case linkflow.DiagSuccessIgnored, linkflow.DiagExitIgnored, linkflow.DiagResultDiscarded:
		return strings.TrimPrefix(name, linkflow.ReservedDiagPrefix)
	default:
		return uiDiagnosticLabel
	}
}

// InstrumentTransport はバックエンドAPI呼び出しのステータスとレイテンシを記録するRoundTripperを返す。
func (c *Collector) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(c.backendRequests,
		promhttp.InstrumentRoundTripperDuration(c.backendLatency, next),
	)
}

// RegisterGaugeFunc は実行時に値を読み出すゲージを登録する。
// 連携セッション数やジャーナルの破棄件数など、他コンポーネントが保持する値の公開に使う。
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() float64) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ linkflow.Observer = (*Collector)(nil)
