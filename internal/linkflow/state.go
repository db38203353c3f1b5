// Package linkflow は銀行口座連携フローの状態機械を提供する。
//
// リンクトークンの取得（Token Acquisition）と、連携UIの終了イベントを受けた
// 公開トークン交換（Link Completion）の2フェーズを1つのControllerで扱う。
// 描画には依存せず、ビューはSnapshotの射影として振る舞う。
package linkflow

import "github.com/hitoshi/bankdash/internal/model"

// Phase は連携試行の状態を表す。
type Phase int

const (
	// PhaseIdle は次の連携操作を待っている状態。
	PhaseIdle Phase = iota
	// PhaseAcquiringToken はリンクトークンを取得中の状態。
	PhaseAcquiringToken
	// PhaseReadyToOpen はリンクトークンを保持し、連携UIを開ける状態。
	PhaseReadyToOpen
	// PhaseExchanging は公開トークンをサーバーで交換中の状態。
	PhaseExchanging
	// PhaseFailed はトークン取得または交換に失敗した状態。再試行で抜ける。
	PhaseFailed
)

// String はPhaseのワイヤ表現を返す。
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiringToken:
		return "acquiring_token"
	case PhaseReadyToOpen:
		return "ready_to_open"
	case PhaseExchanging:
		return "exchanging"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText はPhaseを文字列としてエンコードする。
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FailureReason はFailed状態に至った呼び出し箇所を表す。
type FailureReason string

const (
	// ReasonNone はFailed以外の状態で使う。
	ReasonNone FailureReason = ""
	// ReasonTokenInit はリンクトークン取得の失敗。
	ReasonTokenInit FailureReason = "token-init"
	// ReasonExchange は公開トークン交換の失敗。
	ReasonExchange FailureReason = "exchange"
)

// State は連携試行の状態をタグ付きの値として表す。
// Failed以外ではReasonとErrは空になる。
type State struct {
	Phase  Phase
	Reason FailureReason
	Err    *model.APIError
}

// Idle はIdle状態を返す。
func Idle() State { return State{Phase: PhaseIdle} }

// AcquiringToken はAcquiringToken状態を返す。
func AcquiringToken() State { return State{Phase: PhaseAcquiringToken} }

// ReadyToOpen はReadyToOpen状態を返す。
func ReadyToOpen() State { return State{Phase: PhaseReadyToOpen} }

// Exchanging はExchanging状態を返す。
func Exchanging() State { return State{Phase: PhaseExchanging} }

// Failed は失敗理由に対応するユーザー向けエラーを持つFailed状態を返す。
func Failed(reason FailureReason) State {
	var apiErr *model.APIError
	switch reason {
	case ReasonExchange:
		apiErr = model.NewLinkExchangeError()
	default:
		reason = ReasonTokenInit
		apiErr = model.NewLinkTokenInitError()
	}
	return State{Phase: PhaseFailed, Reason: reason, Err: apiErr}
}

// String はログ用の表現を返す。
func (s State) String() string {
	if s.Phase == PhaseFailed {
		return s.Phase.String() + "(" + string(s.Reason) + ")"
	}
	return s.Phase.String()
}
