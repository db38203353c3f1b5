// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, link, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeLinkTokenInitFailed = "LINK_TOKEN_INIT_FAILED"
	ErrCodeLinkExchangeFailed  = "LINK_EXCHANGE_FAILED"
	ErrCodeLinkNotOpenable     = "LINK_NOT_OPENABLE"
	ErrCodeLinkRetryNotAllowed = "LINK_RETRY_NOT_ALLOWED"
	ErrCodeLinkSessionNotFound = "LINK_SESSION_NOT_FOUND"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeCSRFInvalid         = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewLinkTokenInitError はリンクトークン取得失敗エラーを生成する。
// ネットワーク障害とサーバー側の拒否は区別しない。
func NewLinkTokenInitError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkTokenInitFailed,
		Message:  "銀行口座連携の準備に失敗しました。",
		Category: "link",
		Action:   "しばらく待ってから「再試行」を押してください。",
	}
}

// NewLinkExchangeError は公開トークン交換失敗エラーを生成する。
// 使用済みの公開トークンは再利用できないため、対処はトークン取得からのやり直しとなる。
func NewLinkExchangeError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkExchangeFailed,
		Message:  "銀行口座の連携を完了できませんでした。",
		Category: "link",
		Action:   "「再試行」を押して、最初から連携をやり直してください。",
	}
}

// NewLinkNotOpenableError は連携画面を開ける状態にない場合のエラーを生成する。
func NewLinkNotOpenableError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkNotOpenable,
		Message:  "連携画面の準備ができていません。",
		Category: "link",
		Action:   "準備が完了するまでお待ちください。",
	}
}

// NewLinkRetryNotAllowedError は処理中に再試行しようとした場合のエラーを生成する。
func NewLinkRetryNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkRetryNotAllowed,
		Message:  "現在の状態では再試行できません。",
		Category: "link",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewLinkSessionNotFoundError は連携セッションが存在しない場合のエラーを生成する。
func NewLinkSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkSessionNotFound,
		Message:  "連携セッションが見つかりません。",
		Category: "link",
		Action:   "ページを再読み込みしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "組織管理者のアカウントでログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
