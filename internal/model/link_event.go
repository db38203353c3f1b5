package model

import (
	"encoding/json"
	"time"
)

// LinkEventKind は連携ジャーナルに記録するイベントの種別。
type LinkEventKind string

const (
	// LinkEventTransition は状態遷移を表す。
	LinkEventTransition LinkEventKind = "transition"
	// LinkEventDiagnostic は連携UIから届いた診断イベントを表す。状態には影響しない。
	LinkEventDiagnostic LinkEventKind = "diagnostic"
)

// LinkEvent は口座連携フローの監査用ジャーナルの1行を表す。
// 連携状態そのものは永続化せず、観測結果のみを保持する。
type LinkEvent struct {
	ID             string
	SessionKey     string
	UserID         string
	OrganizationID int64
	AttemptID      string
	Kind           LinkEventKind
	FromState      string
	ToState        string
	Reason         string
	EventName      string
	Detail         json.RawMessage
	CreatedAt      time.Time
}
