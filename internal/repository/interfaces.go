// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/bankdash/internal/model"
)

// LinkEventRepository は口座連携ジャーナルの永続化インターフェース。
type LinkEventRepository interface {
	// Insert はイベントを1件記録する。IDとCreatedAtが空の場合は採番する。
	Insert(ctx context.Context, event *model.LinkEvent) error

	// ListByAttempt は指定した連携試行のイベントを記録順に取得する。
	ListByAttempt(ctx context.Context, attemptID string) ([]*model.LinkEvent, error)

	// DeleteOlderThan はcutoffより前に記録されたイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
