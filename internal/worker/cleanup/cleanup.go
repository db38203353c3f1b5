// Package cleanup は連携ジャーナルの自動削除ジョブを提供する。
// 保持期間（デフォルト14日）を超過したlink_eventsの行を定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は保持期間を超過した行を削除する。
// *repository.PostgresLinkEventRepo が実装する。
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した連携ジャーナルの自動削除ジョブ。
type CleanupJob struct {
	purger        Purger
	logger        *slog.Logger
	RetentionDays int // ジャーナルの保持日数（デフォルト: 14）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は14日。
func NewCleanupJob(purger Purger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		RetentionDays: 14,
		now:           time.Now,
	}
}

// Run は保持期間を超過したジャーナルを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.purger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("ジャーナルクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ジャーナルクリーンアップの実行に失敗: %w", err)
	}

	duration := j.now().Sub(start)
	j.logger.Info("ジャーナルクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
