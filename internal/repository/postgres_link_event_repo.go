package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/bankdash/internal/model"
)

// PostgresLinkEventRepo はPostgreSQLを使用した連携ジャーナルリポジトリ。
type PostgresLinkEventRepo struct {
	db *sql.DB
}

// NewPostgresLinkEventRepo はPostgresLinkEventRepoを生成する。
func NewPostgresLinkEventRepo(db *sql.DB) *PostgresLinkEventRepo {
	return &PostgresLinkEventRepo{db: db}
}

// Insert はイベントを1件記録する。
func (r *PostgresLinkEventRepo) Insert(ctx context.Context, event *model.LinkEvent) error {
	prepareLinkEvent(event, time.Now())

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_events
		   (id, session_key, user_id, organization_id, attempt_id, kind,
		    from_state, to_state, reason, event_name, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.SessionKey, event.UserID, event.OrganizationID, event.AttemptID, string(event.Kind),
		event.FromState, event.ToState, event.Reason, event.EventName, []byte(event.Detail), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert link event: %w", err)
	}
	return nil
}

// ListByAttempt は指定した連携試行のイベントを記録順に取得する。
func (r *PostgresLinkEventRepo) ListByAttempt(ctx context.Context, attemptID string) ([]*model.LinkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_key, user_id, organization_id, attempt_id, kind,
		        from_state, to_state, reason, event_name, detail, created_at
		 FROM link_events
		 WHERE attempt_id = $1
		 ORDER BY created_at ASC, id ASC`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list link events: %w", err)
	}
	defer rows.Close()

	var events []*model.LinkEvent
	for rows.Next() {
		e := &model.LinkEvent{}
		var kind string
		var detail []byte
		if err := rows.Scan(
			&e.ID, &e.SessionKey, &e.UserID, &e.OrganizationID, &e.AttemptID, &kind,
			&e.FromState, &e.ToState, &e.Reason, &e.EventName, &detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link event: %w", err)
		}
		e.Kind = model.LinkEventKind(kind)
		e.Detail = detail
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate link events: %w", err)
	}

	return events, nil
}

// DeleteOlderThan はcutoffより前に記録されたイベントを削除する。
// 削除対象がない場合も0件でエラーにならない。
func (r *PostgresLinkEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM link_events WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old link events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// prepareLinkEvent は未設定のID・記録時刻・詳細を補完する。
func prepareLinkEvent(event *model.LinkEvent, now time.Time) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if len(event.Detail) == 0 {
		event.Detail = []byte("{}")
	}
}

// compile-time interface check
var _ LinkEventRepository = (*PostgresLinkEventRepo)(nil)
