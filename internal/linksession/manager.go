// Package linksession はダッシュボードセッションごとの連携Controllerを管理する。
//
// セッションは利用者と組織の組で識別し、期限付きLRUで保持する。
// LRUからの削除（明示的な解放・期限切れ・容量超過）はビューのアンマウントとして扱い、
// ControllerをDetachする。
package linksession

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hitoshi/bankdash/internal/linkflow"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/sse"
)

// Publisher はセッション宛ての通知を配信する。*sse.Hub が実装する。
type Publisher interface {
	Publish(topic, eventType string, payload any)
}

// Config はManagerの設定。
type Config struct {
	// MaxSessions は同時に保持するセッション数の上限。
	MaxSessions int
	// TTL は最後のアクセスからセッションを破棄するまでの時間。
	TTL time.Duration
}

// SessionKey はPrincipalに対応するセッションキーを返す。
func SessionKey(p model.Principal) string {
	return fmt.Sprintf("%s:%d", p.UserID, p.OrganizationID)
}

// Manager はセッションキーごとにlinkflow.Controllerを1つ保持する。
type Manager struct {
	backend   linkflow.Backend
	observer  linkflow.Observer
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex // get-or-createの原子性を保証する
	sessions *expirable.LRU[string, *linkflow.Controller]
}

// NewManager はManagerを生成する。
func NewManager(cfg Config, backend linkflow.Backend, observer linkflow.Observer, publisher Publisher, logger *slog.Logger) *Manager {
	if observer == nil {
		observer = linkflow.NopObserver{}
	}
	m := &Manager{
		backend:   backend,
		observer:  observer,
		publisher: publisher,
		logger:    logger,
	}
	m.sessions = expirable.NewLRU[string, *linkflow.Controller](cfg.MaxSessions, m.onEvict, cfg.TTL)
	return m
}

func (m *Manager) onEvict(key string, c *linkflow.Controller) {
	c.Detach()
	m.logger.Debug("link session released", slog.String("session_key", key))
}

// Acquire はセッションのControllerを返す。存在しなければ生成する。
// 2番目の戻り値は新規生成した場合にtrue。
func (m *Manager) Acquire(p model.Principal) (*linkflow.Controller, bool) {
	key := SessionKey(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.get(key); ok {
		// 再Addで有効期限を延長する
		m.sessions.Add(key, c)
		return c, false
	}

	c := linkflow.New(linkflow.Config{
		SessionKey:     key,
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Backend:        m.backend,
		Observer:       linkflow.Observers{m.observer, &stateObserver{topic: key, publisher: m.publisher}},
		Notifier:       m.notifier(key, p.OrganizationID),
	})
	m.sessions.Add(key, c)
	m.logger.Info("link session created",
		slog.String("session_key", key),
		slog.Int("active_sessions", m.sessions.Len()),
	)
	return c, true
}

// Lookup は既存セッションのControllerを返す。
func (m *Manager) Lookup(p model.Principal) (*linkflow.Controller, bool) {
	key := SessionKey(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.get(key)
	if !ok {
		return nil, false
	}
	m.sessions.Add(key, c)
	return c, true
}

// get は有効なControllerを返す。m.muを保持して呼ぶこと。
//
// expirable.LRUのGetは期限切れでも未掃除のエントリに対してfalseを返すが、
// エントリ自体は残る。そのまま同じキーでAddすると上書きされonEvictが呼ばれないため、
// ここでRemoveして古いControllerを確実にDetachする。
func (m *Manager) get(key string) (*linkflow.Controller, bool) {
	if c, ok := m.sessions.Get(key); ok {
		return c, true
	}
	m.sessions.Remove(key)
	return nil, false
}

// Release はセッションを破棄し、ControllerをDetachする。存在しなかった場合はfalse。
func (m *Manager) Release(p model.Principal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Remove(SessionKey(p))
}

// Len は保持中のセッション数を返す。
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Close は全セッションを破棄する。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Purge()
}

func (m *Manager) notifier(key string, organizationID int64) linkflow.Notifier {
	if m.publisher == nil {
		return linkflow.Notifier{}
	}
	payload := map[string]int64{"organization_id": organizationID}
	return linkflow.Notifier{
		OnSuccess: func() { m.publisher.Publish(key, sse.EventLinkSuccess, payload) },
		OnExit:    func() { m.publisher.Publish(key, sse.EventLinkExit, payload) },
	}
}

// stateObserver は遷移をlink.stateイベントとしてセッションへ配信する。
type stateObserver struct {
	topic     string
	publisher Publisher
}

func (o *stateObserver) OnTransition(t linkflow.Transition) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(o.topic, sse.EventLinkState, map[string]string{
		"state":          t.To.Phase.String(),
		"failure_reason": string(t.To.Reason),
		"attempt_id":     t.AttemptID,
	})
}

func (o *stateObserver) OnDiagnostic(linkflow.Diagnostic) {}
