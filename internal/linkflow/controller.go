package linkflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/bankdash/internal/model"
)

var (
	// ErrNotOpenable は連携UIを開ける状態にない場合に返される。
	ErrNotOpenable = errors.New("link UI is not openable")
	// ErrRetryNotAllowed はIdle/Failed以外で再試行しようとした場合に返される。
	ErrRetryNotAllowed = errors.New("retry is only allowed from idle or failed")
	// ErrEmptyLinkToken はサーバーが空のリンクトークンを返した場合の原因エラー。
	// Backendの実装もこのエラーをラップして返す。
	ErrEmptyLinkToken = errors.New("empty link token")
)

// TokenIssuer はリンクトークンを発行するサーバー側の協調者。
type TokenIssuer interface {
	CreateLinkToken(ctx context.Context, userID string) (string, error)
}

// TokenExchanger は公開トークンを永続的な口座アクセス資格に交換するサーバー側の協調者。
type TokenExchanger interface {
	ExchangePublicToken(ctx context.Context, publicToken string, organizationID int64) error
}

// Backend はControllerが利用するサーバーAPIの境界。
type Backend interface {
	TokenIssuer
	TokenExchanger
}

// Notifier は親ビューへの通知先。どちらもnil可。
type Notifier struct {
	// OnSuccess は交換が完了するたびに1回呼ばれる。
	OnSuccess func()
	// OnExit はユーザーが連携UIを途中で閉じるたびに1回呼ばれる。
	OnExit func()
}

// Config はControllerの生成パラメータ。
type Config struct {
	SessionKey     string
	UserID         string
	OrganizationID int64

	Backend  Backend
	Observer Observer
	Notifier Notifier

	// NewAttemptID は連携試行IDの生成関数。未指定ならUUIDを使う。
	NewAttemptID func() string
	// Now はテスト用に差し替え可能な時刻関数。
	Now func() time.Time
}

// ExchangeResult は連携UIの成功イベントから交換呼び出しの間だけ存在する値。
type ExchangeResult struct {
	PublicToken    string
	OrganizationID int64
}

// Snapshot はビューが描画に使う状態の射影。
type Snapshot struct {
	State State
	// LinkToken は連携UIへ渡すトークン。保持していない、または使用済みの場合は空文字列。
	LinkToken string
	// Ready は連携UIがトークンを受理し、開ける準備ができているか。
	Ready bool
	// CanOpen はReadyToOpenかつReadyのときtrue。
	CanOpen   bool
	AttemptID string
}

// Controller は1つのダッシュボードセッションに属する連携フローの状態機械。
//
// ネットワーク呼び出しはロック外で行い、AcquiringTokenとExchangingの状態ガードで
// 同一操作の再入を防ぐ。これにより、トークン取得と交換はそれぞれ同時に1件までとなる。
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	enteredAt time.Time
	token     string
	consumed  bool // tokenで開いたUIの成功イベントを処理済み
	opened    bool
	ready     bool
	attemptID string
	activated bool
	detached  bool
}

// New はIdle状態のControllerを生成する。
func New(cfg Config) *Controller {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.NewAttemptID == nil {
		cfg.NewAttemptID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		state:     Idle(),
		enteredAt: cfg.Now(),
	}
}

// Activate はマウント時に1回だけトークン取得を開始する。2回目以降は現在のSnapshotを返す。
func (c *Controller) Activate(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.activated || c.detached {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.activated = true
	c.mu.Unlock()

	return c.EnsureToken(ctx)
}

// EnsureToken はリンクトークンが利用可能であることを保証する。
//
// 保持済み、または取得中・交換中であれば何もしない。Failedからの呼び出しでは
// 保持中の無効なトークンを破棄してから取得し直す。
// 失敗はFailed(token-init)状態として表現され、呼び出し元へは返さない。
func (c *Controller) EnsureToken(ctx context.Context) Snapshot {
	c.mu.Lock()
	if !c.canAcquireLocked() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.discardTokenLocked()
	c.attemptID = c.cfg.NewAttemptID()
	attemptID := c.attemptID
	c.transitionLocked(AcquiringToken(), nil)
	c.mu.Unlock()

	token, err := c.cfg.Backend.CreateLinkToken(ctx, c.cfg.UserID)
	if err == nil && token == "" {
		err = ErrEmptyLinkToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached || c.attemptID != attemptID {
		c.diagnosticLocked(DiagResultDiscarded, map[string]string{"operation": "create_link_token"})
		return c.snapshotLocked()
	}
	if err != nil {
		c.transitionLocked(Failed(ReasonTokenInit), err)
		return c.snapshotLocked()
	}

	c.token = token
	c.transitionLocked(ReadyToOpen(), nil)
	return c.snapshotLocked()
}

// Retry はユーザー操作による再試行。IdleまたはFailedからのみ受け付ける。
func (c *Controller) Retry(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	phase := c.state.Phase
	if c.detached || (phase != PhaseIdle && phase != PhaseFailed) {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrRetryNotAllowed
	}
	c.mu.Unlock()

	return c.EnsureToken(ctx), nil
}

// SetReady は連携UIの準備完了シグナルを反映する。
// トークンを保持していない間はfalseのまま。
func (c *Controller) SetReady(ready bool) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || c.consumed {
		c.ready = false
	} else {
		c.ready = ready
	}
	return c.snapshotLocked()
}

// Open はユーザーが連携UIを開いたことを記録する。
// ReadyToOpenかつ準備完了でなければErrNotOpenableを返す。
func (c *Controller) Open() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached || !c.canOpenLocked() {
		return c.snapshotLocked(), ErrNotOpenable
	}
	c.opened = true
	return c.snapshotLocked(), nil
}

// OnLinkSuccess は連携UIの成功イベントを処理し、公開トークンをサーバーで交換する。
//
// 保持中のトークンで開いたUIからの最初の成功イベントだけを処理する。
// 使用済みトークンに対する2回目以降の成功イベントは無視する。
// 交換に失敗してもFailed(exchange)に遷移するだけで、自動再送はしない。
func (c *Controller) OnLinkSuccess(ctx context.Context, publicToken string) Snapshot {
	c.mu.Lock()
	if c.detached || c.state.Phase != PhaseReadyToOpen || !c.opened || c.consumed || publicToken == "" {
		c.diagnosticLocked(DiagSuccessIgnored, map[string]string{"state": c.state.String()})
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	result := ExchangeResult{
		PublicToken:    publicToken,
		OrganizationID: c.cfg.OrganizationID,
	}
	c.consumed = true
	c.ready = false
	attemptID := c.attemptID
	c.transitionLocked(Exchanging(), nil)
	c.mu.Unlock()

	err := c.cfg.Backend.ExchangePublicToken(ctx, result.PublicToken, result.OrganizationID)

	c.mu.Lock()
	if c.detached || c.attemptID != attemptID {
		c.diagnosticLocked(DiagResultDiscarded, map[string]string{"operation": "exchange_token"})
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	if err != nil {
		// 無効になったトークンは再試行時に破棄する
		c.transitionLocked(Failed(ReasonExchange), err)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}

	c.discardTokenLocked()
	c.transitionLocked(Idle(), nil)
	snap := c.snapshotLocked()
	notify := c.cfg.Notifier.OnSuccess
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
	return snap
}

// OnLinkExit はユーザーが連携UIを完了せずに閉じたことを処理する。
// エラーではないためIdleへ戻り、ネットワーク呼び出しは行わない。
//
// 成功イベントと同じく、保持中のトークンでUIを開いた後の終了だけを受け付ける。
// 開く前に届いた終了イベントでは有効なトークンを捨てない。
func (c *Controller) OnLinkExit(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.detached || c.state.Phase != PhaseReadyToOpen || !c.opened {
		c.diagnosticLocked(DiagExitIgnored, map[string]string{"state": c.state.String()})
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}

	c.discardTokenLocked()
	c.transitionLocked(Idle(), nil)
	snap := c.snapshotLocked()
	notify := c.cfg.Notifier.OnExit
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
	return snap
}

// ObserveEvent は連携UIの診断イベントをObserverへ渡す。状態には影響しない。
func (c *Controller) ObserveEvent(name string, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnosticLocked(name, metadata)
}

// Detach はビューのアンマウントを表す。以降に完了した通信結果は破棄される。
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.ready = false
}

// Detached はDetach済みかどうかを返す。
func (c *Controller) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// Snapshot は現在の状態の射影を返す。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) canAcquireLocked() bool {
	if c.detached {
		return false
	}
	switch c.state.Phase {
	case PhaseAcquiringToken, PhaseExchanging:
		return false
	case PhaseFailed:
		return true
	default:
		return c.token == ""
	}
}

func (c *Controller) canOpenLocked() bool {
	return c.state.Phase == PhaseReadyToOpen && c.token != "" && !c.consumed && c.ready
}

func (c *Controller) discardTokenLocked() {
	c.token = ""
	c.consumed = false
	c.opened = false
	c.ready = false
}

func (c *Controller) transitionLocked(next State, cause error) {
	now := c.cfg.Now()
	t := Transition{
		SessionKey:     c.cfg.SessionKey,
		UserID:         c.cfg.UserID,
		OrganizationID: c.cfg.OrganizationID,
		AttemptID:      c.attemptID,
		From:           c.state,
		To:             next,
		Elapsed:        now.Sub(c.enteredAt),
		Cause:          cause,
		At:             now,
	}
	c.state = next
	c.enteredAt = now
	c.cfg.Observer.OnTransition(t)
}

func (c *Controller) diagnosticLocked(name string, metadata map[string]string) {
	c.cfg.Observer.OnDiagnostic(Diagnostic{
		SessionKey:     c.cfg.SessionKey,
		UserID:         c.cfg.UserID,
		OrganizationID: c.cfg.OrganizationID,
		AttemptID:      c.attemptID,
		Name:           name,
		Metadata:       metadata,
		Phase:          c.state.Phase,
		At:             c.cfg.Now(),
	})
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     c.state,
		Ready:     c.ready,
		CanOpen:   c.canOpenLocked(),
		AttemptID: c.attemptID,
	}
	if !c.consumed {
		snap.LinkToken = c.token
	}
	return snap
}

// ErrorOf はSnapshotに含まれるユーザー向けエラーを返す。Failed以外ではnil。
func (s Snapshot) ErrorOf() *model.APIError {
	return s.State.Err
}
