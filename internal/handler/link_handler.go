package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bankdash/internal/linkflow"
	"github.com/hitoshi/bankdash/internal/linksession"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/security"
	"github.com/hitoshi/bankdash/internal/sse"
)

// 成功・終了イベントに添付されたメタデータを記録する診断イベント名
const (
	eventSuccessMetadata = linkflow.ReservedDiagPrefix + "success_metadata"
	eventExitMetadata    = linkflow.ReservedDiagPrefix + "exit_metadata"
)

// SessionRegistry はセッションごとの連携Controllerを管理する。
// linksession.Managerが実装する。
type SessionRegistry interface {
	Acquire(p model.Principal) (*linkflow.Controller, bool)
	Lookup(p model.Principal) (*linkflow.Controller, bool)
	Release(p model.Principal) bool
}

// LinkHandler は口座連携フローのHTTPハンドラー。
// ビューのマウントから連携UIの終了イベントまでを1つのControllerに中継する。
type LinkHandler struct {
	sessions  SessionRegistry
	sanitizer security.MetadataSanitizer
}

// NewLinkHandler はLinkHandlerを生成する。
func NewLinkHandler(sessions SessionRegistry, sanitizer security.MetadataSanitizer) *LinkHandler {
	return &LinkHandler{
		sessions:  sessions,
		sanitizer: sanitizer,
	}
}

// linkStateResponse はControllerのSnapshotのAPIレスポンス。
type linkStateResponse struct {
	State         string                        `json:"state"`
	LinkToken     string                        `json:"link_token"`
	Ready         bool                          `json:"ready"`
	CanOpen       bool                          `json:"can_open"`
	AttemptID     string                        `json:"attempt_id"`
	FailureReason string                        `json:"failure_reason"`
	Error         *middleware.ErrorResponseBody `json:"error"`
}

func toLinkStateResponse(s linkflow.Snapshot) linkStateResponse {
	resp := linkStateResponse{
		State:         s.State.Phase.String(),
		LinkToken:     s.LinkToken,
		Ready:         s.Ready,
		CanOpen:       s.CanOpen,
		AttemptID:     s.AttemptID,
		FailureReason: string(s.State.Reason),
	}
	if apiErr := s.ErrorOf(); apiErr != nil {
		resp.Error = &middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}
	return resp
}

// readyRequest は連携UIの準備完了シグナル。
type readyRequest struct {
	Ready *bool `json:"ready" validate:"required"`
}

// successRequest は連携UIの成功イベント。
type successRequest struct {
	PublicToken string       `json:"public_token" validate:"required,max=512"`
	Metadata    linkMetadata `json:"metadata" validate:"max=64"`
}

// exitRequest は連携UIの終了イベント。ボディは任意。
type exitRequest struct {
	Metadata linkMetadata `json:"metadata" validate:"max=64"`
}

// eventRequest は連携UIの診断イベント。
type eventRequest struct {
	EventName string       `json:"event_name" validate:"required,max=64,eventname,unreserved"`
	Metadata  linkMetadata `json:"metadata" validate:"max=64"`
}

// linkMetadata は連携UIが送るメタデータ。値は任意のJSON。
type linkMetadata map[string]json.RawMessage

// flatten は値を文字列化したマップを返す。文字列値は引用符を外す。
func (m linkMetadata) flatten() map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(raw)
	}
	return out
}

// backendContext はリクエストのキャンセルから切り離したコンテキストを返す。
// ブラウザが切断しても、発行済みのトークン取得や交換は完了させる。
func backendContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// Mount はビューのマウントを処理する。
// GET /api/link
// セッションのControllerを取得または生成し、初回のみトークン取得を開始する。
func (h *LinkHandler) Mount(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	ctrl, created := h.sessions.Acquire(principal)
	snap := ctrl.Activate(backendContext(r))
	if created {
		slog.Info("link view mounted",
			slog.String("session_key", linksession.SessionKey(principal)),
			slog.String("state", snap.State.String()),
		)
	}
	writeJSON(w, http.StatusOK, toLinkStateResponse(snap))
}

// State は現在の連携状態を返す。ネットワーク呼び出しは行わない。
// GET /api/link/state
func (h *LinkHandler) State(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toLinkStateResponse(ctrl.Snapshot()))
}

// Retry はユーザー操作による再試行を処理する。
// POST /api/link/retry
func (h *LinkHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	snap, err := ctrl.Retry(backendContext(r))
	if errors.Is(err, linkflow.ErrRetryNotAllowed) {
		handleServiceError(w, model.NewLinkRetryNotAllowedError())
		return
	}
	writeJSON(w, http.StatusOK, toLinkStateResponse(snap))
}

// Ready は連携UIの準備完了シグナルを反映する。
// PUT /api/link/ready
func (h *LinkHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req readyRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}
	writeJSON(w, http.StatusOK, toLinkStateResponse(ctrl.SetReady(*req.Ready)))
}

// Open は利用者が連携UIを開いたことを記録する。
// POST /api/link/open
func (h *LinkHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	snap, err := ctrl.Open()
	if errors.Is(err, linkflow.ErrNotOpenable) {
		handleServiceError(w, model.NewLinkNotOpenableError())
		return
	}
	writeJSON(w, http.StatusOK, toLinkStateResponse(snap))
}

// Success は連携UIの成功イベントを処理し、公開トークンを交換する。
// POST /api/link/success
// 交換の失敗はレスポンスのstateとerrorで表現し、HTTPステータスは200とする。
func (h *LinkHandler) Success(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req successRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	if md := h.sanitizer.Sanitize(req.Metadata.flatten()); md != nil {
		ctrl.ObserveEvent(eventSuccessMetadata, md)
	}
	snap := ctrl.OnLinkSuccess(backendContext(r), req.PublicToken)
	writeJSON(w, http.StatusOK, toLinkStateResponse(snap))
}

// Exit は利用者が連携UIを完了せずに閉じたことを処理する。
// POST /api/link/exit
func (h *LinkHandler) Exit(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req exitRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}

	if md := h.sanitizer.Sanitize(req.Metadata.flatten()); md != nil {
		ctrl.ObserveEvent(eventExitMetadata, md)
	}
	snap := ctrl.OnLinkExit(r.Context())
	writeJSON(w, http.StatusOK, toLinkStateResponse(snap))
}

// Event は連携UIの診断イベントを記録する。状態には影響しない。
// POST /api/link/events
func (h *LinkHandler) Event(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	ctrl.ObserveEvent(h.sanitizer.SanitizeString(req.EventName), h.sanitizer.Sanitize(req.Metadata.flatten()))
	w.WriteHeader(http.StatusAccepted)
}

// Unmount はビューのアンマウントを処理する。
// DELETE /api/link
// 以降に完了した通信結果は破棄される。セッションが存在しなくても204を返す。
func (h *LinkHandler) Unmount(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	if h.sessions.Release(principal) {
		slog.Info("link view unmounted",
			slog.String("session_key", linksession.SessionKey(principal)),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamTopic はSSEストリームの購読トピックとしてセッションキーを返す。
func StreamTopic(r *http.Request) (string, bool) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		return "", false
	}
	return linksession.SessionKey(principal), true
}

func (h *LinkHandler) principal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return model.Principal{}, false
	}
	return principal, true
}

func (h *LinkHandler) lookup(w http.ResponseWriter, r *http.Request) (*linkflow.Controller, bool) {
	principal, ok := h.principal(w, r)
	if !ok {
		return nil, false
	}
	ctrl, ok := h.sessions.Lookup(principal)
	if !ok {
		handleServiceError(w, model.NewLinkSessionNotFoundError())
		return nil, false
	}
	return ctrl, true
}

// compile-time interface check
var (
	_ SessionRegistry = (*linksession.Manager)(nil)
	_ sse.TopicFunc   = StreamTopic
)
