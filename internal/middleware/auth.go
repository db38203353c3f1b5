// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/hitoshi/bankdash/internal/model"
)

// accessTokenCookieName はEventSourceなどヘッダーを付与できないクライアント向けのCookie名。
const accessTokenCookieName = "access_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	principalContextKey  = contextKey("principal")
	authMethodContextKey = contextKey("auth_method")
)

// AuthMethod はアクセストークンの受け取り経路。
type AuthMethod string

const (
	// AuthMethodBearer はAuthorizationヘッダーで受け取ったトークン。
	AuthMethodBearer AuthMethod = "bearer"
	// AuthMethodCookie はCookieで受け取ったトークン。CSRF検証の対象になる。
	AuthMethodCookie AuthMethod = "cookie"
)

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
// auth.Verifierが実装する。
type TokenVerifier interface {
	Verify(token string) (model.Principal, error)
}

// NewAuthMiddleware はアクセストークンを検証するミドルウェアを返す。
// Authorization: Bearer ヘッダーを優先し、なければaccess_token Cookieを読む。
// 認証済みPrincipalとトークンの受け取り経路をリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, method := extractToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("access token rejected",
					slog.String("error", err.Error()),
					slog.String("auth_method", string(method)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			recordPrincipal(r.Context(), principal)
			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = contextWithAuthMethod(ctx, method)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireRoleMiddleware は指定ロールのいずれかを持たないリクエストに403を返す。
func NewRequireRoleMiddleware(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !slices.Contains(roles, principal.Role) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) (string, AuthMethod) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token), AuthMethodBearer
		}
		return "", AuthMethodBearer
	}
	if cookie, err := r.Cookie(accessTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, AuthMethodCookie
	}
	return "", ""
}

// PrincipalFromContext はリクエストコンテキストから認証済みPrincipalを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (model.Principal, error) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	if !ok || p.UserID == "" {
		return model.Principal{}, fmt.Errorf("principal not found in context")
	}
	return p, nil
}

// ContextWithPrincipal はコンテキストにPrincipalを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

func contextWithAuthMethod(ctx context.Context, m AuthMethod) context.Context {
	return context.WithValue(ctx, authMethodContextKey, m)
}

// AuthMethodFromContext はアクセストークンの受け取り経路を返す。未認証の場合は空文字列。
func AuthMethodFromContext(ctx context.Context) AuthMethod {
	m, _ := ctx.Value(authMethodContextKey).(AuthMethod)
	return m
}
