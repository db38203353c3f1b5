package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/security"
	"github.com/hitoshi/bankdash/internal/sse"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Verifier          middleware.TokenVerifier
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 口座連携
	Sessions  SessionRegistry
	Sanitizer security.MetadataSanitizer
	Hub       *sse.Hub

	// 運用
	HealthChecker  Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS
//	  └ /api/link*: Auth → CSRF → RequireRole → RateLimit(General) [→ RateLimit(LinkToken)]
//
// /health、/metrics、/api/csrf-tokenは認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	linkHandler := NewLinkHandler(deps.Sessions, deps.Sanitizer)

	// --- 認証不要のルート ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(middleware.NewRequireRoleMiddleware(model.RoleOrgAdmin, model.RoleSuperUser))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		linkTokenLimit := deps.RateLimiter.LinkTokenMiddleware()

		r.Route("/api/link", func(r chi.Router) {
			// リンクトークン取得を伴う操作には専用レート制限を追加
			r.With(linkTokenLimit).Get("/", linkHandler.Mount)
			r.With(linkTokenLimit).Post("/retry", linkHandler.Retry)

			r.Delete("/", linkHandler.Unmount)
			r.Get("/state", linkHandler.State)
			r.Put("/ready", linkHandler.Ready)
			r.Post("/open", linkHandler.Open)
			r.Post("/success", linkHandler.Success)
			r.Post("/exit", linkHandler.Exit)
			r.Post("/events", linkHandler.Event)
			r.Get("/stream", sse.Handler(deps.Hub, StreamTopic))
		})
	})

	return r
}
