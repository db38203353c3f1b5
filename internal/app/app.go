package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/bankdash/internal/auth"
	"github.com/hitoshi/bankdash/internal/bankapi"
	"github.com/hitoshi/bankdash/internal/config"
	"github.com/hitoshi/bankdash/internal/database"
	"github.com/hitoshi/bankdash/internal/handler"
	"github.com/hitoshi/bankdash/internal/linkflow"
	"github.com/hitoshi/bankdash/internal/linksession"
	"github.com/hitoshi/bankdash/internal/logger"
	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/repository"
	"github.com/hitoshi/bankdash/internal/security"
	"github.com/hitoshi/bankdash/internal/sse"
	"github.com/hitoshi/bankdash/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// serverWriteTimeout はレスポンス書き込みのタイムアウト。
// マウント時のトークン取得はBACKEND_TIMEOUTまでブロックするため、それより長くとる。
// SSEストリームはハンドラー内で書き込み期限を解除する。
const serverWriteTimeout = 45 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envを読み込む（存在しなければ何もしない）
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたレベルでロガーを再構成する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd == CommandToken {
		opts, err := ParseTokenOptions(args[1:])
		if err != nil {
			return err
		}
		return runToken(cfg, opts, w)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("backend_api_url", cfg.BackendAPIURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 連携ジャーナル
	eventRepo := repository.NewPostgresLinkEventRepo(db)
	journal := linksession.NewJournal(eventRepo, slog.Default(), cfg.JournalBufferSize)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)
	collector.RegisterGaugeFunc("bankdash_journal_dropped_total",
		"バッファ満杯で破棄された連携ジャーナルのイベント数",
		func() float64 { return float64(journal.Dropped()) },
	)

	observer := linkflow.Observers{
		linkflow.NewLogObserver(slog.Default()),
		collector,
		journal,
	}

	// 4. バックエンドAPIクライアント
	backend := bankapi.NewClient(
		&http.Client{
			Timeout:   cfg.BackendTimeout,
			Transport: collector.InstrumentTransport(nil),
		},
		slog.Default(),
		cfg.BackendAPIURL,
		cfg.BackendAPIToken,
	)

	// 5. 状態通知のSSEハブとセッション管理
	hub := sse.NewHub(slog.Default())
	hub.Start()

	sessions := linksession.NewManager(
		linksession.Config{MaxSessions: cfg.LinkSessionMax, TTL: cfg.LinkSessionTTL},
		backend, observer, hub, slog.Default(),
	)
	collector.RegisterGaugeFunc("bankdash_link_sessions",
		"保持中の連携セッション数",
		func() float64 { return float64(sessions.Len()) },
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitLinkToken),
	)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Verifier:          auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		Sessions:  sessions,
		Sanitizer: security.NewMetadataSanitizer(),
		Hub:       hub,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	// SSEストリームを閉じてからShutdownの待機に入る
	server.RegisterOnShutdown(hub.Stop)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		sessions.Close()
		hub.Stop()
		rateLimiter.Stop()
		journal.Close()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)

	// 処理中のリクエストが終わってから残りを停止する。
	// ジャーナルはセッション解放時の遷移まで書き切ってから閉じる。
	sessions.Close()
	hub.Stop()
	rateLimiter.Stop()
	journal.Close()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、連携ジャーナルのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(repository.NewPostgresLinkEventRepo(db), slog.Default())
	cleanupJob.RetentionDays = cfg.JournalRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.JournalRetentionDays),
	)

	// ctxがキャンセルされるまでブロックする
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runToken は開発用のアクセストークンを発行して標準出力に書き出す。
func runToken(cfg *config.Config, opts TokenOptions, out io.Writer) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cfg.AuthTokenTTL
	}
	issuer := auth.NewIssuer(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, ttl)

	token, expiresAt, err := issuer.Issue(opts.Principal())
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("access token issued",
		slog.String("user_id", opts.UserID),
		slog.Int64("organization_id", opts.OrganizationID),
		slog.Time("expires_at", expiresAt),
	)
	_, err = fmt.Fprintln(out, token)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
