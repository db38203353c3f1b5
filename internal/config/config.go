package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// minJWTSecretLen はHS256署名鍵として受け付ける最小バイト数。
const minJWTSecretLen = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Backend API
	BackendAPIURL   string
	BackendAPIToken string
	BackendTimeout  time.Duration

	// Auth
	AuthJWTSecret string
	AuthJWTIssuer string
	AuthTokenTTL  time.Duration

	// Link session
	LinkSessionTTL    time.Duration
	LinkSessionMax    int
	JournalBufferSize int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral   int
	RateLimitLinkToken int

	// Cleanup
	JournalRetentionDays int
	CleanupInterval      time.Duration

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// LoadDotEnv は.envファイルが存在すれば環境変数として読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BackendAPIURL = os.Getenv("BACKEND_API_URL")
	if cfg.BackendAPIURL == "" {
		missing = append(missing, "BACKEND_API_URL")
	}

	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if cfg.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateBackendURL(cfg.BackendAPIURL); err != nil {
		return nil, err
	}
	if len(cfg.AuthJWTSecret) < minJWTSecretLen {
		return nil, fmt.Errorf("AUTH_JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}

	// Optional fields with defaults
	cfg.BackendAPIToken = getEnvString("BACKEND_API_TOKEN", "")
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 15*time.Second)
	cfg.AuthJWTIssuer = getEnvString("AUTH_JWT_ISSUER", "bankdash")
	cfg.AuthTokenTTL = getEnvDuration("AUTH_TOKEN_TTL", time.Hour)
	cfg.LinkSessionTTL = getEnvDuration("LINK_SESSION_TTL", 30*time.Minute)
	cfg.LinkSessionMax = getEnvInt("LINK_SESSION_MAX", 1000)
	cfg.JournalBufferSize = getEnvInt("JOURNAL_BUFFER_SIZE", 256)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLinkToken = getEnvInt("RATE_LIMIT_LINK_TOKEN", 10)
	cfg.JournalRetentionDays = getEnvInt("JOURNAL_RETENTION_DAYS", 14)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func validateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("BACKEND_API_URL is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_API_URL must be an absolute http(s) URL: %q", raw)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
