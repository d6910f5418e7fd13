package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// sessionCollectionPattern はセッションテーブル名として許可する識別子。
var sessionCollectionPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// SESSION_LIFEの許容範囲（ミリ秒）。Cookieの Max-Age は秒単位のため1秒以上、
// 上限はブラウザが受け付ける Max-Age の上限（400日）。
const (
	minSessionLifeMs = int64(1000)
	maxSessionLifeMs = int64(400 * 24 * time.Hour / time.Millisecond)
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort   string
	AppDomain    string // MY_DOMAIN: フロントエンドの公開ドメイン
	PublicDomain string // MY_PUBLIC_DOMAIN: このAPIの公開URL
	Production   bool
	GraphQLPath  string
	AssetsDir    string
	LogLevel     string

	// Session
	SessionCollection   string
	SessionName         string
	SessionSecret       string
	SessionLifetime     time.Duration
	SessionSaveAttempts int

	// Facebook OAuth
	FacebookAppID     string
	FacebookAppSecret string
	LoginPath         string
	CallbackPath      string
	FailurePath       string
	SuccessURL        string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Worker
	SessionCleanupInterval time.Duration

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// CallbackURL はOAuthプロバイダーに登録するコールバックURLを返す。
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicDomain, "/") + c.CallbackPath
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	// .envは任意。存在しない場合は無視する
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.AppDomain = required("MY_DOMAIN")
	cfg.PublicDomain = required("MY_PUBLIC_DOMAIN")
	cfg.ServerPort = required("APP_PORT")
	cfg.SessionCollection = required("SESSION_DB_COLLECTION")
	cfg.SessionName = required("SESSION_NAME")
	cfg.SessionSecret = required("SESSION_SECRET")
	sessionLife := required("SESSION_LIFE")
	cfg.AssetsDir = required("ASSETS_DIR")
	cfg.CORSAllowedOrigin = required("CLIENT_ADDR")
	cfg.FacebookAppID = required("APP_ID")
	cfg.FacebookAppSecret = required("APP_SECRET")
	cfg.LoginPath = required("FB_LOGIN_PATH")
	cfg.CallbackPath = required("FB_LOGIN_CB_PATH")
	cfg.FailurePath = required("FB_LOGIN_FAIL_PATH")
	cfg.SuccessURL = required("FB_SUCCESS_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Validation
	var invalid []string

	// SESSION_LIFEはミリ秒で指定する
	lifeMs, err := strconv.ParseInt(sessionLife, 10, 64)
	if err != nil || lifeMs < minSessionLifeMs || lifeMs > maxSessionLifeMs {
		invalid = append(invalid, "SESSION_LIFE")
	}
	cfg.SessionLifetime = time.Duration(lifeMs) * time.Millisecond

	if !sessionCollectionPattern.MatchString(cfg.SessionCollection) {
		invalid = append(invalid, "SESSION_DB_COLLECTION")
	}

	if _, err := strconv.Atoi(cfg.ServerPort); err != nil {
		invalid = append(invalid, "APP_PORT")
	}

	for key, path := range map[string]string{
		"FB_LOGIN_PATH":      cfg.LoginPath,
		"FB_LOGIN_CB_PATH":   cfg.CallbackPath,
		"FB_LOGIN_FAIL_PATH": cfg.FailurePath,
	} {
		if !strings.HasPrefix(path, "/") {
			invalid = append(invalid, key)
		}
	}

	if len(invalid) > 0 {
		slices.Sort(invalid)
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	// Optional fields with defaults
	cfg.Production = getEnvString("APP_ENV", "development") == "production"
	cfg.GraphQLPath = getEnvString("GRAPHQL_PATH", "/api/graphql")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.SessionSaveAttempts = getEnvInt("SESSION_SAVE_ATTEMPTS", 3)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.CookieSecure = strings.HasPrefix(cfg.PublicDomain, "https://")

	return cfg, nil
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
