package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/huddle/internal/middleware"
)

// graphQLBodyLimit はGraphQLリクエストの上限（2MBのファイル10個分）。
const graphQLBodyLimit = 20 << 20

// MetricsRecorder はルーターが記録するメトリクス。
type MetricsRecorder interface {
	LoginRecorder
	middleware.StatusRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger     *slog.Logger
	Production bool

	// パス
	GraphQLPath  string
	LoginPath    string
	CallbackPath string
	AssetsDir    string

	// ミドルウェア依存
	Sessions          middleware.SessionManager
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string

	// 監視
	DB             Pinger
	Metrics        MetricsRecorder
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// GraphQL
	GraphQL http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP → SecurityHeaders → Metrics → Session → Logging → RateLimit(General)
//
// /health と /metrics はセッションとレート制限の外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Production))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}

	systemHandler := NewSystemHandler(deps.DB)
	authHandler := NewAuthHandler(deps.AuthService, deps.Metrics, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)

	// --- 監視用のルート ---
	r.Get("/health", systemHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- アプリケーションのルート ---
	// ミドルウェアスタック: Session → Logging → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api", systemHandler.Ping)

		// Facebookログイン（認証専用のレート制限を追加）
		r.With(deps.RateLimiter.AuthMiddleware()).Get(deps.LoginPath, authHandler.Login)
		r.With(deps.RateLimiter.AuthMiddleware()).Get(deps.CallbackPath, authHandler.Callback)
		r.Get(deps.AuthConfig.FailurePath, authHandler.Failure)

		// セッション管理
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/me", authHandler.Me)

		// GraphQL（CORSはこのエンドポイントのみ）
		r.With(
			middleware.NewCORSMiddleware(deps.CORSAllowedOrigin),
			chimw.RequestSize(graphQLBodyLimit),
		).Handle(deps.GraphQLPath, deps.GraphQL)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuthentication())

			r.Handle("/api/images/*", NewAssetsHandler("/api/images/", deps.AssetsDir))
			r.Delete("/api/users/me", userHandler.Withdraw)
		})
	})

	return r
}
