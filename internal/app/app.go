// Package app は設定の読み込みと依存関係のワイヤリングを行い、サブコマンドごとにプロセスを起動する。
package app

import (
	"context"
	"database/sql"
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/huddle/internal/auth"
	"github.com/hitoshi/huddle/internal/config"
	"github.com/hitoshi/huddle/internal/database"
	"github.com/hitoshi/huddle/internal/graph"
	"github.com/hitoshi/huddle/internal/handler"
	"github.com/hitoshi/huddle/internal/logger"
	"github.com/hitoshi/huddle/internal/metrics"
	"github.com/hitoshi/huddle/internal/middleware"
	"github.com/hitoshi/huddle/internal/repository"
	"github.com/hitoshi/huddle/internal/session"
	"github.com/hitoshi/huddle/internal/user"
	"github.com/hitoshi/huddle/internal/worker/cleanup"
)

const (
	dbConnectTimeout = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
	facebookTimeout  = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("APP_PORT")
		if port == "" {
			port = "4000"
		}
		return runHealthcheck("http://localhost:" + port + "/health")
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("public_domain", cfg.PublicDomain),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行い、未完了のセッション書き込みを待つ。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続とセッションテーブル
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.EnsureSessionTable(ctx, db, cfg.SessionCollection); err != nil {
		return err
	}

	slog.Info("database connection established",
		slog.String("session_table", cfg.SessionCollection),
	)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db, cfg.SessionCollection)

	// 4. セッション
	persisterCfg := session.DefaultPersisterConfig()
	if cfg.SessionSaveAttempts > 0 {
		persisterCfg.MaxAttempts = cfg.SessionSaveAttempts
	}
	persister := session.NewPersister(sessionRepo, collector, slog.Default(), persisterCfg)
	sessions := session.NewManager(sessionRepo, session.NewCodec(cfg.SessionSecret), persister, session.Options{
		CookieName: cfg.SessionName,
		Lifetime:   cfg.SessionLifetime,
		Secure:     cfg.CookieSecure,
	}, slog.Default())

	// 5. ドメインサービスの初期化
	userService := user.NewService(userRepo, identRepo, sessionRepo, collector)

	provider := auth.NewFacebookProvider(auth.FacebookConfig{
		AppID:       cfg.FacebookAppID,
		AppSecret:   cfg.FacebookAppSecret,
		RedirectURL: cfg.CallbackURL(),
		HTTPClient:  &http.Client{Timeout: facebookTimeout},
	})
	authService := auth.NewService(provider, userService, slog.Default())

	// 6. GraphQL
	schema, err := graph.NewSchema(graph.NewUserModule(userService))
	if err != nil {
		return fmt.Errorf("failed to build graphql schema: %w", err)
	}
	graphQLConfig := graph.DefaultHandlerConfig()
	graphQLConfig.GraphiQL = !cfg.Production
	graphQLHandler := graph.NewHandler(schema, graphQLConfig, slog.Default())

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:     slog.Default(),
		Production: cfg.Production,

		GraphQLPath:  cfg.GraphQLPath,
		LoginPath:    cfg.LoginPath,
		CallbackPath: cfg.CallbackPath,
		AssetsDir:    cfg.AssetsDir,

		Sessions:          sessions,
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,

		DB:             db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			AppDomain:    cfg.AppDomain,
			SuccessURL:   cfg.SuccessURL,
			FailurePath:  cfg.FailurePath,
			CookieSecure: cfg.CookieSecure,
		},

		UserService: userService,
		GraphQL:     graphQLHandler,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("graphql_path", cfg.GraphQLPath),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// レスポンス後に投入されたセッション書き込みを完了させる
	if err := persister.Wait(shutdownCtx); err != nil {
		slog.Warn("pending session writes were abandoned", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップを定期実行し、ctxがキャンセルされると終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	sessionRepo := repository.NewPostgresSessionRepo(db, cfg.SessionCollection)
	collector := metrics.NewCollector(prometheus.NewRegistry())

	job := cleanup.NewCleanupJob(sessionRepo, collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// users・identitiesのマイグレーションを適用し、設定された名前でセッションテーブルを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.EnsureSessionTable(ctx, db, cfg.SessionCollection); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("session_table", cfg.SessionCollection),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(target string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
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
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
