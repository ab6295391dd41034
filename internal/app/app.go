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
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/hybridauth/internal/auth"
	"github.com/hitoshi/hybridauth/internal/config"
	"github.com/hitoshi/hybridauth/internal/database"
	"github.com/hitoshi/hybridauth/internal/handler"
	"github.com/hitoshi/hybridauth/internal/logger"
	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/middleware"
	"github.com/hitoshi/hybridauth/internal/repository"
	"github.com/hitoshi/hybridauth/internal/security"
	"github.com/hitoshi/hybridauth/internal/user"
	"github.com/hitoshi/hybridauth/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
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
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.Port),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	discovery := config.NewDiscovery(cfg, slog.Default())

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, discovery)
	case CommandMigrate:
		return runMigrate(discovery)
	default:
		return runServe(ctx, cfg, discovery)
	}
}

// openDatabase は資格情報探索で得たURLでDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, discovery *config.Discovery) (*sql.DB, error) {
	dsn, err := discovery.DatabaseURL()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(dsn)),
	)
	return db, nil
}

// runServe はサーバーモードで起動する。
// HTTPサーバーと期限切れセッションのクリーンアップを同一プロセスで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, discovery *config.Discovery) error {
	// 1. DB接続
	db, err := openDatabase(ctx, discovery)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	verificationRepo := repository.NewPostgresVerificationRepo(db)
	uow := repository.NewPostgresUnitOfWork(db)

	// 4. ドメインサービスの初期化
	exchanger := auth.NewExchangeClient(discovery, auth.ExchangeConfig{
		Timeout:       cfg.SSOExchangeTimeout,
		VerifyIDToken: cfg.SSOVerifyIDToken,
	})
	reconciler := auth.NewReconciler(uow, security.NewProfileSanitizer(), auth.ReconcilerConfig{
		ProviderID: cfg.SSOProviderID,
		SessionTTL: cfg.SessionTTL,
	}, slog.Default())
	resolver := auth.NewSessionResolver(userRepo, sessionRepo)
	userService := user.NewService(userRepo, sessionRepo)
	cleanupJob := cleanup.NewJob(sessionRepo, verificationRepo, slog.Default(), collector)

	// 5. ルーターの構築
	cookie := handler.CookieConfig{
		Name:   cfg.SessionCookieName,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure(),
		TTL:    cfg.SessionTTL,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		SessionResolver: resolver,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			PerMinute: cfg.RateLimitAuth,
			Metrics:   collector,
		}),
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
		HealthChecker:  db,
		PublicPrefixes: cfg.PublicPathPrefixes,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure(),
			CookieDomain: cfg.CookieDomain,
		},
		HSTS: cfg.CookieSecure(),

		Exchanger:  exchanger,
		Reconciler: reconciler,
		SSORoute:   cfg.SSORoute,
		SSOConfig: handler.SSOHandlerConfig{
			CallbackURL: cfg.SSOCallbackURL(),
			LoginPath:   cfg.LoginPath,
			LandingPath: cfg.LandingPath,
			Cookie:      cookie,
		},

		SessionTerminator: resolver,
		UserService:       userService,
	})

	// 6. HTTPサーバーとクリーンアップの起動
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return cleanupJob.Schedule(gctx, cfg.CleanupSchedule)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// クリーンアップジョブだけを実行し、シグナル受信で停止する。
func runWorker(ctx context.Context, cfg *config.Config, discovery *config.Discovery) error {
	db, err := openDatabase(ctx, discovery)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	job := cleanup.NewJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresVerificationRepo(db),
		slog.Default(),
		nil,
	)

	if err := job.Schedule(ctx, cfg.CleanupSchedule); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(discovery *config.Discovery) error {
	dsn, err := discovery.DatabaseURL()
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(dsn)),
	)

	version, err := database.RunMigrations(dsn)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
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
	if err != nil || u.Scheme == "" {
		return "***"
	}
	return u.Redacted()
}
