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

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/storefront/internal/catalog"
	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/config"
	"github.com/hitoshi/storefront/internal/database"
	"github.com/hitoshi/storefront/internal/handler"
	"github.com/hitoshi/storefront/internal/logger"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
	"github.com/hitoshi/storefront/internal/session"
	"github.com/hitoshi/storefront/internal/shopapi"
	"github.com/hitoshi/storefront/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, envFile string) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイル → 環境変数の順に設定を読み込む
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := NewRootCommand(w)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func runWithConfig(w io.Writer, opts *RootOptions, command string, fn func(cfg *config.Config) error) error {
	cfg, err := Init(w, opts.EnvFile)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", command),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_backend", cfg.SessionBackend),
	)

	return fn(cfg)
}

// sessionStore はセッションの永続化先。
type sessionStore struct {
	repo    repository.SessionRepository
	health  handler.HealthChecker
	deleter repository.ExpiredSessionDeleter // TTLで失効するストアではnil
	close   func() error
}

// openSessionStore はSESSION_BACKENDに応じてPostgreSQLまたはRedisに接続する。
func openSessionStore(ctx context.Context, cfg *config.Config) (*sessionStore, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		client, err := database.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established")

		return &sessionStore{
			repo:   repository.NewRedisSessionRepo(client),
			health: redisHealthChecker(client),
			close:  client.Close,
		}, nil

	default:
		db, err := openPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgresSessionRepo(db)
		return &sessionStore{
			repo:    repo,
			health:  db,
			deleter: repo,
			close:   db.Close,
		}, nil
	}
}

func redisHealthChecker(client *redis.Client) handler.HealthChecker {
	return handler.HealthCheckerFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

func openPostgres(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newMetricsRegistry はランタイムのメトリクスを含むレジストリを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildRouter は全依存関係をワイヤリングしてルーターを構築する。
// 返される停止関数でレート制限のクリーンアップとセッション購読を解除する。
func buildRouter(cfg *config.Config, store *sessionStore, reg *prometheus.Registry, collector *metrics.Collector, log *slog.Logger) (http.Handler, func(), error) {
	// 1. バックエンドAPIクライアント
	api := shopapi.NewClient(
		&http.Client{Timeout: cfg.BackendTimeout},
		cfg.BackendURL,
		log,
	).WithTimeout(cfg.BackendTimeout).WithObserver(collector)

	// 2. セッションとチェックアウト
	sessions := session.NewService(api, store.repo, session.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	}, log)

	registry := checkout.NewRegistry(checkout.Deps{
		API:                    api,
		Sessions:               sessions,
		Recorder:               collector,
		Logger:                 log,
		EmptyCartRedirectDelay: cfg.EmptyCartRedirectDelay,
		Timeout:                cfg.BackendTimeout,
	})
	unsubscribe := sessions.Subscribe(registry.OnSessionEvent)

	// 3. 商品一覧と画像プロキシ
	catalogService := catalog.NewService(api, sessions, security.NewDescriptionSanitizer(), log)
	images := catalog.NewImageProxy(security.NewImageURLGuard(), cfg.ImageProxyTimeout, cfg.ImageProxyMaxSize, log)

	// 4. 表示
	renderer, err := handler.NewRenderer(log)
	if err != nil {
		unsubscribe()
		return nil, nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	// 5. ルーター
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	cookie := handler.CookieConfig{
		Domain:        cfg.CookieDomain,
		Secure:        cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   log,
		Renderer: renderer,

		Sessions:    sessions,
		RateLimiter: limiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		StatusObserver: collector,

		AuthService: sessions,
		AuthConfig: handler.AuthHandlerConfig{
			Cookie:                cookie,
			RegisterRedirectDelay: cfg.RegisterRedirectDelay,
		},

		CatalogService: catalogService,
		Images:         images,
		ImageRecorder:  collector,

		Checkout: registry,

		HealthChecker:  store.health,
		MetricsHandler: metrics.Handler(reg),
	})

	stop := func() {
		limiter.Stop()
		unsubscribe()
	}
	return router, stop, nil
}

// runServe はHTTPサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	reg, collector := newMetricsRegistry()
	router, stopRouter, err := buildRouter(cfg, store, reg, collector, slog.Default())
	if err != nil {
		return err
	}
	defer stopRouter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + cfg.BackendTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
			slog.String("backend_url", cfg.BackendURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップを定期実行する。
// Redisのセッションはキーの有効期限で失効するため、DATABASE_URLが無ければ何もしない。
func runWorker(cfg *config.Config, metricsAddr string) error {
	if cfg.DatabaseURL == "" {
		slog.Info("session cleanup is not needed for this session backend",
			slog.String("session_backend", cfg.SessionBackend),
		)
		return nil
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	db, err := openPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetricsRegistry()
	if metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), collector, slog.Default())
	job.Interval = cfg.SessionCleanupInterval

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", job.Interval),
		slog.String("metrics_addr", metricsAddr),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downがtrueの場合はすべてのマイグレーションをロールバックする。
func runMigrate(cfg *config.Config, down bool) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	direction := "up"
	if down {
		direction = "down"
	}
	slog.Info("running database migrations",
		slog.String("direction", direction),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	run := database.RunMigrations
	if down {
		run = database.RollbackMigrations
	}
	if err := run(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

func defaultHealthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

// runHealthcheck はヘルスチェックを実行する。
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
