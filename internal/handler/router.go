package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger   *slog.Logger
	Renderer *Renderer

	// ミドルウェア依存
	Sessions       middleware.SessionLoader
	RateLimiter    *middleware.RateLimiter
	CSRF           middleware.CSRFConfig
	StatusObserver middleware.StatusObserver // nil可

	// 認証
	AuthService AuthService
	AuthConfig  AuthHandlerConfig

	// 商品・カート
	CatalogService CatalogService
	Images         ImageFetcher
	ImageRecorder  ImageRecorder // nil可

	// チェックアウト
	Checkout CheckoutRegistry

	// 運用
	HealthChecker  HealthChecker // nil可
	MetricsHandler http.Handler  // nil可
}

// NewRouter は全ページのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Session → CSRF → RateLimit
//
// /health と /metrics はチェーンの外に配置する。
// チェックアウトはセッションが無い場合の遷移をControllerが行うため、RequireSessionを通さない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	cookie := deps.AuthConfig.Cookie
	authHandler := NewAuthHandler(deps.AuthService, deps.Renderer, deps.AuthConfig, deps.Logger)
	catalogHandler := NewCatalogHandler(deps.CatalogService, deps.Images, deps.ImageRecorder, deps.Renderer, cookie, deps.Logger)
	checkoutHandler := NewCheckoutHandler(deps.Checkout, deps.Renderer, cookie, deps.Logger)

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.RealIP)
		r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusObserver))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// --- ログイン不要のページ ---
		r.Get("/", authHandler.LoginPage)
		r.Get("/register", authHandler.RegisterPage)
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)

		// --- チェックアウト ---
		r.Get("/checkout", checkoutHandler.Show)
		r.Post("/checkout", checkoutHandler.Submit)

		// --- ログインが必要なページ ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(checkout.RouteLogin))

			r.Get("/home", catalogHandler.Home)
			r.Get("/cart", catalogHandler.Cart)
			r.Post("/cart/items", catalogHandler.AddToCart)
			r.Get("/images", catalogHandler.Image)
			r.Get("/order-success", checkoutHandler.OrderSuccess)
		})
	})

	return r
}
