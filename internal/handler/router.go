package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger          *slog.Logger
	SessionResolver middleware.SessionResolver
	RateLimiter     *middleware.RateLimiter
	Metrics         metrics.MetricsCollector
	MetricsHandler  http.Handler
	HealthChecker   HealthChecker
	PublicPrefixes  []string
	CSRF            middleware.CSRFConfig
	// HSTS はHTTPS配信時にStrict-Transport-Securityを付与するかどうか。
	HSTS bool

	// SSO
	Exchanger  CodeExchanger
	Reconciler IdentityReconciler
	SSORoute   string
	SSOConfig  SSOHandlerConfig

	// セッション・ユーザー
	SessionTerminator SessionTerminator
	UserService       UserServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Logging → Recovery → SecurityHeaders → Metrics → SessionGate → CSRF
//
// /api/auth/* にはIPごとのレート制限を追加する。
// ユーザー情報が必要なルートはSessionMiddlewareでストアに問い合わせて検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cookie := deps.SSOConfig.Cookie
	loginPath := deps.SSOConfig.LoginPath

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.HSTS}))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSessionGate(middleware.GateConfig{
		CookieName:     cookie.Name,
		LoginPath:      loginPath,
		PublicPrefixes: deps.PublicPrefixes,
	}))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	ssoHandler := NewSSOHandler(deps.Exchanger, deps.Reconciler, deps.SSOConfig, deps.Metrics)
	sessionHandler := NewSessionHandler(deps.SessionTerminator, cookie, loginPath)
	userHandler := NewUserHandler(deps.UserService, cookie)
	pageHandler := NewPageHandler(deps.SSORoute)

	apiSession := middleware.NewSessionMiddleware(deps.SessionResolver, middleware.SessionConfig{
		CookieName: cookie.Name,
		Metrics:    deps.Metrics,
	})
	pageSession := middleware.NewSessionMiddleware(deps.SessionResolver, middleware.SessionConfig{
		CookieName: cookie.Name,
		LoginPath:  loginPath,
		Metrics:    deps.Metrics,
	})

	// --- 認証不要のルート ---
	r.Handle("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get(loginPath, pageHandler.Login)

	// --- 認証API（IPごとのレート制限） ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Method(http.MethodGet, deps.SSORoute, otelhttp.NewHandler(ssoHandler, "sso"))
		r.Handle("/api/auth/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
		r.Post("/api/auth/sign-out", sessionHandler.SignOut)
		r.With(apiSession).Get("/api/auth/session", sessionHandler.Session)
	})

	// --- 認証が必要なルート ---
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, deps.SSOConfig.LandingPath, http.StatusFound)
	})
	r.With(pageSession).Get(deps.SSOConfig.LandingPath, pageHandler.Dashboard)
	r.With(apiSession).Delete("/api/users/me", userHandler.Withdraw)

	return r
}
