package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sessiongate/internal/gate"
	"github.com/hitoshi/sessiongate/internal/metrics"
	"github.com/hitoshi/sessiongate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない
	Metrics        metrics.MetricsCollector

	// ミドルウェア依存
	ClientCookie      middleware.ClientCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ルートガード
	Stores gate.StoreGetter
	Gate   gate.Config

	// 認証
	AuthService AuthServiceInterface

	// プロフィール作成API
	ProfileService  ProfileServiceInterface
	ProfileAPIToken string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Client → Logging → RateLimit(General)
//
// 画面のフォームはCSRF検証の対象とし、保護ページとパスワード設定画面はルートガード配下に置く。
// /api/v1 配下はCORSのみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewClientMiddleware(deps.ClientCookie))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.Stores, deps.Gate.Paths)
	pageHandler := NewPageHandler()
	sessionHandler := NewSessionHandler(deps.Stores)
	profileHandler := NewProfileHandler(deps.ProfileService, deps.ProfileAPIToken)

	r.NotFound(pageHandler.NotFound)

	// --- 運用エンドポイント ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- バックエンドAPI ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Post("/complete-profile", profileHandler.CompleteProfile)
	})

	// --- 画面 ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Handle("/static/*", staticHandler())
		r.Get("/auth/session", sessionHandler.GetSession)
		r.Get("/ws/auth-state", sessionHandler.AuthStateSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			// 公開ページ
			r.Get("/login", authHandler.LoginPage)
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
			r.Get("/auth/confirm", authHandler.Confirm)
			r.Post("/logout", authHandler.Logout)

			// ルートガード配下
			r.Group(func(r chi.Router) {
				r.Use(gate.NewMiddleware(deps.Stores, deps.Gate, deps.Metrics, http.HandlerFunc(pageHandler.Waiting)))

				r.Get("/set-password", authHandler.SetPasswordPage)
				r.With(deps.RateLimiter.LoginMiddleware()).Post("/set-password", authHandler.SetPassword)

				r.Get("/", pageHandler.Dashboard)
				r.Get("/upload", pageHandler.Upload)
				r.Get("/summaries", pageHandler.Summaries)
			})
		})
	})

	return r
}
