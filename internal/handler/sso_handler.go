package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/hybridauth/internal/auth"
	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/middleware"
)

const ssoStateCookie = "sso_state"

// ログイン画面に?error=で渡すエラーコード。
const (
	ErrorNoCode              = "no_code"
	ErrorTokenExchangeFailed = "token_exchange_failed"
	ErrorCallbackFailed      = "callback_failed"
	ErrorNotConfigured       = "xsuaa_not_configured"
)

// CodeExchanger はIdPとの認可コードフローを行うインターフェース。
// auth.ExchangeClientが実装する。
type CodeExchanger interface {
	// Configured はSSOクライアント資格情報が得られるかを返す。
	Configured() bool
	LoginURL(redirectURI, state string) (string, error)
	Exchange(ctx context.Context, code, redirectURI string) (*auth.TokenSet, error)
}

// IdentityReconciler は外部IDからローカルユーザーとセッションを得るインターフェース。
// auth.Reconcilerが実装する。
type IdentityReconciler interface {
	Reconcile(ctx context.Context, req auth.ReconcileRequest) (*auth.ReconcileResult, error)
}

// SSOHandlerConfig はSSOハンドラーの設定。
type SSOHandlerConfig struct {
	CallbackURL string // IdPに登録したredirect_uri
	LoginPath   string
	LandingPath string
	Cookie      CookieConfig
}

// SSOHandler はSSOログインの開始とコールバックを処理する。
type SSOHandler struct {
	exchanger  CodeExchanger
	reconciler IdentityReconciler
	config     SSOHandlerConfig
	metrics    metrics.MetricsCollector
}

// NewSSOHandler はSSOHandlerを生成する。
func NewSSOHandler(exchanger CodeExchanger, reconciler IdentityReconciler, config SSOHandlerConfig, mc metrics.MetricsCollector) *SSOHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &SSOHandler{
		exchanger:  exchanger,
		reconciler: reconciler,
		config:     config,
		metrics:    mc,
	}
}

// ServeHTTP はactionクエリに応じてログイン開始またはコールバックを処理する。
// GET /api/auth/sso?action=login
// GET /api/auth/sso?action=callback&code=xxx&state=yyy
func (h *SSOHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "login":
		h.Login(w, r)
	case "callback":
		h.Callback(w, r)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
	}
}

// Login はstateをCookieに保存し、IdPの認可エンドポイントへリダイレクトする。
func (h *SSOHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate sso state", slog.String("error", err.Error()))
		h.redirectWithError(w, r, ErrorCallbackFailed)
		return
	}

	loginURL, err := h.exchanger.LoginURL(h.config.CallbackURL, state)
	if err != nil {
		slog.Warn("sso login requested but not configured", slog.String("error", err.Error()))
		h.redirectWithError(w, r, ErrorNotConfigured)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     ssoStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// Callback は認可コードを交換してユーザーを照合し、セッションCookieを設定する。
// 失敗はすべてログイン画面への?error=付きリダイレクトに変換する。
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectWithError(w, r, ErrorNoCode)
		return
	}

	// 2. SSOが提供されていない環境ではstateより先に未設定として扱う
	if !h.exchanger.Configured() {
		h.clearStateCookie(w)
		slog.Warn("sso callback received but not configured")
		h.redirectWithError(w, r, ErrorNotConfigured)
		return
	}

	// 3. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(ssoStateCookie)
	h.clearStateCookie(w)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("sso state mismatch", slog.String("query_state", state))
		h.redirectWithError(w, r, ErrorCallbackFailed)
		return
	}

	// 4. トークン交換（認可コードは使い捨てのため再試行しない）
	start := time.Now()
	tokens, err := h.exchanger.Exchange(r.Context(), code, h.config.CallbackURL)
	h.metrics.RecordTokenExchangeLatency(time.Since(start))
	if err != nil {
		slog.Error("sso token exchange failed", slog.String("error", err.Error()))
		h.redirectWithError(w, r, exchangeErrorCode(err))
		return
	}

	// 5. ユーザー照合とセッション発行
	result, err := h.reconciler.Reconcile(r.Context(), auth.ReconcileRequest{
		Claims:    tokens.IDTokenClaims,
		Tokens:    tokens,
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		slog.Error("sso reconciliation failed", slog.String("error", err.Error()))
		h.redirectWithError(w, r, ErrorCallbackFailed)
		return
	}

	h.metrics.RecordSSOLogin(string(result.Outcome))
	slog.Info("sso login completed",
		slog.String("user_id", result.User.ID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("attempts", result.Attempts),
	)

	// 6. セッションCookieを設定（HTTP Only）してランディングページへ
	setSessionCookie(w, h.config.Cookie, result.Session.Token, result.Session.ExpiresAt)
	http.Redirect(w, r, h.config.LandingPath, http.StatusFound)
}

// exchangeErrorCode はトークン交換のエラーをログイン画面のエラーコードに変換する。
func exchangeErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrConfigurationUnavailable):
		return ErrorNotConfigured
	case errors.Is(err, auth.ErrTokenExchangeFailed):
		return ErrorTokenExchangeFailed
	default:
		return ErrorCallbackFailed
	}
}

func (h *SSOHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	h.metrics.RecordCallbackError(code)
	http.Redirect(w, r, h.config.LoginPath+"?"+url.Values{"error": {code}}.Encode(), http.StatusFound)
}

func (h *SSOHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ssoStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
