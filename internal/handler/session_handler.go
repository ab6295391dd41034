package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/hybridauth/internal/middleware"
)

// SessionTerminator はセッションを破棄するインターフェース。
// auth.SessionResolverが実装する。
type SessionTerminator interface {
	SignOut(ctx context.Context, token string) error
}

// SessionHandler はセッション解決とサインアウトのHTTPハンドラー。
type SessionHandler struct {
	terminator SessionTerminator
	cookie     CookieConfig
	loginPath  string
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(terminator SessionTerminator, cookie CookieConfig, loginPath string) *SessionHandler {
	return &SessionHandler{
		terminator: terminator,
		cookie:     cookie,
		loginPath:  loginPath,
	}
}

// Session はセッションミドルウェアが解決したユーザーを返す。
// GET /api/auth/session
func (h *SessionHandler) Session(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		handleServiceError(w, errUnauthenticated)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user": user,
	})
}

// SignOut はセッションを破棄してCookieをクリアする。
// POST /api/auth/sign-out
// HTMLフォームからの送信時はログイン画面へリダイレクトし、それ以外は204を返す。
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	token := middleware.SessionToken(r, h.cookie.Name)
	if err := h.terminator.SignOut(r.Context(), token); err != nil {
		slog.Error("failed to sign out", slog.String("error", err.Error()))
		// 失敗してもCookieはクリアする
	}

	clearSessionCookie(w, h.cookie)

	if isFormPost(r) {
		http.Redirect(w, r, h.loginPath, http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isFormPost(r *http.Request) bool {
	return r.Header.Get("Content-Type") == "application/x-www-form-urlencoded"
}
