// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/hybridauth/internal/auth"
	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// SessionResolver はセッショントークンからユーザーを解決するインターフェース。
// auth.SessionResolverが実装する。
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (*model.UserView, error)
}

// SessionConfig はセッションミドルウェアの設定。
type SessionConfig struct {
	CookieName string
	// LoginPath が設定されている場合、未認証リクエストは401ではなくログイン画面へリダイレクトする。
	LoginPath string
	Metrics   metrics.MetricsCollector
}

// NewSessionMiddleware はHTTP Only Cookieのセッショントークンをストアで検証するミドルウェアを返す。
// 認証済みユーザーをリクエストコンテキストに注入する。
// 未認証の場合は401（LoginPath指定時はリダイレクト）、ストア障害の場合は500を返す。
func NewSessionMiddleware(resolver SessionResolver, cfg SessionConfig) func(next http.Handler) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolver.ResolveSession(r.Context(), SessionToken(r, cfg.CookieName))
			cfg.Metrics.RecordSessionResolution(auth.ResolutionLabel(err))

			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
			case auth.IsUnauthenticated(err):
				slog.Info("session rejected",
					slog.String("path", r.URL.Path),
					slog.String("reason", auth.ResolutionLabel(err)),
				)
				if cfg.LoginPath != "" {
					http.Redirect(w, r, LoginRedirectURL(cfg.LoginPath, r), http.StatusFound)
					return
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			default:
				slog.Error("failed to resolve session",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
			}
		})
	}
}

// SessionToken はリクエストのセッションCookieの値を返す。Cookieが無い場合は空文字を返す。
func SessionToken(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.UserView, bool) {
	user, ok := ctx.Value(userContextKey).(*model.UserView)
	return user, ok && user != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// ロギングミドルウェアの内側で呼ばれた場合はアクセスログにもユーザーIDを残す。
func ContextWithUser(ctx context.Context, user *model.UserView) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok && user != nil {
		info.userID = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}
