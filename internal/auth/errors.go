// Package auth はSSOログイン、ユーザー照合、セッション解決を提供する。
package auth

import "errors"

// SSOログインフローのエラー。
var (
	// ErrConfigurationUnavailable はこの環境でSSOが提供されていないことを表す。
	ErrConfigurationUnavailable = errors.New("sso configuration unavailable")
	// ErrTokenExchangeFailed は認可コードのトークン交換に失敗したことを表す。
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrMalformedIdentityToken はIDトークンをデコードできなかったことを表す。
	ErrMalformedIdentityToken = errors.New("malformed identity token")
	// ErrMissingSubject はクレームにsubもuser_idも含まれていないことを表す。
	// 常にErrReconciliationFailedにラップされて返る。
	ErrMissingSubject = errors.New("missing subject claim")
	// ErrReconciliationFailed はユーザー照合またはセッション発行に失敗したことを表す。
	ErrReconciliationFailed = errors.New("reconciliation failed")
)

// セッション解決のエラー。HTTP境界ではいずれも401になる。
var (
	ErrNoSession       = errors.New("no session token")
	ErrInvalidSession  = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrOrphanedSession = errors.New("session owner not found")
)

// IsUnauthenticated はerrがセッション解決の未認証エラーかを返す。
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrNoSession) ||
		errors.Is(err, ErrInvalidSession) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrOrphanedSession)
}

// ResolutionLabel はセッション解決の結果をメトリクスやログ用のラベルに変換する。
func ResolutionLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrInvalidSession):
		return "invalid"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrOrphanedSession):
		return "orphaned"
	default:
		return "error"
	}
}
