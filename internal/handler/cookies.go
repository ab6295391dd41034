// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"net/http"
	"time"
)

// CookieConfig はセッションCookieの発行設定。
// Cookie名はローカル認証と共有する。
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
	TTL    time.Duration
}

// setSessionCookie はセッショントークンをHTTP Only Cookieとして設定する。
func setSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		Expires:  expiresAt,
		MaxAge:   int(cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie はセッションCookieを削除する。
func clearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
