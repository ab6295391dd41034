package middleware

import (
	"net/http"
	"net/url"

	"github.com/hitoshi/hybridauth/internal/config"
)

// GateConfig はセッションゲートの設定。
type GateConfig struct {
	CookieName     string
	LoginPath      string
	PublicPrefixes []string
}

// NewSessionGate はセッションCookieの有無だけを確認するミドルウェアを返す。
// 公開パスはそのまま通し、それ以外でCookieが無い場合はログイン画面へリダイレクトする。
// セッションの有効性は検証しない（ストアには問い合わせない）。
func NewSessionGate(cfg GateConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MatchPathPrefix(r.URL.Path, cfg.PublicPrefixes) {
				next.ServeHTTP(w, r)
				return
			}
			if SessionToken(r, cfg.CookieName) == "" {
				http.Redirect(w, r, LoginRedirectURL(cfg.LoginPath, r), http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginRedirectURL は元のパスをcallbackUrlに載せたログイン画面のURLを返す。
func LoginRedirectURL(loginPath string, r *http.Request) string {
	return loginPath + "?" + url.Values{"callbackUrl": {r.URL.RequestURI()}}.Encode()
}
