package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// DBとSSOの接続情報はDiscoveryが別途解決する。
type Config struct {
	// Server
	BaseURL  string `env:"BASE_URL,required,notEmpty"`
	Port     string `env:"PORT" envDefault:"8080"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Credential sources
	DatabaseURL     string `env:"DATABASE_URL"`
	VCAPServices    string `env:"VCAP_SERVICES"`
	DefaultEnvFile  string `env:"DEFAULT_ENV_FILE" envDefault:"default-env.json"`
	SSOClientID     string `env:"SSO_CLIENT_ID"`
	SSOClientSecret string `env:"SSO_CLIENT_SECRET"`
	SSOURL          string `env:"SSO_URL"`
	SSOServiceLabel string `env:"SSO_SERVICE_LABEL" envDefault:"xsuaa"`

	// SSO
	SSOProviderID      string        `env:"SSO_PROVIDER_ID" envDefault:"xsuaa"`
	SSORoute           string        `env:"SSO_ROUTE" envDefault:"/api/auth/sso"`
	SSOExchangeTimeout time.Duration `env:"SSO_EXCHANGE_TIMEOUT" envDefault:"10s"`
	SSOVerifyIDToken   bool          `env:"SSO_VERIFY_ID_TOKEN" envDefault:"false"`

	// Session
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"session_token"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	CookieDomain      string        `env:"COOKIE_DOMAIN"`

	// Routing
	LoginPath          string   `env:"LOGIN_PATH" envDefault:"/login"`
	LandingPath        string   `env:"LANDING_PATH" envDefault:"/dashboard"`
	PublicPathPrefixes []string `env:"PUBLIC_PATH_PREFIXES" envSeparator:"," envDefault:"/login,/register,/api/auth,/health,/metrics,/static,/favicon.ico"`

	// Rate Limit (requests per minute per IP on /api/auth/*)
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"30"`

	// Cleanup
	CleanupSchedule string `env:"CLEANUP_SCHEDULE" envDefault:"@every 1h"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("BASE_URL must be an http(s) URL: %q", c.BaseURL))
	}
	if c.SSOExchangeTimeout <= 0 {
		errs = append(errs, errors.New("SSO_EXCHANGE_TIMEOUT must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.RateLimitAuth <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_AUTH must be positive"))
	}
	if c.SessionCookieName == "" {
		errs = append(errs, errors.New("SESSION_COOKIE_NAME must not be empty"))
	}
	if !strings.HasPrefix(c.SSORoute, "/") {
		errs = append(errs, fmt.Errorf("SSO_ROUTE must start with '/': %q", c.SSORoute))
	}
	if !c.IsPublicPath(c.LoginPath) {
		errs = append(errs, fmt.Errorf("LOGIN_PATH %q must be covered by PUBLIC_PATH_PREFIXES", c.LoginPath))
	}
	if !c.IsPublicPath(c.SSORoute) {
		errs = append(errs, fmt.Errorf("SSO_ROUTE %q must be covered by PUBLIC_PATH_PREFIXES", c.SSORoute))
	}

	return errors.Join(errs...)
}

// IsProduction は本番環境として起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// CookieSecure はセッションCookieにSecure属性を付けるかを返す。
func (c *Config) CookieSecure() bool {
	return c.IsProduction() || strings.HasPrefix(c.BaseURL, "https://")
}

// SSOCallbackURL はIdPに登録するリダイレクトURIを返す。
func (c *Config) SSOCallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.SSORoute + "?action=callback"
}

// IsPublicPath はpathが認証不要のプレフィックスに該当するかを返す。
func (c *Config) IsPublicPath(path string) bool {
	return MatchPathPrefix(path, c.PublicPathPrefixes)
}

// MatchPathPrefix はpathがprefixesのいずれかと一致するか、その配下にあるかを返す。
// 一致はパスセグメント単位で、"/api/auth" は "/api/auth/session" に一致し "/api/authx" には一致しない。
// "/"で終わるプレフィックスはそれで始まるすべてのパスに一致する。クエリ文字列は無視する。
func MatchPathPrefix(path string, prefixes []string) bool {
	path, _, _ = strings.Cut(path, "?")
	for _, prefix := range prefixes {
		switch {
		case prefix == "":
			continue
		case path == prefix:
			return true
		case strings.HasSuffix(prefix, "/"):
			if strings.HasPrefix(path, prefix) {
				return true
			}
		case strings.HasPrefix(path, prefix+"/"):
			return true
		}
	}
	return false
}
