package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/hitoshi/hybridauth/internal/metrics"
	"github.com/hitoshi/hybridauth/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	PerMinute int           // クライアントIPごとの1分あたりの許容リクエスト数
	MaxKeys   int           // 保持するIPの上限
	IdleTTL   time.Duration // 最終アクセスからリミッターを破棄するまでの時間
	Metrics   metrics.MetricsCollector
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		PerMinute: 30,
		MaxKeys:   10000,
		IdleTTL:   10 * time.Minute,
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// SSOエンドポイントなど未認証で叩けるパスに適用する。
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
	metrics  metrics.MetricsCollector
}

// NewRateLimiter は新しいRateLimiterを生成する。
// 一定時間アクセスのないIPのリミッターはLRUから自動的に破棄される。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if config.PerMinute <= 0 {
		config.PerMinute = def.PerMinute
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = def.MaxKeys
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}

	return &RateLimiter{
		limit:    rate.Limit(float64(config.PerMinute) / 60.0),
		burst:    config.PerMinute,
		limiters: expirable.NewLRU[string, *rate.Limiter](config.MaxKeys, nil, config.IdleTTL),
		metrics:  config.Metrics,
	}
}

// Middleware はレート制限ミドルウェアを返す。
// クライアントIPはRemoteAddrから取得する（chiのRealIPの後に配置する）。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !rl.limiterFor(ip).Allow() {
				rl.metrics.RecordRateLimited()
				slog.Warn("rate limit exceeded",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	return rl.limiters.Len()
}

// limiterFor はIPのリミッターを取得または作成する。
// expirable.LRUのGetは期限を延長しないため、取得時にAddし直して最終アクセスから数える。
// 同時に作成された場合は後勝ちになり、許容量が一時的に増える。
func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	if l, ok := rl.limiters.Get(ip); ok {
		rl.limiters.Add(ip, l)
		return l
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Add(ip, l)
	return l
}

// retryAfterSeconds は1トークンが補充されるまでの秒数を返す。
func (rl *RateLimiter) retryAfterSeconds() int {
	sec := int(math.Ceil(1.0 / float64(rl.limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// ClientIP はRemoteAddrからポートを除いたクライアントIPを返す。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
