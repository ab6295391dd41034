// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordSSOLogin(outcome string)
	RecordCallbackError(code string)
	RecordSessionResolution(result string)
	RecordTokenExchangeLatency(duration time.Duration)
	RecordSessionsCleaned(count int64)
	RecordRateLimited()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ssoLogins         *prometheus.CounterVec
	callbackErrors    *prometheus.CounterVec
	sessionResolution *prometheus.CounterVec
	exchangeLatency   prometheus.Histogram
	sessionsCleaned   prometheus.Counter
	rateLimited       prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ssoLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridauth_sso_logins_total",
			Help: "SSOログイン成功数（照合結果別）",
		}, []string{"outcome"}),
		callbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridauth_sso_callback_errors_total",
			Help: "SSOコールバック失敗数（エラーコード別）",
		}, []string{"code"}),
		sessionResolution: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridauth_session_resolutions_total",
			Help: "セッション解決の結果別件数",
		}, []string{"result"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybridauth_token_exchange_latency_seconds",
			Help:    "トークン交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hybridauth_sessions_cleaned_total",
			Help: "定期クリーンアップで削除した期限切れセッションの合計数",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hybridauth_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.ssoLogins,
		c.callbackErrors,
		c.sessionResolution,
		c.exchangeLatency,
		c.sessionsCleaned,
		c.rateLimited,
		c.httpStatus,
	)

	return c
}

// RecordSSOLogin はSSOログイン成功を照合結果とともに記録する。
func (c *Collector) RecordSSOLogin(outcome string) {
	c.ssoLogins.WithLabelValues(outcome).Inc()
}

// RecordCallbackError はSSOコールバックの失敗をエラーコードとともに記録する。
func (c *Collector) RecordCallbackError(code string) {
	c.callbackErrors.WithLabelValues(code).Inc()
}

// RecordSessionResolution はセッション解決の結果を記録する。
func (c *Collector) RecordSessionResolution(result string) {
	c.sessionResolution.WithLabelValues(result).Inc()
}

// RecordTokenExchangeLatency はトークン交換のレイテンシを記録する。
func (c *Collector) RecordTokenExchangeLatency(duration time.Duration) {
	c.exchangeLatency.Observe(duration.Seconds())
}

// RecordSessionsCleaned は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSSOLogin(string)                     {}
func (Nop) RecordCallbackError(string)                {}
func (Nop) RecordSessionResolution(string)            {}
func (Nop) RecordTokenExchangeLatency(time.Duration)  {}
func (Nop) RecordSessionsCleaned(int64)               {}
func (Nop) RecordRateLimited()                        {}
func (Nop) RecordHTTPStatus(int)                      {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
