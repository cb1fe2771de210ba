// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// メトリクスは専用のレジストリに登録し、/metricsで公開する。
// nilの*Metricsに対する記録は何もしない。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routeKey はGinコンテキストに一致した経路名を格納するキー。
const routeKey = "edgegate.route"

// unmatchedRoute はどの経路にも一致しなかったリクエストのラベル値。
const unmatchedRoute = "unmatched"

// Metrics はゲートウェイのメトリクス一式。
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	authFailures    *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New は新しいレジストリにメトリクスを登録して返す。
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request latency in seconds including upstream time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Total number of rejected credentials by error code",
			},
			[]string{"code"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Total number of failed upstream calls",
			},
			[]string{"upstream"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.authFailures,
		m.upstreamErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetRoute はリクエストが一致した経路名を記録する。
func SetRoute(c *gin.Context, route string) {
	c.Set(routeKey, route)
}

// routeLabel はメトリクスに付与する経路ラベルを決定する。
func routeLabel(c *gin.Context) string {
	if r := c.GetString(routeKey); r != "" {
		return r
	}
	if p := c.FullPath(); p != "" {
		return p
	}
	return unmatchedRoute
}

// Middleware はリクエスト数と処理時間を記録するGinミドルウェアを返す。
// パニックが外側へ伝播するリクエストはcode="aborted"として記録する。Recoveryより外側に登録すること。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		defer func() {
			r := recover()
			code := strconv.Itoa(c.Writer.Status())
			if r != nil {
				code = "aborted"
			}
			route := routeLabel(c)
			m.requestsTotal.WithLabelValues(route, c.Request.Method, code).Inc()
			m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			if r != nil {
				panic(r)
			}
		}()
		c.Next()
	}
}

// RateLimited はレート制限による拒否を記録する。
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// AuthFailure は認証の失敗をエラーコードごとに記録する。
func (m *Metrics) AuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

// UpstreamError は上流サービスの呼び出し失敗を記録する。
func (m *Metrics) UpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(upstream).Inc()
}

// Handler はPrometheus形式でメトリクスを公開するハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
