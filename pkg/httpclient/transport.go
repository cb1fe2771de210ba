package httpclient

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TransportConfig は上流サービスへの接続設定。
type TransportConfig struct {
	// DialTimeout はTCP接続確立のタイムアウト。
	DialTimeout time.Duration
	// ResponseHeaderTimeout はレスポンスヘッダー受信までのタイムアウト。
	ResponseHeaderTimeout time.Duration
	// IdleConnTimeout はアイドル接続を保持する時間。
	IdleConnTimeout time.Duration
	// MaxIdleConnsPerHost はホストごとのアイドル接続数の上限。
	MaxIdleConnsPerHost int
	// RetryAttempts は接続失敗時の追加試行回数。0の場合はリトライしない。
	RetryAttempts int
	// RetryBackoff はリトライ間の待機時間。
	RetryBackoff time.Duration
	// Tracing がtrueの場合、OpenTelemetryのスパンを生成する。
	Tracing bool
}

// NewTransport は設定に従って上流サービス用のhttp.RoundTripperを生成する。
// リトライはボディを持たないGET/HEADリクエストに限り行う。
func NewTransport(cfg TransportConfig) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = base
	if cfg.RetryAttempts > 0 {
		rt = &retryTransport{next: rt, attempts: cfg.RetryAttempts, backoff: cfg.RetryBackoff}
	}
	if cfg.Tracing {
		rt = otelhttp.NewTransport(rt)
	}
	return rt
}

// retryTransport は接続エラー時に冪等なリクエストを再送する。
type retryTransport struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
}

// RoundTrip はhttp.RoundTripperを実装する。
// 上流が応答を返した場合はステータスに関わらずリトライしない。
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !retryable(req) {
		return t.next.RoundTrip(req)
	}

	resp, err := t.next.RoundTrip(req)
	for i := 0; err != nil && i < t.attempts; i++ {
		timer := time.NewTimer(t.backoff)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
		resp, err = t.next.RoundTrip(req)
	}
	return resp, err
}

// retryable はリクエストを安全に再送できる場合にtrueを返す。
func retryable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}
