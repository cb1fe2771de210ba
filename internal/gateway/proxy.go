package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/reqctx"
	"github.com/rs/zerolog"
)

// errIdentityMissing は保護されたパスにIdentity無しで到達した場合のエラー。
var errIdentityMissing = errors.New("identity is missing on a protected route")

// ProxyOptions はリバースプロキシの動作設定。
type ProxyOptions struct {
	// Timeout は上流呼び出し全体（レスポンスボディの転送を含む）のタイムアウト。
	Timeout time.Duration
	// FlushInterval はレスポンスボディをクライアントへフラッシュする間隔。
	FlushInterval time.Duration
}

// Proxy は経路表に従ってリクエストを上流サービスへ転送する。
type Proxy struct {
	table   *RouteTable
	public  publicPaths
	proxies map[*Route]*httputil.ReverseProxy
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewProxy は経路ごとのリバースプロキシを構築する。
// 全経路でtransportの接続プールを共有する。
func NewProxy(table *RouteTable, public []string, transport http.RoundTripper, opts ProxyOptions, logger zerolog.Logger, m *metrics.Metrics) *Proxy {
	p := &Proxy{
		table:   table,
		public:  publicPaths(public),
		proxies: make(map[*Route]*httputil.ReverseProxy, len(table.routes)),
		timeout: opts.Timeout,
		logger:  logger,
		metrics: m,
	}
	errorLog := log.New(logger.With().Str("component", "reverse_proxy").Logger(), "", 0)
	for _, route := range table.routes {
		p.proxies[route] = &httputil.ReverseProxy{
			Rewrite:        p.rewrite(route),
			Transport:      transport,
			FlushInterval:  opts.FlushInterval,
			ErrorLog:       errorLog,
			ModifyResponse: addRequestID,
			ErrorHandler:   p.handleError(route),
		}
	}
	return p
}

// Handler は経路に一致しないリクエストを受け取るGinハンドラーを返す。
// 一致する経路が無い場合と、パスが正規化されていない場合は上流へ接続せずにNOT_FOUNDを返す。
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		route, ok := p.table.Match(path)
		if canonicalPath(path) != path {
			ok = false
		}
		if !ok {
			p.logger.Warn().
				Str("request_id", reqctx.RequestID(c)).
				Str("path", path).
				Msg("route not found")
			apierror.Abort(c, apierror.NotFound())
			return
		}
		metrics.SetRoute(c, route.Prefix)

		rc := reqctx.FromGin(c)
		if rc == nil {
			apierror.Abort(c, apierror.Internal(errMissingRequestContext))
			return
		}
		if rc.Identity() == nil && !p.public.Match(path) {
			apierror.Abort(c, apierror.Internal(errIdentityMissing))
			return
		}

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if p.timeout > 0 {
			ctx, cancel = context.WithTimeout(c.Request.Context(), p.timeout)
		} else {
			ctx, cancel = context.WithCancel(c.Request.Context())
		}
		defer cancel()

		// 上流のレスポンスヘッダーは追記されるため、相関IDはaddRequestIDで付け直す
		c.Writer.Header().Del(reqctx.HeaderRequestID)
		p.proxies[route].ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}
}

// rewrite は上流へ送るリクエストを組み立てる関数を返す。
func (p *Proxy) rewrite(route *Route) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		out := pr.Out
		out.URL.Scheme = route.Target.Scheme
		out.URL.Host = route.Target.Host
		out.URL.Path = joinURLPath(route.Target.Path, route.RewritePath(pr.In.URL.Path))
		out.URL.RawPath = ""
		out.Host = ""
		pr.SetXForwarded()

		// クライアントが送ってきた信頼ヘッダーは必ず取り除く
		out.Header.Del(reqctx.HeaderUserID)
		out.Header.Del(reqctx.HeaderUserRoles)

		rc := reqctx.From(pr.In.Context())
		if rc == nil {
			return
		}
		out.Header.Set(reqctx.HeaderRequestID, rc.ID)
		if id := rc.Identity(); id != nil {
			roles := id.Roles
			if roles == nil {
				roles = []string{}
			}
			encoded, _ := json.Marshal(roles)
			out.Header.Set(reqctx.HeaderUserID, id.SubjectID)
			out.Header.Set(reqctx.HeaderUserRoles, string(encoded))
		}
	}
}

// addRequestID は上流のレスポンスに相関IDが無い場合に付与する。
func addRequestID(resp *http.Response) error {
	if resp.Header.Get(reqctx.HeaderRequestID) != "" {
		return nil
	}
	if rc := reqctx.From(resp.Request.Context()); rc != nil {
		resp.Header.Set(reqctx.HeaderRequestID, rc.ID)
	}
	return nil
}

// handleError は上流呼び出しの失敗をSERVICE_UNAVAILABLEに変換する関数を返す。
// 接続エラーの詳細はログにのみ出力する。
func (p *Proxy) handleError(route *Route) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		var id string
		if rc := reqctx.From(r.Context()); rc != nil {
			id = rc.ID
			w.Header().Set(reqctx.HeaderRequestID, id)
		}
		p.metrics.UpstreamError(route.Upstream)
		p.logger.Error().
			Err(err).
			Str("request_id", id).
			Str("upstream", route.Upstream).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("upstream request failed")
		apierror.Write(w, apierror.ServiceUnavailable(err))
	}
}

// joinURLPath は上流のベースパスと書き換え後のパスを1つのスラッシュで連結する。
func joinURLPath(base, p string) string {
	if p == "" {
		p = "/"
	}
	switch {
	case base == "" || base == "/":
		return p
	case strings.HasSuffix(base, "/") && strings.HasPrefix(p, "/"):
		return base + p[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(p, "/"):
		return base + "/" + p
	}
	return base + p
}
