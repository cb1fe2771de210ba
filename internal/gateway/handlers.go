package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/reqctx"
)

// serviceName はヘルスチェックで返すサービス名。
const serviceName = "api-gateway"

// timestampFormat はヘルスチェックの時刻表記。ミリ秒精度のUTC。
const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// readyTimeout は上流サービス1件あたりの疎通確認のタイムアウト。
const readyTimeout = 2 * time.Second

// 上流サービスの疎通状態。
const (
	upstreamOK          = "ok"
	upstreamUnreachable = "unreachable"
	upstreamUnhealthy   = "unhealthy"
)

// upstreamHealth は上流サービスのGET /healthのレスポンス。
// 上流もゲートウェイと同じエンベロープ形式で応答する。
type upstreamHealth struct {
	Success *bool `json:"success"`
	Data    struct {
		Status string `json:"status"`
	} `json:"data"`
}

// state は上流の自己申告を疎通状態に変換する。
// successがfalse、またはstatusがhealthy/ok以外を明示している場合はunhealthy。
func (h upstreamHealth) state() string {
	if h.Success != nil && !*h.Success {
		return upstreamUnhealthy
	}
	switch h.Data.Status {
	case "", "healthy", "ok":
		return upstreamOK
	}
	return upstreamUnhealthy
}

// healthResponse はGET /healthのdata。
type healthResponse struct {
	Service          string            `json:"service"`
	Status           string            `json:"status"`
	Timestamp        string            `json:"timestamp"`
	UpstreamServices map[string]string `json:"upstreamServices"`
}

// readyResponse はGET /readyのdata。
type readyResponse struct {
	Service   string            `json:"service"`
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Upstreams map[string]string `json:"upstreams"`
}

// routeResponse はGET /admin/routesの経路1件分。
type routeResponse struct {
	Prefix   string            `json:"prefix"`
	Upstream string            `json:"upstream"`
	Target   string            `json:"target"`
	Rewrite  []rewriteResponse `json:"rewrite"`
}

// rewriteResponse は書き換え規則1件分。
type rewriteResponse struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// handleHealth はゲートウェイ自身の稼働状態を返すハンドラを返す。
// 上流サービスには問い合わせない。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, apierror.Success(healthResponse{
			Service:          serviceName,
			Status:           "healthy",
			Timestamp:        s.now().UTC().Format(timestampFormat),
			UpstreamServices: s.cfg.Upstreams,
		}))
	}
}

// handleReady は全上流サービスの/healthを並行に確認するハンドラを返す。
// 1件でも応答しないか不健全を申告した場合は503を返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			states = make(map[string]string, len(s.upstreamClients))
			ready  = true
		)
		for name, client := range s.upstreamClients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var health upstreamHealth
				state := upstreamUnreachable
				if err := client.GetJSON(ctx, "/health", &health); err != nil {
					s.logger.Warn().
						Err(err).
						Str("request_id", reqctx.RequestID(c)).
						Str("upstream", name).
						Str("url", client.BaseURL()).
						Msg("upstream readiness check failed")
				} else {
					state = health.state()
				}
				mu.Lock()
				defer mu.Unlock()
				states[name] = state
				if state != upstreamOK {
					ready = false
				}
			}()
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, apierror.Success(readyResponse{
			Service:   serviceName,
			Status:    status,
			Timestamp: s.now().UTC().Format(timestampFormat),
			Upstreams: states,
		}))
	}
}

// handleRoutes は経路表を登録順に返すハンドラを返す。
func (s *Server) handleRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		routes := s.table.Routes()
		out := make([]routeResponse, 0, len(routes))
		for _, r := range routes {
			rr := routeResponse{
				Prefix:   r.Prefix,
				Upstream: r.Upstream,
				Target:   r.Target.String(),
				Rewrite:  make([]rewriteResponse, 0, len(r.Rewrites)),
			}
			for _, rw := range r.Rewrites {
				rr.Rewrite = append(rr.Rewrite, rewriteResponse{Pattern: rw.Pattern.String(), Replacement: rw.Replacement})
			}
			out = append(out, rr)
		}
		c.JSON(http.StatusOK, apierror.Success(gin.H{"routes": out}))
	}
}

// newUpstreamClients は上流サービスごとの疎通確認用クライアントを生成する。
func newUpstreamClients(upstreams map[string]string, transport http.RoundTripper) map[string]*httpclient.Client {
	clients := make(map[string]*httpclient.Client, len(upstreams))
	for name, base := range upstreams {
		clients[name] = httpclient.New(base, httpclient.WithTransport(transport), httpclient.WithTimeout(readyTimeout))
	}
	return clients
}
