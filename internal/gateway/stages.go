package gateway

import (
	"errors"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/nao1215/edgegate/pkg/reqctx"
	"github.com/rs/zerolog"
)

// レート制限の状態を返すレスポンスヘッダー。
const (
	headerRateLimitLimit     = "RateLimit-Limit"
	headerRateLimitRemaining = "RateLimit-Remaining"
	headerRateLimitReset     = "RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// errMissingRequestContext はRequestContextを持たないリクエストが後段に到達した場合のエラー。
var errMissingRequestContext = errors.New("request context is missing")

// requestIDStage はRequestContextを生成し、相関IDをレスポンスヘッダーに設定する。
type requestIDStage struct {
	now    func() time.Time
	logger zerolog.Logger
}

// Name はStageを実装する。
func (requestIDStage) Name() string { return "request_id" }

// Process はStageを実装する。
// 正規化されていないパスは、相関IDを付与した上でNOT_FOUNDとして拒否する。
// 後段の公開パス判定・経路の一致判定・書き換えは全て正規化済みのパスを前提とする。
func (s requestIDStage) Process(c *gin.Context) error {
	id := c.GetHeader(reqctx.HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	reqctx.Set(c, reqctx.New(id, s.now()))
	c.Header(reqctx.HeaderRequestID, id)

	if p := c.Request.URL.Path; canonicalPath(p) != p {
		s.logger.Warn().
			Str("request_id", id).
			Str("path", p).
			Msg("non-canonical request path rejected")
		return apierror.NotFound()
	}
	return nil
}

// canonicalPath はpathのドットセグメントと連続するスラッシュを取り除いたパスを返す。
// 末尾のスラッシュは保持する。
func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		// "*" (OPTIONS * HTTP/1.1) などの絶対パスでないリクエスト対象はそのまま扱う
		return p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// corsStage はCORSヘッダーを設定し、プリフライトリクエストに応答する。
type corsStage struct {
	handler gin.HandlerFunc
}

// Name はStageを実装する。
func (corsStage) Name() string { return "cors" }

// Process はStageを実装する。プリフライトの場合はコンテキストを中断する。
func (s corsStage) Process(c *gin.Context) error {
	s.handler(c)
	return nil
}

// rateLimitStage はクライアントごとの固定ウィンドウでリクエスト数を制限する。
type rateLimitStage struct {
	limiter   *ratelimit.Limiter
	keyHeader string
	exempt    map[string]struct{}
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Name はStageを実装する。
func (rateLimitStage) Name() string { return "rate_limit" }

// Process はStageを実装する。
// 除外パスはクライアント識別子を求める前に通過させる。
// Storeの障害時はリクエストを通過させる。
func (s rateLimitStage) Process(c *gin.Context) error {
	if _, ok := s.exempt[c.Request.URL.Path]; ok {
		return nil
	}

	now := s.now()
	key := ratelimit.ClientKey(c, s.keyHeader)
	d, err := s.limiter.Allow(c.Request.Context(), key, now)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("request_id", reqctx.RequestID(c)).
			Msg("rate limit store failed, allowing request")
		return nil
	}

	reset := secondsUntil(now, d.ResetAt)
	c.Header(headerRateLimitLimit, strconv.Itoa(d.Limit))
	c.Header(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	c.Header(headerRateLimitReset, strconv.Itoa(reset))

	if !d.Allowed {
		c.Header(headerRetryAfter, strconv.Itoa(reset))
		s.metrics.RateLimited()
		s.logger.Warn().
			Str("request_id", reqctx.RequestID(c)).
			Str("client", key).
			Int("count", d.Count).
			Msg("rate limit exceeded")
		return apierror.RateLimited()
	}
	return nil
}

// secondsUntil はnowからtまでの秒数を切り上げて返す。過去の場合は0。
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// authStage はBearerトークンを検証し、IdentityをRequestContextに設定する。
type authStage struct {
	secret  string
	public  publicPaths
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Name はStageを実装する。
func (authStage) Name() string { return "auth" }

// Process はStageを実装する。
// 公開パスは署名検証を行わずに通過させる。
func (s authStage) Process(c *gin.Context) error {
	if s.public.Match(c.Request.URL.Path) {
		return nil
	}

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		s.metrics.AuthFailure(string(apierror.CodeUnauthorized))
		s.logger.Warn().
			Str("request_id", reqctx.RequestID(c)).
			Str("path", c.Request.URL.Path).
			Msg("missing authentication token")
		return apierror.Unauthorized(apierror.MessageTokenRequired)
	}

	identity, err := middleware.ParseJWT(s.secret, token)
	if err != nil {
		s.metrics.AuthFailure(string(apierror.CodeForbidden))
		s.logger.Warn().
			Err(err).
			Str("request_id", reqctx.RequestID(c)).
			Str("path", c.Request.URL.Path).
			Msg("token verification failed")
		return apierror.Forbidden(apierror.MessageInvalidToken, err)
	}

	rc := reqctx.FromGin(c)
	if rc == nil {
		return apierror.Internal(errMissingRequestContext)
	}
	if err := rc.AttachIdentity(identity); err != nil {
		return apierror.Internal(err)
	}
	return nil
}

// publicPaths は認証不要なパス接頭辞の一覧。
type publicPaths []string

// Match はpathがいずれかの接頭辞にセグメント単位で一致する場合にtrueを返す。
func (p publicPaths) Match(path string) bool {
	for _, prefix := range p {
		if hasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// hasPathPrefix はpathがprefixと等しいか、prefixの直後がパス区切りである場合にtrueを返す。
// "/health" は "/health/live" に一致し、"/healthz" には一致しない。
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
