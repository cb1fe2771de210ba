package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/reqctx"
	"github.com/rs/zerolog"
)

// AccessLog はリクエストごとに1行の構造化アクセスログを出力するGinミドルウェアを返す。
// ステータスが5xxならerror、4xxならwarn、それ以外はinfoレベルで出力する。
// c.Errorで記録されたエラー（内部原因を含む）はerrorsフィールドに出力する。
// パニックが外側へ伝播する場合（http.ErrAbortHandlerなど）もabortedとして記録してから再度パニックさせる。
// Recoveryより外側に登録すること。
func AccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			r := recover()
			logRequest(logger, c, start, r != nil)
			if r != nil {
				panic(r)
			}
		}()
		c.Next()
	}
}

// logRequest はアクセスログを1行出力する。
func logRequest(logger zerolog.Logger, c *gin.Context, start time.Time, aborted bool) {
	status := c.Writer.Status()
	var ev *zerolog.Event
	switch {
	case aborted || status >= http.StatusInternalServerError:
		ev = logger.Error()
	case status >= http.StatusBadRequest:
		ev = logger.Warn()
	default:
		ev = logger.Info()
	}
	ev = ev.Str("request_id", reqctx.RequestID(c)).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Int("bytes", c.Writer.Size())
	if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
		ev = ev.Strs("errors", errs.Errors())
	}
	if aborted {
		ev.Bool("aborted", true).Msg("request aborted")
		return
	}
	ev.Msg("request completed")
}
