package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/reqctx"
	"github.com/rs/zerolog"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースを相関IDと共にログへ出力し、
// クライアントには詳細を含まないINTERNAL_ERRORを返す。
// http.ErrAbortHandlerはnet/httpに処理させるため再度パニックさせる。
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}
			logger.Error().
				Str("request_id", reqctx.RequestID(c)).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("パニックから回復しました")
			apierror.Abort(c, apierror.Internal(fmt.Errorf("panic: %v", r)))
		}()
		c.Next()
	}
}
