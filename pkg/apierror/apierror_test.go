package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestStatusMapping はエラーコードとHTTPステータスの対応を検証する。
func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    *Error
		code   Code
		status int
	}{
		{name: "UNAUTHORIZED", err: Unauthorized(MessageTokenRequired), code: CodeUnauthorized, status: http.StatusUnauthorized},
		{name: "FORBIDDEN", err: Forbidden(MessageInvalidToken, nil), code: CodeForbidden, status: http.StatusForbidden},
		{name: "RATE_LIMIT_EXCEEDED", err: RateLimited(), code: CodeRateLimitExceeded, status: http.StatusTooManyRequests},
		{name: "NOT_FOUND", err: NotFound(), code: CodeNotFound, status: http.StatusNotFound},
		{name: "SERVICE_UNAVAILABLE", err: ServiceUnavailable(nil), code: CodeServiceUnavailable, status: http.StatusBadGateway},
		{name: "INTERNAL_ERROR", err: Internal(nil), code: CodeInternal, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
		})
	}
}

// TestFrom はエラーチェーンからの変換を検証する。
func TestFrom(t *testing.T) {
	t.Parallel()

	t.Run("ラップされた*Errorを取り出せること", func(t *testing.T) {
		t.Parallel()

		wrapped := fmt.Errorf("認証ステージ: %w", Forbidden(MessageInvalidToken, nil))
		got := From(wrapped)
		if got.Code != CodeForbidden {
			t.Errorf("Code = %q, want %q", got.Code, CodeForbidden)
		}
	})

	t.Run("未知のエラーはINTERNAL_ERRORになること", func(t *testing.T) {
		t.Parallel()

		cause := errors.New("nil pointer")
		got := From(cause)
		if got.Code != CodeInternal {
			t.Errorf("Code = %q, want %q", got.Code, CodeInternal)
		}
		if !errors.Is(got, cause) {
			t.Error("原因エラーがUnwrapで取り出せない")
		}
	})
}

// TestWrite は内部エラーの詳細がレスポンスに含まれないことを検証する。
func TestWrite(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Write(w, ServiceUnavailable(errors.New("dial tcp 127.0.0.1:1: connect: connection refused")))

	if w.Code != http.StatusBadGateway {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("内部エラーの詳細がレスポンスに含まれている: %s", w.Body.String())
	}

	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	if env.Success {
		t.Error("successがtrueになっている")
	}
	if env.Error == nil || env.Error.Code != CodeServiceUnavailable {
		t.Errorf("error = %+v, want code %q", env.Error, CodeServiceUnavailable)
	}
	if env.Error.Message != MessageServiceUnavailable {
		t.Errorf("message = %q, want %q", env.Error.Message, MessageServiceUnavailable)
	}
}

// TestAbort はGinのハンドラチェーンが中断されることを検証する。
func TestAbort(t *testing.T) {
	t.Parallel()

	reached := false
	router := gin.New()
	router.Use(func(c *gin.Context) {
		Abort(c, RateLimited())
	})
	router.GET("/test", func(c *gin.Context) {
		reached = true
		c.JSON(http.StatusOK, Success(gin.H{"ok": true}))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if reached {
		t.Error("Abort後にハンドラが実行された")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(w.Body.String(), `"code":"RATE_LIMIT_EXCEEDED"`) {
		t.Errorf("エラーコードが含まれていない: %s", w.Body.String())
	}
}
