// Package apierror はゲートウェイが返す統一レスポンスエンベロープとエラーコードを提供する。
//
// パイプラインの各ステージで発生した失敗を、安定したエラーコードと
// HTTPステータスの組に変換する。内部のエラー詳細はクライアントに返さない。
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code は機械可読なエラーコード。
type Code string

// エラーコード一覧。値はクライアントとの契約であり変更しない。
const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// クライアントに返す固定メッセージ。
const (
	MessageTokenRequired      = "Authentication token required"
	MessageInvalidToken       = "Invalid or expired token"
	MessageInsufficientRole   = "Insufficient permissions"
	MessageRateLimitExceeded  = "Too many requests, please try again later"
	MessageRouteNotFound      = "Route not found"
	MessageServiceUnavailable = "Upstream service is unavailable"
	MessageInternal           = "Internal server error"
)

// Error はクライアントに返す失敗を表す。
// Errは原因となった内部エラーで、ログにのみ出力しレスポンスには含めない。
type Error struct {
	// Code は機械可読なエラーコード。
	Code Code
	// Status はHTTPステータスコード。
	Status int
	// Message は人間向けのメッセージ。
	Message string
	// Err は原因となった内部エラー。nilの場合もある。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap は原因となった内部エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthorized は認証情報が無い・形式が不正な場合のエラーを返す。
func Unauthorized(message string) *Error {
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// Forbidden はトークンが無効、またはロールが不足している場合のエラーを返す。
func Forbidden(message string, cause error) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: message, Err: cause}
}

// RateLimited はレート制限を超過した場合のエラーを返す。
func RateLimited() *Error {
	return &Error{Code: CodeRateLimitExceeded, Status: http.StatusTooManyRequests, Message: MessageRateLimitExceeded}
}

// NotFound は一致するルートが無い場合のエラーを返す。
func NotFound() *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: MessageRouteNotFound}
}

// ServiceUnavailable は上流サービスに到達できない場合のエラーを返す。
func ServiceUnavailable(cause error) *Error {
	return &Error{Code: CodeServiceUnavailable, Status: http.StatusBadGateway, Message: MessageServiceUnavailable, Err: cause}
}

// Internal はパイプライン内部の予期しないエラーを返す。
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: MessageInternal, Err: cause}
}

// From は任意のエラーを*Errorに変換する。
// エラーチェーン中に*Errorが無い場合はINTERNAL_ERRORとして扱う。
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// Body はエラーエンベロープのerrorフィールド。
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Envelope はゲートウェイが生成する全レスポンスの共通形式。
type Envelope struct {
	Success bool  `json:"success"`
	Data    any   `json:"data,omitempty"`
	Error   *Body `json:"error,omitempty"`
}

// Success は成功レスポンスのエンベロープを返す。
func Success(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Failure はエラーレスポンスのエンベロープを返す。
func Failure(e *Error) Envelope {
	return Envelope{Success: false, Error: &Body{Code: e.Code, Message: e.Message}}
}

// Abort はエラーをエンベロープに変換してレスポンスを書き込み、Ginのハンドラチェーンを中断する。
func Abort(c *gin.Context, err error) {
	e := From(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(e.Status, Failure(e))
}

// Write はエラーをエンベロープに変換して素のhttp.ResponseWriterに書き込む。
// Ginコンテキストを持たないリバースプロキシのエラーハンドラから使用する。
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(Failure(e))
}
