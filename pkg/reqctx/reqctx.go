package reqctx

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderRequestID はリクエストの相関IDを運ぶHTTPヘッダーキー。
	HeaderRequestID = "X-Request-ID"
	// HeaderUserID は上流サービスへ認証済みユーザーIDを伝播するHTTPヘッダーキー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRoles は上流サービスへロール一覧（JSON配列）を伝播するHTTPヘッダーキー。
	HeaderUserRoles = "X-User-Roles"
)

// ErrIdentityAttached はIdentityが既に設定済みのRequestContextに再設定しようとした場合のエラー。
var ErrIdentityAttached = errors.New("identityは既に設定されています")

// ErrNilIdentity はnilのIdentityを設定しようとした場合のエラー。
var ErrNilIdentity = errors.New("identityがnilです")

// Identity はトークン検証から得られた認証済みの主体を表す。
// 生成後は変更しない。
type Identity struct {
	// SubjectID はユーザーの一意識別子。
	SubjectID string
	// Email はユーザーのメールアドレス。トークンに含まれない場合は空。
	Email string
	// Roles はユーザーに付与されたロールの一覧。
	Roles []string
	// IssuedAt はトークンの発行時刻。
	IssuedAt time.Time
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// HasAnyRole はrequiredのいずれかのロールを保持していればtrueを返す。
// requiredが空の場合はfalseを返す。
func (i *Identity) HasAnyRole(required ...string) bool {
	if i == nil {
		return false
	}
	for _, r := range required {
		if slices.Contains(i.Roles, r) {
			return true
		}
	}
	return false
}

// RequestContext は1リクエストの処理期間中だけ存在するコンテキスト。
type RequestContext struct {
	// ID は相関ID。クライアント指定値または生成したUUID。
	ID string
	// StartTime はゲートウェイがリクエストを受け付けた時刻。
	StartTime time.Time
	// identity は認証ステージを通過した場合にのみ設定される。
	identity *Identity
}

// New は新しいRequestContextを生成する。
func New(id string, now time.Time) *RequestContext {
	return &RequestContext{ID: id, StartTime: now}
}

// Identity は認証済みのIdentityを返す。未認証の場合はnil。
func (rc *RequestContext) Identity() *Identity {
	if rc == nil {
		return nil
	}
	return rc.identity
}

// AttachIdentity はIdentityを一度だけ設定する。
func (rc *RequestContext) AttachIdentity(id *Identity) error {
	if id == nil {
		return ErrNilIdentity
	}
	if rc.identity != nil {
		return ErrIdentityAttached
	}
	rc.identity = id
	return nil
}

// ginKey はGinコンテキストにRequestContextを格納するためのキー。
const ginKey = "edgegate.request_context"

// contextKey はcontext.Contextのキーの型。
type contextKey struct{}

// WithContext はctxにRequestContextを格納した新しいコンテキストを返す。
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// From はctxからRequestContextを取り出す。存在しない場合はnil。
func From(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// Set はRequestContextをGinコンテキストとリクエストのcontext.Contextの両方に格納する。
// リバースプロキシなど*http.Requestしか受け取らない処理からも参照できるようにする。
func Set(c *gin.Context, rc *RequestContext) {
	c.Set(ginKey, rc)
	c.Request = c.Request.WithContext(WithContext(c.Request.Context(), rc))
}

// FromGin はGinコンテキストからRequestContextを取り出す。存在しない場合はnil。
func FromGin(c *gin.Context) *RequestContext {
	v, ok := c.Get(ginKey)
	if !ok {
		return nil
	}
	rc, _ := v.(*RequestContext)
	return rc
}

// RequestID はGinコンテキストから相関IDを取り出す。存在しない場合は空文字列。
func RequestID(c *gin.Context) string {
	if rc := FromGin(c); rc != nil {
		return rc.ID
	}
	return ""
}
