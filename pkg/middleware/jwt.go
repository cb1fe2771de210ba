package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/reqctx"
)

// issuer はこのゲートウェイが発行するトークンのiss。
const issuer = "edgegate"

// Claims はJWTトークンのクレーム（ペイロード）を表す。
// usersサービスが発行するトークンと同じ形式（id, email, roles）を持つ。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// Roles はユーザーに付与されたロールの一覧。
	Roles []string `json:"roles"`
}

// Validate は必須クレームの存在を検証する。
// jwt.ParseWithClaimsが標準クレームの検証後に呼び出す。
func (c Claims) Validate() error {
	if c.UserID == "" {
		return errors.New("idクレームがありません")
	}
	if c.Roles == nil {
		return errors.New("rolesクレームがありません")
	}
	return nil
}

// GenerateJWT はIdentityからHS256で署名したJWTトークンを生成する。
// IssuedAtが未設定の場合は現在時刻を使い、有効期限はIssuedAt+ttlとする。
func GenerateJWT(secret string, identity reqctx.Identity, ttl time.Duration) (string, error) {
	issuedAt := identity.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    issuer,
		},
		UserID: identity.SubjectID,
		Email:  identity.Email,
		Roles:  roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンの署名と有効期限を検証し、Identityを返す。
// HS256以外の署名アルゴリズムと、expを持たないトークンは拒否する。
func ParseJWT(secret, tokenString string) (*reqctx.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}

	identity := &reqctx.Identity{
		SubjectID: claims.UserID,
		Email:     claims.Email,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	return identity, nil
}

// BearerToken はAuthorizationヘッダーの値からBearerトークンを取り出す。
// 形式が "Bearer <token>" でない場合はfalseを返す。スキーム名の大文字小文字は区別しない。
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// RequireRole は認証済みユーザーが指定ロールのいずれかを持つことを要求するGinミドルウェアを返す。
// Identityが無い場合は常に拒否する。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := reqctx.FromGin(c)
		if !rc.Identity().HasAnyRole(roles...) {
			apierror.Abort(c, apierror.Forbidden(apierror.MessageInsufficientRole, nil))
			return
		}
		c.Next()
	}
}
