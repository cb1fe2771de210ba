// Package middleware はゲートウェイで使用する共通のGinミドルウェアを提供する。
//
// JWT認証トークンの発行と検証、ロールによる認可、構造化アクセスログ、
// パニックリカバリ、CORS設定を含む。
package middleware
