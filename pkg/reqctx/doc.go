// Package reqctx はゲートウェイを通過する1リクエスト分のコンテキストを提供する。
//
// 相関ID（X-Request-ID）、受信時刻、認証済みのIdentityを保持し、
// パイプラインの各ステージとリバースプロキシで共有する。
// RequestContextはリクエストごとに1つだけ生成され、リクエスト間で共有されない。
package reqctx
