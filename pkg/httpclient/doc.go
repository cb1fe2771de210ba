// Package httpclient はゲートウェイから上流サービスへのHTTP通信を提供する。
//
// リバースプロキシが共有する接続プール付きのトランスポートと、
// ヘルスチェックなどゲートウェイ自身が発行するJSONリクエスト用のクライアントを含む。
package httpclient
