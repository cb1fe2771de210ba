// Package gateway はエッジゲートウェイのリクエストパイプラインを提供する。
//
// すべての受信リクエストは 相関ID付与 → CORS → レート制限 → 公開パス判定/JWT認証 の
// 順にステージを通過し、経路表に一致した上流サービスへリバースプロキシで転送される。
// いずれかのステージが失敗した時点で統一エラーエンベロープを返し、以降の処理は行わない。
package gateway
