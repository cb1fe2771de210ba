package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// Counter はあるクライアント識別子の現在のウィンドウの状態。
type Counter struct {
	// WindowStart は現在のウィンドウの開始時刻。
	WindowStart time.Time
	// Count は現在のウィンドウ内のリクエスト数（インクリメント後の値）。
	Count int
}

// Store はカウンタの保存先。
// Incrementはキーごとに直列化され、同時に呼び出されてもインクリメントを失わないこと。
type Store interface {
	// Increment はkeyのカウンタを1増やし、増加後の状態を返す。
	// カウンタが存在しない場合は作成し、now >= WindowStart+window の場合は
	// ウィンドウをnowから開始し直してカウントを1にする。
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Counter, error)
	// Close はStoreが保持するリソースを解放する。
	Close() error
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを通過させてよい場合にtrue。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining はウィンドウ内で残り何回リクエストできるか。
	Remaining int
	// Count は現在のウィンドウ内のリクエスト数。
	Count int
	// ResetAt は現在のウィンドウが終了する時刻。
	ResetAt time.Time
}

// Limiter は固定ウィンドウ方式のレートリミッタ。
type Limiter struct {
	store  Store
	window time.Duration
	max    int
}

// NewLimiter は新しいLimiterを生成する。
func NewLimiter(store Store, window time.Duration, maxRequests int) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("storeが指定されていません")
	}
	if window <= 0 {
		return nil, fmt.Errorf("ウィンドウ幅が不正です: %s", window)
	}
	if maxRequests <= 0 {
		return nil, fmt.Errorf("上限値が不正です: %d", maxRequests)
	}
	return &Limiter{store: store, window: window, max: maxRequests}, nil
}

// Window はウィンドウ幅を返す。
func (l *Limiter) Window() time.Duration { return l.window }

// Max はウィンドウあたりの上限を返す。
func (l *Limiter) Max() int { return l.max }

// Allow はkeyのリクエストを1回分数え、通過可否を返す。
// インクリメント後のカウントが上限を超えた場合に拒否する。
func (l *Limiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	c, err := l.store.Increment(ctx, key, now, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("カウンタの更新に失敗: key=%s: %w", key, err)
	}
	return Decision{
		Allowed:   c.Count <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-c.Count, 0),
		Count:     c.Count,
		ResetAt:   c.WindowStart.Add(l.window),
	}, nil
}

// Close は内部のStoreを閉じる。
func (l *Limiter) Close() error {
	return l.store.Close()
}

// ClientKey はレート制限のキーとなるクライアント識別子を返す。
// apiKeyHeaderが指定され、そのヘッダーが存在する場合はAPIキーを、
// それ以外はクライアントIPを使用する。クライアントIPの解決には
// Ginの信頼済みプロキシ設定が適用される。
func ClientKey(c *gin.Context, apiKeyHeader string) string {
	if apiKeyHeader != "" {
		if v := c.GetHeader(apiKeyHeader); v != "" {
			return "key:" + v
		}
	}
	return "ip:" + c.ClientIP()
}
