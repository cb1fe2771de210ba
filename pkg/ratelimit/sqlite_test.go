package ratelimit

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// openTestSQLiteStore はテスト用の一時ファイルにSQLiteStoreを開く。
func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "ratelimit.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLiteStore()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestSQLiteStoreIncrement はSQLiteStoreの固定ウィンドウの挙動を検証する。
func TestSQLiteStoreIncrement(t *testing.T) {
	t.Parallel()

	s := openTestSQLiteStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())

	c, err := s.Increment(ctx, "ip:10.0.0.1", now, time.Minute)
	if err != nil {
		t.Fatalf("Increment()でエラーが発生: %v", err)
	}
	if c.Count != 1 || !c.WindowStart.Equal(now) {
		t.Errorf("1回目 = %+v, want count=1 windowStart=%v", c, now)
	}

	c, err = s.Increment(ctx, "ip:10.0.0.1", now.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("Increment()でエラーが発生: %v", err)
	}
	if c.Count != 2 || !c.WindowStart.Equal(now) {
		t.Errorf("2回目 = %+v, want count=2 windowStart=%v", c, now)
	}

	later := now.Add(time.Minute)
	c, err = s.Increment(ctx, "ip:10.0.0.1", later, time.Minute)
	if err != nil {
		t.Fatalf("Increment()でエラーが発生: %v", err)
	}
	if c.Count != 1 || !c.WindowStart.Equal(later) {
		t.Errorf("ウィンドウ切り替え後 = %+v, want count=1 windowStart=%v", c, later)
	}
}

// TestSQLiteStoreConcurrent は同時インクリメントが失われないことを検証する。
func TestSQLiteStoreConcurrent(t *testing.T) {
	t.Parallel()

	s := openTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	const workers = 10
	const perWorker = 10

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if _, err := s.Increment(ctx, "shared", now, time.Hour); err != nil {
					t.Errorf("Increment()でエラーが発生: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	c, err := s.Increment(ctx, "shared", now, time.Hour)
	if err != nil {
		t.Fatalf("Increment()でエラーが発生: %v", err)
	}
	if c.Count != workers*perWorker+1 {
		t.Errorf("Count = %d, want %d", c.Count, workers*perWorker+1)
	}
}

// TestSQLiteStoreSweep は期限切れ行の削除を検証する。
func TestSQLiteStoreSweep(t *testing.T) {
	t.Parallel()

	s := openTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Increment(ctx, "old", now, time.Second)
	_, _ = s.Increment(ctx, "fresh", now, time.Hour)

	removed, err := s.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep()でエラーが発生: %v", err)
	}
	if removed != 1 {
		t.Errorf("削除件数 = %d, want 1", removed)
	}
}

// TestSQLiteStoreWithLimiter はLimiter経由での上限判定を検証する。
func TestSQLiteStoreWithLimiter(t *testing.T) {
	t.Parallel()

	l, err := NewLimiter(openTestSQLiteStore(t), time.Minute, 2)
	if err != nil {
		t.Fatalf("NewLimiter()でエラーが発生: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	for i := 1; i <= 2; i++ {
		if d, _ := l.Allow(ctx, "k", now); !d.Allowed {
			t.Fatalf("%d回目のリクエストが拒否された", i)
		}
	}
	if d, _ := l.Allow(ctx, "k", now); d.Allowed {
		t.Error("3回目のリクエストが許可された")
	}
}

// TestOpenSQLiteStoreLogsMigrations はスキーマ適用がストアのパス付きでログに残ることを検証する。
func TestOpenSQLiteStoreLogsMigrations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ratelimit.db")
	var logs bytes.Buffer
	s, err := OpenSQLiteStore(context.Background(), path, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("OpenSQLiteStore()でエラーが発生: %v", err)
	}
	_ = s.Close()

	out := logs.String()
	if !strings.Contains(out, `"name":"create_rate_limit_counters"`) || !strings.Contains(out, `"store":"`+path+`"`) {
		t.Errorf("ログに適用したマイグレーションが無い: %s", out)
	}

	// 2回目は適用済みのため何も出力しない
	logs.Reset()
	s, err = OpenSQLiteStore(context.Background(), path, zerolog.New(&logs).Level(zerolog.InfoLevel))
	if err != nil {
		t.Fatalf("2回目のOpenSQLiteStore()でエラーが発生: %v", err)
	}
	_ = s.Close()
	if logs.Len() != 0 {
		t.Errorf("適用済みなのにログが出力された: %s", logs.String())
	}
}
