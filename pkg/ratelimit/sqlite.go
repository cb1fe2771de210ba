package ratelimit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/nao1215/edgegate/pkg/migration"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// incrementQuery はカウンタの作成・リセット・インクリメントを1文で原子的に行う。
// SET句の右辺は更新前の行の値で評価される。
const incrementQuery = `
INSERT INTO rate_limit_counters (client_key, window_start_ms, expires_at_ms, hits)
VALUES (?1, ?2, ?2 + ?3, 1)
ON CONFLICT(client_key) DO UPDATE SET
    hits = CASE WHEN ?2 >= rate_limit_counters.window_start_ms + ?3
        THEN 1 ELSE rate_limit_counters.hits + 1 END,
    window_start_ms = CASE WHEN ?2 >= rate_limit_counters.window_start_ms + ?3
        THEN ?2 ELSE rate_limit_counters.window_start_ms END,
    expires_at_ms = CASE WHEN ?2 >= rate_limit_counters.window_start_ms + ?3
        THEN ?2 + ?3 ELSE rate_limit_counters.expires_at_ms END
RETURNING window_start_ms, hits`

// SQLiteStore はSQLiteにカウンタを保持するStore。
// 同一ホスト上の複数のゲートウェイプロセスでカウンタを共有できる。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore はpathのSQLiteデータベースを開き、スキーマを適用する。
// 適用したマイグレーションはloggerに出力する。
func OpenSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// プロセス内の書き込みは1接続に直列化する
	db.SetMaxOpenConns(1)

	m := migration.New(db, migrations, "migrations", migration.WithLogger(logger.With().Str("store", path).Logger()))
	if _, err := m.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Increment はStoreインターフェースを実装する。
func (s *SQLiteStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Counter, error) {
	var startMS int64
	var hits int
	err := s.db.QueryRowContext(ctx, incrementQuery, key, now.UnixMilli(), window.Milliseconds()).Scan(&startMS, &hits)
	if err != nil {
		return Counter{}, fmt.Errorf("カウンタの更新に失敗: %w", err)
	}
	return Counter{WindowStart: time.UnixMilli(startMS), Count: hits}, nil
}

// Sweep はnow時点で期限切れのカウンタを削除し、削除した件数を返す。
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rate_limit_counters WHERE expires_at_ms <= ?", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れカウンタの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
