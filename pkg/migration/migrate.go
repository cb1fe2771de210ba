// Package migration はゲートウェイが持つSQLiteスキーマ（レート制限カウンタなど）のマイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、バージョン・名前・チェックサムを管理テーブルに記録する。
package migration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultTable はマイグレーション管理テーブルの既定名。
const DefaultTable = "gateway_schema_migrations"

// ErrChecksumMismatch は適用済みのマイグレーションファイルが後から書き換えられた場合のエラー。
var ErrChecksumMismatch = errors.New("適用済みマイグレーションの内容が変更されています")

// File は1つのマイグレーションファイルを表す。
type File struct {
	// Version はファイル名先頭の数値。
	Version int
	// Name はバージョン以降の説明部分。
	Name string
	// Checksum はファイル内容のSHA-256（16進）。
	Checksum string
	// path はfs.FS内のパス。
	path string
}

// Migrator はfs.FS上のup.sqlファイルをデータベースへ適用する。
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	table  string
	logger zerolog.Logger
}

// Option はMigratorの設定を変更する関数。
type Option func(*Migrator)

// WithLogger は適用結果を出力するロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Migrator) { m.logger = logger }
}

// WithTable は管理テーブル名を設定する。
func WithTable(name string) Option {
	return func(m *Migrator) { m.table = name }
}

// New はdirにある000001_description.up.sql形式のファイルを適用するMigratorを生成する。
func New(db *sql.DB, fsys fs.FS, dir string, opts ...Option) *Migrator {
	m := &Migrator{
		db:     db,
		fsys:   fsys,
		dir:    dir,
		table:  DefaultTable,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up は未適用のマイグレーションをバージョン順に適用し、新たに適用したファイルを返す。
// 適用済みファイルのチェックサムが記録と異なる場合はErrChecksumMismatchを返し、何も適用しない。
func (m *Migrator) Up(ctx context.Context) ([]File, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	files, err := Collect(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	var pending []File
	for _, f := range files {
		sum, ok := applied[f.Version]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if sum != "" && sum != f.Checksum {
			return nil, fmt.Errorf("%w: %06d_%s", ErrChecksumMismatch, f.Version, f.Name)
		}
	}

	var done []File
	for _, f := range pending {
		if err := m.apply(ctx, f); err != nil {
			return done, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", f.Version, err)
		}
		m.logger.Info().
			Int("version", f.Version).
			Str("name", f.Name).
			Str("table", m.table).
			Msg("schema migration applied")
		done = append(done, f)
	}
	if len(done) == 0 {
		m.logger.Debug().Str("table", m.table).Int("migrations", len(files)).Msg("schema up to date")
	}
	return done, nil
}

// ensureTable は管理テーブルを作成する。
func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`, m.table))
	return err
}

// applied は適用済みバージョンとそのチェックサムを取得する。
func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version, checksum FROM %s ORDER BY version", m.table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// apply は1つのマイグレーションをトランザクション内で適用する。
func (m *Migrator) apply(ctx context.Context, f File) error {
	content, err := fs.ReadFile(m.fsys, f.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	record := fmt.Sprintf("INSERT INTO %s (version, name, checksum) VALUES (?, ?, ?)", m.table)
	if _, err := tx.ExecContext(ctx, record, f.Version, f.Name, f.Checksum); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}

// Collect はディレクトリからup.sqlファイルを収集してバージョン順にソートする。
// 形式に合わないファイルは無視し、同じバージョンが複数ある場合はエラーにする。
func Collect(fsys fs.FS, dir string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []File
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("バージョン %06d が重複しています: %s, %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		p := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("%s の読み込みに失敗: %w", p, err)
		}
		sum := sha256.Sum256(content)
		files = append(files, File{
			Version:  version,
			Name:     strings.TrimSuffix(rest, ".up.sql"),
			Checksum: hex.EncodeToString(sum[:]),
			path:     p,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})
	return files, nil
}
