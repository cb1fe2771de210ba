// Package logging はzerologによる構造化ロガーを設定する。
package logging

import (
	"io"
	"os"
	"time"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/rs/zerolog"
)

// New は設定に従ってロガーを生成する。
// Prettyの場合は人間向けのコンソール形式、それ以外は1行1JSONで出力する。
// 不明なレベルはinfoとして扱う。
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	output := w
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(level).With().Timestamp().Str("service", "api-gateway").Logger()
}
