package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/internal/logging"
	"github.com/nao1215/edgegate/internal/telemetry"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/reqctx"
	"github.com/spf13/cobra"
)

// newRootCmd はゲートウェイのルートコマンドを生成する。
// サブコマンドを指定しない場合はserveと同じ動作をする。
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Edge API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv(".env")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "設定ファイルのパス（未指定の場合はconfig.yamlがあれば読み込む）")

	root.AddCommand(newServeCmd(&configPath), newTokenCmd(&configPath))
	return root
}

// newServeCmd はゲートウェイを起動するコマンドを生成する。
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// tokenOptions はtokenコマンドのフラグ。
type tokenOptions struct {
	subject string
	email   string
	roles   []string
	ttl     time.Duration
}

// newTokenCmd は設定の署名秘密鍵でアクセストークンを発行するコマンドを生成する。
// ローカル開発や疎通確認で使う。
func newTokenCmd(configPath *string) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			token, err := issueToken(cfg, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.subject, "sub", "", "ユーザーID")
	cmd.Flags().StringVar(&opts.email, "email", "", "メールアドレス")
	cmd.Flags().StringSliceVar(&opts.roles, "roles", []string{"user"}, "ロール（カンマ区切り）")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "有効期間（未指定の場合はauth.token_ttl）")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

// issueToken はoptsの主体でトークンを発行する。
func issueToken(cfg *config.Config, opts *tokenOptions) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("JWT_SECRETが設定されていません")
	}
	if strings.TrimSpace(opts.subject) == "" {
		return "", errors.New("--subが指定されていません")
	}
	ttl := opts.ttl
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	return middleware.GenerateJWT(cfg.Auth.JWTSecret, reqctx.Identity{
		SubjectID: opts.subject,
		Email:     opts.email,
		Roles:     opts.roles,
	}, ttl)
}

// runServe は設定を読み込んでゲートウェイを起動し、SIGINT/SIGTERMで停止する。
func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Tracing.ServiceName, os.Stdout, logger)
		if err != nil {
			return fmt.Errorf("トレースの初期化に失敗: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	server, err := gateway.NewServer(cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to release gateway resources")
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

// loadDotEnv はpathの.envファイルを環境変数に読み込む。ファイルが無い場合は何もしない。
// 既に設定されている環境変数は上書きしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}
	return nil
}
