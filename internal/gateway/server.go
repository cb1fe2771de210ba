package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server はエッジゲートウェイのHTTPサーバー。
type Server struct {
	// engine はGinのHTTPルーター。
	engine *gin.Engine
	// cfg は読み込み済みの設定。変更しない。
	cfg *config.Config
	// logger は構造化ロガー。
	logger zerolog.Logger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// store はレート制限カウンタの保存先。
	store ratelimit.Store
	// limiter は固定ウィンドウのレートリミッタ。
	limiter *ratelimit.Limiter
	// table は経路表。
	table *RouteTable
	// proxy は上流サービスへのリバースプロキシ。
	proxy *Proxy
	// pipeline は全リクエストが通過するステージ列。
	pipeline *Pipeline
	// metrics はPrometheusメトリクス。無効の場合はnil。
	metrics *metrics.Metrics
	// transport は上流サービスへの接続に使うRoundTripper。
	transport http.RoundTripper
	// upstreamClients は/readyで使う上流サービスごとのクライアント。
	upstreamClients map[string]*httpclient.Client
}

// Option はServerの構築時の設定を変更する関数。
type Option func(*Server)

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock は現在時刻を返す関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithStore はレート制限カウンタの保存先を設定する。設定しない場合はcfgに従って生成する。
func WithStore(store ratelimit.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics はメトリクスを設定する。設定しない場合はcfgに従って生成する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTransport は上流サービスへのRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Server) { s.transport = rt }
}

// NewServer は設定を検証し、パイプラインと経路表を組み立てたServerを返す。
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil && cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}
	if s.transport == nil {
		s.transport = httpclient.NewTransport(httpclient.TransportConfig{
			DialTimeout:           cfg.Proxy.DialTimeout,
			ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
			IdleConnTimeout:       cfg.Proxy.IdleConnTimeout,
			MaxIdleConnsPerHost:   cfg.Proxy.MaxIdleConnsPerHost,
			RetryAttempts:         cfg.Proxy.RetryAttempts,
			RetryBackoff:          cfg.Proxy.RetryBackoff,
			Tracing:               cfg.Tracing.Enabled,
		})
	}

	table, err := NewRouteTable(cfg.Routes, cfg.Upstreams)
	if err != nil {
		return nil, fmt.Errorf("経路表の構築に失敗: %w", err)
	}
	s.table = table

	if s.store == nil {
		store, err := newStore(cfg.RateLimit, s.logger)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	limiter, err := ratelimit.NewLimiter(s.store, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("レートリミッタの生成に失敗: %w", err)
	}
	s.limiter = limiter

	exempt := make(map[string]struct{}, len(cfg.RateLimit.ExemptPaths))
	for _, p := range cfg.RateLimit.ExemptPaths {
		exempt[p] = struct{}{}
	}
	s.pipeline = NewPipeline(
		requestIDStage{now: s.now, logger: s.logger},
		corsStage{handler: middleware.CORS(cfg.CORS.AllowedOrigins)},
		rateLimitStage{
			limiter:   limiter,
			keyHeader: cfg.RateLimit.KeyHeader,
			exempt:    exempt,
			now:       s.now,
			logger:    s.logger,
			metrics:   s.metrics,
		},
		authStage{
			secret:  cfg.Auth.JWTSecret,
			public:  publicPaths(cfg.Auth.PublicPaths),
			logger:  s.logger,
			metrics: s.metrics,
		},
	)
	s.proxy = NewProxy(table, cfg.Auth.PublicPaths, s.transport, ProxyOptions{
		Timeout:       cfg.Proxy.Timeout,
		FlushInterval: cfg.Proxy.FlushInterval,
	}, s.logger, s.metrics)
	s.upstreamClients = newUpstreamClients(cfg.Upstreams, s.transport)

	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		_ = limiter.Close()
		return nil, fmt.Errorf("信頼済みプロキシの設定に失敗: %w", err)
	}
	s.engine = engine
	s.setupRoutes()

	return s, nil
}

// newStore は設定に従ってレート制限カウンタの保存先を生成する。
func newStore(cfg config.RateLimitConfig, logger zerolog.Logger) (ratelimit.Store, error) {
	switch cfg.Store {
	case "sqlite":
		store, err := ratelimit.OpenSQLiteStore(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("SQLiteストアの初期化に失敗: %w", err)
		}
		return store, nil
	default:
		return ratelimit.NewMemoryStore(ratelimit.MemoryStoreOptions{
			MaxKeys:       cfg.MaxKeys,
			SweepInterval: cfg.SweepInterval,
		}), nil
	}
}

// setupRoutes はミドルウェアとルーティングを設定する。
// ゲートウェイ自身のエンドポイント以外は全てリバースプロキシで処理する。
func (s *Server) setupRoutes() {
	// アクセスログとメトリクスはRecoveryの外側に置き、回復後の500も伝播するパニックも記録する
	s.engine.Use(middleware.AccessLog(s.logger))
	s.engine.Use(s.metrics.Middleware())
	s.engine.Use(middleware.Recovery(s.logger))
	s.engine.Use(s.pipeline.Handler())

	s.engine.GET("/health", s.handleHealth())
	s.engine.GET("/ready", s.handleReady())
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// 管理用エンドポイント（adminロール必須）
	admin := s.engine.Group("/admin")
	admin.Use(middleware.RequireRole("admin"))
	{
		admin.GET("/routes", s.handleRoutes())
	}

	s.engine.NoRoute(s.proxy.Handler())
}

// Handler はサーバーのhttp.Handlerを返す。トレースが有効な場合はスパンを生成する。
func (s *Server) Handler() http.Handler {
	if s.cfg.Tracing.Enabled {
		return otelhttp.NewHandler(s.engine, s.cfg.Tracing.ServiceName)
	}
	return s.engine
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	if sweeper, ok := s.store.(*ratelimit.SQLiteStore); ok && s.cfg.RateLimit.SweepInterval > 0 {
		go s.sweepLoop(ctx, sweeper)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Int("port", s.cfg.Server.Port).
			Interface("upstreams", s.cfg.Upstreams).
			Strs("stages", s.pipeline.Stages()).
			Msg("API Gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// sweepLoop はSQLiteストアの期限切れカウンタを定期的に削除する。
func (s *Server) sweepLoop(ctx context.Context, store *ratelimit.SQLiteStore) {
	ticker := time.NewTicker(s.cfg.RateLimit.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Error().Err(err).Msg("rate limit sweep failed")
				continue
			}
			s.logger.Debug().Int64("deleted", n).Msg("rate limit counters swept")
		}
	}
}

// Close はレート制限の保存先などサーバーが保持するリソースを解放する。
func (s *Server) Close() error {
	return s.limiter.Close()
}
