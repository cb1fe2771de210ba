// Package config はゲートウェイの設定をファイルと環境変数から読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath は--config未指定時に読み込む設定ファイルのパス。
const DefaultPath = "config.yaml"

// envPrefix は任意のキーを上書きする環境変数の接頭辞。
// GATEWAY_RATE_LIMIT__STORE は rate_limit.store に対応する。
const envPrefix = "GATEWAY_"

// Config はゲートウェイ全体の設定。読み込み後は変更しない。
type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Auth      AuthConfig        `koanf:"auth"`
	RateLimit RateLimitConfig   `koanf:"rate_limit"`
	Proxy     ProxyConfig       `koanf:"proxy"`
	Upstreams map[string]string `koanf:"upstreams"`
	Routes    []RouteConfig     `koanf:"routes"`
	CORS      CORSConfig        `koanf:"cors"`
	Log       LogConfig         `koanf:"log"`
	Metrics   MetricsConfig     `koanf:"metrics"`
	Tracing   TracingConfig     `koanf:"tracing"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのCIDR一覧。空の場合は信頼しない。
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// AuthConfig はトークン検証の設定。
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	// PublicPaths は認証不要なパスの接頭辞。セグメント単位で一致を判定する。
	PublicPaths []string `koanf:"public_paths"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Window      time.Duration `koanf:"window"`
	MaxRequests int           `koanf:"max_requests"`
	// Store は "memory" または "sqlite"。
	Store         string        `koanf:"store"`
	SQLitePath    string        `koanf:"sqlite_path"`
	MaxKeys       int           `koanf:"max_keys"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// KeyHeader はクライアント識別に使うAPIキーのヘッダー名。値が無い場合はクライアントIPを使う。
	KeyHeader string `koanf:"key_header"`
	// ExemptPaths はレート制限の対象外とするパス（完全一致）。
	ExemptPaths []string `koanf:"exempt_paths"`
}

// ProxyConfig は上流サービスへの転送設定。
type ProxyConfig struct {
	DialTimeout           time.Duration `koanf:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `koanf:"response_header_timeout"`
	// Timeout は1リクエストあたりの上流呼び出し全体のタイムアウト。
	Timeout             time.Duration `koanf:"timeout"`
	IdleConnTimeout     time.Duration `koanf:"idle_conn_timeout"`
	MaxIdleConnsPerHost int           `koanf:"max_idle_conns_per_host"`
	RetryAttempts       int           `koanf:"retry_attempts"`
	RetryBackoff        time.Duration `koanf:"retry_backoff"`
	FlushInterval       time.Duration `koanf:"flush_interval"`
}

// RouteConfig はパス接頭辞と上流サービスの対応。
type RouteConfig struct {
	Prefix   string          `koanf:"prefix"`
	Upstream string          `koanf:"upstream"`
	Rewrite  []RewriteConfig `koanf:"rewrite"`
}

// RewriteConfig はパス書き換え規則。Patternは正規表現。
type RewriteConfig struct {
	Pattern     string `koanf:"pattern"`
	Replacement string `koanf:"replacement"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// MetricsConfig はPrometheusメトリクスの設定。
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// TracingConfig はOpenTelemetryトレースの設定。
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// defaults はファイルにも環境変数にも無いキーに設定する値。
var defaults = map[string]any{
	"server.port":                   3000,
	"server.read_header_timeout":    "10s",
	"server.shutdown_timeout":       "15s",
	"auth.token_ttl":                "168h",
	"auth.public_paths":             []string{"/api/v1/auth/register", "/api/v1/auth/login", "/health", "/ready", "/metrics"},
	"rate_limit.window":             "60s",
	"rate_limit.max_requests":       100,
	"rate_limit.store":              "memory",
	"rate_limit.sqlite_path":        "ratelimit.db",
	"rate_limit.max_keys":           100000,
	"rate_limit.sweep_interval":     "1m",
	"rate_limit.key_header":         "X-API-Key",
	"rate_limit.exempt_paths":       []string{"/health", "/ready", "/metrics"},
	"proxy.dial_timeout":            "5s",
	"proxy.response_header_timeout": "30s",
	"proxy.timeout":                 "30s",
	"proxy.idle_conn_timeout":       "90s",
	"proxy.max_idle_conns_per_host": 32,
	"proxy.retry_attempts":          0,
	"proxy.retry_backoff":           "100ms",
	"proxy.flush_interval":          "100ms",
	"cors.allowed_origins":          []string{"*"},
	"log.level":                     "info",
	"log.pretty":                    false,
	"metrics.enabled":               true,
	"tracing.enabled":               false,
	"tracing.service_name":          "api-gateway",
}

// defaultUpstreams はroutes未設定時に使う上流サービス。
var defaultUpstreams = map[string]any{
	"upstreams.users":  "http://localhost:3001",
	"upstreams.orders": "http://localhost:3002",
}

// DefaultRoutes はroutes未設定時の経路表。
func DefaultRoutes() []RouteConfig {
	route := func(prefix, upstream string) RouteConfig {
		return RouteConfig{
			Prefix:   prefix,
			Upstream: upstream,
			Rewrite:  []RewriteConfig{{Pattern: "^" + regexp.QuoteMeta(prefix), Replacement: prefix}},
		}
	}
	return []RouteConfig{
		route("/api/v1/auth", "users"),
		route("/api/v1/users", "users"),
		route("/api/v1/orders", "orders"),
	}
}

// Load は設定ファイルと環境変数から設定を読み込む。
// pathが空の場合はDefaultPathを読み込み、ファイルが存在しなければ環境変数とデフォルト値のみを使う。
// 環境変数はファイルの値を上書きする。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	if err := setDefaults(k, defaults); err != nil {
		return nil, err
	}
	// 経路表が設定されていない場合のみ既定の上流サービスを補う
	if !k.Exists("routes") {
		if err := setDefaults(k, defaultUpstreams); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}

	return &cfg, nil
}

// setDefaults は未設定のキーにだけ値を設定する。
func setDefaults(k *koanf.Koanf, values map[string]any) error {
	for key, v := range values {
		if k.Exists(key) {
			continue
		}
		if err := k.Set(key, v); err != nil {
			return fmt.Errorf("デフォルト値 %s の設定に失敗: %w", key, err)
		}
	}
	return nil
}

// envKey は環境変数名を設定キーへ変換する。空文字列を返した変数は無視される。
func envKey(name, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	switch name {
	case "PORT":
		return "server.port", value
	case "USERS_SERVICE_URL":
		return "upstreams.users", value
	case "ORDERS_SERVICE_URL":
		return "upstreams.orders", value
	case "JWT_SECRET":
		return "auth.jwt_secret", value
	case "JWT_EXPIRES_IN":
		return "auth.token_ttl", expandDays(value)
	case "RATE_LIMIT_WINDOW_MS":
		return "rate_limit.window", value + "ms"
	case "RATE_LIMIT_MAX_REQUESTS":
		return "rate_limit.max_requests", value
	}

	if !strings.HasPrefix(name, envPrefix) {
		return "", nil
	}
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "__", ".")
	if _, ok := listKeys[key]; ok {
		return key, splitList(value)
	}
	return key, value
}

// listKeys は環境変数でカンマ区切りの一覧を受け付けるキー。
var listKeys = map[string]struct{}{
	"server.trusted_proxies":  {},
	"auth.public_paths":       {},
	"rate_limit.exempt_paths": {},
	"cors.allowed_origins":    {},
}

// splitList はカンマ区切りの値を分割し、空要素を取り除く。
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandDays は "7d" のような日数表記をtime.ParseDurationが解釈できる時間表記に変換する。
// それ以外の値はそのまま返す。
func expandDays(v string) string {
	days, ok := strings.CutSuffix(v, "d")
	if !ok {
		return v
	}
	n, err := strconv.Atoi(days)
	if err != nil {
		return v
	}
	return strconv.Itoa(n*24) + "h"
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) が設定されていません"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl は正の値である必要があります"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port が不正です: %d", c.Server.Port))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window は正の値である必要があります"))
	}
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit.max_requests は正の値である必要があります"))
	}
	switch c.RateLimit.Store {
	case "memory":
	case "sqlite":
		if c.RateLimit.SQLitePath == "" {
			errs = append(errs, errors.New("rate_limit.sqlite_path が設定されていません"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store が不正です: %q", c.RateLimit.Store))
	}
	if c.Proxy.Timeout <= 0 {
		errs = append(errs, errors.New("proxy.timeout は正の値である必要があります"))
	}

	for name, raw := range c.Upstreams {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstreams.%s のURLが不正です: %q", name, raw))
		}
	}
	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			errs = append(errs, fmt.Errorf("routes[%d].prefix は/で始まる必要があります: %q", i, r.Prefix))
		}
		if _, ok := c.Upstreams[r.Upstream]; !ok {
			errs = append(errs, fmt.Errorf("routes[%d].upstream が未定義です: %q", i, r.Upstream))
		}
		for j, rw := range r.Rewrite {
			if _, err := regexp.Compile(rw.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("routes[%d].rewrite[%d].pattern が不正です: %w", i, j, err))
			}
		}
	}

	return errors.Join(errs...)
}
