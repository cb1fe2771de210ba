package gateway

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"

	"github.com/nao1215/edgegate/internal/config"
)

// RewriteRule はパス書き換え規則。Patternに最初に一致した部分だけをReplacementで置き換える。
// Replacementでは$1や${name}でキャプチャを参照できる。
type RewriteRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply はpathに規則を適用した結果を返す。一致しない場合はpathをそのまま返す。
func (r RewriteRule) Apply(path string) string {
	m := r.Pattern.FindStringSubmatchIndex(path)
	if m == nil {
		return path
	}
	dst := make([]byte, 0, len(path)+len(r.Replacement))
	dst = append(dst, path[:m[0]]...)
	dst = r.Pattern.ExpandString(dst, r.Replacement, path, m)
	dst = append(dst, path[m[1]:]...)
	return string(dst)
}

// Route はパス接頭辞と転送先の上流サービスの対応。起動時に構築し、以後変更しない。
type Route struct {
	// Prefix は一致判定に使うパス接頭辞。
	Prefix string
	// Upstream は上流サービス名。
	Upstream string
	// Target は上流サービスのベースURL。
	Target *url.URL
	// Rewrites は宣言順に適用する書き換え規則。
	Rewrites []RewriteRule
}

// RewritePath は書き換え規則を順に適用したパスを返す。
func (r *Route) RewritePath(path string) string {
	for _, rw := range r.Rewrites {
		path = rw.Apply(path)
	}
	return path
}

// RouteTable はパス接頭辞による経路表。並行に読み取ってよい。
type RouteTable struct {
	routes []*Route
}

// NewRouteTable は設定から経路表を構築する。
// 経路は登録順に保持され、同じ長さの接頭辞が競合した場合は先に登録された経路が優先される。
func NewRouteTable(routes []config.RouteConfig, upstreams map[string]string) (*RouteTable, error) {
	t := &RouteTable{routes: make([]*Route, 0, len(routes))}
	for i, rc := range routes {
		raw, ok := upstreams[rc.Upstream]
		if !ok {
			return nil, fmt.Errorf("routes[%d]: 上流サービス %q が未定義です", i, rc.Upstream)
		}
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: 上流サービスのURLが不正です: %w", i, err)
		}

		route := &Route{Prefix: rc.Prefix, Upstream: rc.Upstream, Target: target}
		for j, rw := range rc.Rewrite {
			re, err := regexp.Compile(rw.Pattern)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].rewrite[%d]: %w", i, j, err)
			}
			route.Rewrites = append(route.Rewrites, RewriteRule{Pattern: re, Replacement: rw.Replacement})
		}
		t.routes = append(t.routes, route)
	}
	return t, nil
}

// Match はpathに一致する経路のうち接頭辞が最も長いものを返す。
// 接頭辞の一致はパスのセグメント単位で判定する。
func (t *RouteTable) Match(path string) (*Route, bool) {
	var best *Route
	for _, r := range t.routes {
		if !hasPathPrefix(path, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	return best, best != nil
}

// Routes は登録順の経路一覧を返す。
func (t *RouteTable) Routes() []*Route {
	return slices.Clone(t.routes)
}
