package rules

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"

	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// ErrInvalidMatch 匹配条件配置错误，在注册时返回
var ErrInvalidMatch = errors.New("invalid route match")

// Matcher 预编译的路由匹配器
type Matcher struct {
	spec model.RouteMatch
	re   *regexp.Regexp
}

// Compile 校验并编译匹配条件
func Compile(spec model.RouteMatch) (*Matcher, error) {
	m := &Matcher{spec: spec}
	if spec.URL != nil {
		re, err := compileURL(spec.URL)
		if err != nil {
			return nil, err
		}
		m.re = re
	}
	for _, rt := range spec.ResourceTypes {
		if !knownResourceType(rt) {
			return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidMatch, rt)
		}
	}
	if strings.ContainsAny(spec.Method, " \t\r\n") {
		return nil, fmt.Errorf("%w: bad method %q", ErrInvalidMatch, spec.Method)
	}
	for path := range spec.BodyPaths {
		if path == "" {
			return nil, fmt.Errorf("%w: empty body path", ErrInvalidMatch)
		}
	}
	return m, nil
}

// Match 一次性匹配：编译失败的条件不匹配任何记录
func Match(rec *model.CallRecord, spec model.RouteMatch) bool {
	m, err := Compile(spec)
	if err != nil {
		return false
	}
	return m.Match(rec)
}

// Match 判断 HTTP 记录是否满足所有已设置的条件
func (m *Matcher) Match(rec *model.CallRecord) bool {
	s := &m.spec
	if s.URL != nil && !matchURL(rec.URL, s.URL, m.re) {
		return false
	}
	if s.Method != "" && !strings.EqualFold(rec.Method, s.Method) {
		return false
	}
	if len(s.ResourceTypes) > 0 && !containsType(s.ResourceTypes, rec.ResourceType) {
		return false
	}
	if s.CrossDomain != nil && rec.CrossDomain != *s.CrossDomain {
		return false
	}
	if s.HTTPS != nil && isHTTPS(rec.URL) != *s.HTTPS {
		return false
	}
	if !matchHeaders(rec.Request.Headers, s.Headers, s.Strict) {
		return false
	}
	if !matchMap(rec.Request.Query, s.Query, s.Strict) {
		return false
	}
	for path, want := range s.BodyPaths {
		res := gjson.Get(rec.Request.Body, path)
		if !res.Exists() || res.String() != want {
			return false
		}
	}
	if s.BodyMatcher != nil && !s.BodyMatcher(rec.Request.Body) {
		return false
	}
	if s.HeadersMatcher != nil && !s.HeadersMatcher(rec.Request.Headers) {
		return false
	}
	if s.QueryMatcher != nil && !s.QueryMatcher(rec.Request.Query) {
		return false
	}
	return true
}

// MatchWebSocket 判断 WebSocket 记录是否满足条件，仅使用对连接有意义的字段
func (m *Matcher) MatchWebSocket(rec *model.WebSocketRecord) bool {
	s := &m.spec
	if s.URL != nil && !matchURL(rec.URL, s.URL, m.re) {
		return false
	}
	if len(s.ResourceTypes) > 0 && !containsType(s.ResourceTypes, model.ResourceWebSocket) {
		return false
	}
	if len(s.Protocols) > 0 && !intersects(s.Protocols, rec.Protocols) {
		return false
	}
	if s.CrossDomain != nil && rec.CrossDomain != *s.CrossDomain {
		return false
	}
	if s.HTTPS != nil && isHTTPS(rec.URL) != *s.HTTPS {
		return false
	}
	if !matchMap(rec.Query, s.Query, s.Strict) {
		return false
	}
	if s.QueryMatcher != nil && !s.QueryMatcher(rec.Query) {
		return false
	}
	return true
}

// ActionMatcher WebSocket 动作匹配器
type ActionMatcher struct {
	spec model.WebSocketMatch
	re   *regexp.Regexp
}

// CompileAction 校验并编译 WebSocket 动作匹配条件
func CompileAction(spec model.WebSocketMatch) (*ActionMatcher, error) {
	m := &ActionMatcher{spec: spec}
	for _, t := range spec.Types {
		switch t {
		case model.ActionCreate, model.ActionOpen, model.ActionSend,
			model.ActionMessage, model.ActionError, model.ActionClose:
		default:
			return nil, fmt.Errorf("%w: unknown websocket action %q", ErrInvalidMatch, t)
		}
	}
	if spec.CountMatch < 0 {
		return nil, fmt.Errorf("%w: negative countMatch", ErrInvalidMatch)
	}
	if spec.URL != nil {
		re, err := compileURL(spec.URL)
		if err != nil {
			return nil, err
		}
		m.re = re
	}
	return m, nil
}

// Count 需要匹配的次数
func (m *ActionMatcher) Count() int {
	if m.spec.CountMatch <= 0 {
		return 1
	}
	return m.spec.CountMatch
}

// Match 判断某个连接上的动作是否满足条件
func (m *ActionMatcher) Match(rec *model.WebSocketRecord, act *model.WebSocketAction) bool {
	s := &m.spec
	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if t == act.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Data != nil && act.Data != *s.Data {
		return false
	}
	if s.URL != nil && !matchURL(rec.URL, s.URL, m.re) {
		return false
	}
	if len(s.Protocols) > 0 && !intersects(s.Protocols, rec.Protocols) {
		return false
	}
	return matchMap(rec.Query, s.Query, false)
}

func compileURL(u *model.URLMatch) (*regexp.Regexp, error) {
	switch u.Mode {
	case model.URLRegex:
		re, err := regexCache.Get(u.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: url regex: %v", ErrInvalidMatch, err)
		}
		return re, nil
	case model.URLGlob, "":
		if u.Pattern == "" {
			return nil, fmt.Errorf("%w: empty url glob", ErrInvalidMatch)
		}
	case model.URLExact, model.URLPrefix:
	default:
		return nil, fmt.Errorf("%w: unknown url mode %q", ErrInvalidMatch, u.Mode)
	}
	return nil, nil
}

func matchURL(s string, u *model.URLMatch, re *regexp.Regexp) bool {
	switch u.Mode {
	case model.URLExact:
		return s == u.Pattern
	case model.URLPrefix:
		return strings.HasPrefix(s, u.Pattern)
	case model.URLRegex:
		return re != nil && re.MatchString(s)
	default:
		return glob(s, u.Pattern)
	}
}

// glob 中 * 与 ** 均可跨越路径分隔符；不含 ? 的模式也会与去掉查询串的 URL 比较
func glob(s, pattern string) bool {
	if match.Match(s, pattern) {
		return true
	}
	if i := strings.IndexByte(s, '?'); i >= 0 && !strings.Contains(pattern, "?") {
		return match.Match(s[:i], pattern)
	}
	return false
}

func matchHeaders(h traffic.Header, want map[string]string, strict bool) bool {
	if want == nil {
		return true
	}
	keys := make(map[string]struct{}, len(want))
	for k, v := range want {
		got, ok := h.Lookup(k)
		if !ok || got != v {
			return false
		}
		keys[strings.ToLower(k)] = struct{}{}
	}
	return !strict || len(keys) == len(h)
}

func matchMap(got, want map[string]string, strict bool) bool {
	if want == nil {
		return true
	}
	for k, v := range want {
		if g, ok := got[k]; !ok || g != v {
			return false
		}
	}
	return !strict || len(want) == len(got)
}

func containsType(list []model.ResourceType, t model.ResourceType) bool {
	for _, v := range list {
		if strings.EqualFold(string(v), string(t)) {
			return true
		}
	}
	return false
}

func knownResourceType(t model.ResourceType) bool {
	return containsType(model.KnownResourceTypes, t)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "wss"
}
