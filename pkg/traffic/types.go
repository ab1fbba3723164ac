package traffic

import (
	"net/http"
	"net/url"
	"strings"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Lookup 获取指定 Header 的值并返回是否存在
func (h Header) Lookup(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 深拷贝 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FromHTTP 将 net/http 的多值头部折叠为中立 Header
func FromHTTP(src http.Header) Header {
	out := make(Header, len(src))
	for k, vals := range src {
		out.Set(k, strings.Join(vals, ", "))
	}
	return out
}

// ToHTTP 转换为 net/http 头部
func (h Header) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID           string            // 事务唯一ID
	URL          string            // 完整URL
	Method       string            // HTTP方法
	Headers      Header            // 请求头
	Body         []byte            // 请求体原始数据
	ResourceType string            // 资源类型 (如 fetch, xhr, document)
	Query        map[string]string // 预解析的查询参数
	Cookies      map[string]string // 预解析的Cookie
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	StatusText string // 状态描述
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Method:  http.MethodGet,
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    make(Header),
	}
}

// Clone 创建请求的防御性拷贝，调用方之后对原请求的修改不会影响拷贝
func (r *Request) Clone() *Request {
	c := &Request{
		ID:           r.ID,
		URL:          r.URL,
		Method:       r.Method,
		ResourceType: r.ResourceType,
		Headers:      r.Headers.Clone(),
		Query:        make(map[string]string, len(r.Query)),
		Cookies:      make(map[string]string, len(r.Cookies)),
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	for k, v := range r.Query {
		c.Query[k] = v
	}
	for k, v := range r.Cookies {
		c.Cookies[k] = v
	}
	return c
}

// Normalize 补全方法并根据 URL 和 Cookie 头解析 Query 与 Cookies
func (r *Request) Normalize() {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Headers == nil {
		r.Headers = make(Header)
	}
	if r.Query == nil {
		r.Query = make(map[string]string)
	}
	if r.Cookies == nil {
		r.Cookies = make(map[string]string)
	}
	for k, v := range ParseQuery(r.URL) {
		if _, ok := r.Query[k]; !ok {
			r.Query[k] = v
		}
	}
	if raw := r.Headers.Get("cookie"); raw != "" {
		for k, v := range ParseCookie(raw) {
			r.Cookies[k] = v
		}
	}
}

// Clone 深拷贝响应
func (r *Response) Clone() *Response {
	c := &Response{
		StatusCode: r.StatusCode,
		StatusText: r.StatusText,
		Headers:    r.Headers.Clone(),
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// ParseQuery 解析 URL 中的查询参数，同名参数取第一个值
func ParseQuery(raw string) map[string]string {
	out := make(map[string]string)
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for key, vals := range u.Query() {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out
}

// ParseCookie 解析 Cookie 头
func ParseCookie(s string) map[string]string {
	out := make(map[string]string)
	for _, p := range strings.Split(s, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			out[strings.ToLower(kv[0])] = kv[1]
		}
	}
	return out
}

// CrossOrigin 判断请求地址与页面源是否跨域；页面源为空时视为同源
func CrossOrigin(pageOrigin, raw string) bool {
	if pageOrigin == "" {
		return false
	}
	p, err := url.Parse(pageOrigin)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return !strings.EqualFold(schemeOf(p.Scheme), schemeOf(u.Scheme)) || !strings.EqualFold(p.Host, u.Host)
}

// schemeOf 将 ws/wss 视作对应的 http/https
func schemeOf(s string) string {
	switch strings.ToLower(s) {
	case "ws":
		return "http"
	case "wss":
		return "https"
	}
	return strings.ToLower(s)
}
