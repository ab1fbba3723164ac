package model

import (
	"time"

	"netinterceptor/pkg/traffic"
)

type GenerationID string
type RequestID string
type RuleID string
type SocketID string

// SkipRequestID 页面卸载期间发出的请求使用的哨兵ID，不参与等待统计
const SkipRequestID RequestID = "skip"

// RequestIDHeader 随请求发送到服务端的关联头
const RequestIDHeader = "X-Interceptor-Id"

// WindowState 页面窗口状态
type WindowState int

const (
	WindowStateReady WindowState = iota
	WindowStateUnloading
)

func (s WindowState) String() string {
	switch s {
	case WindowStateReady:
		return "ready"
	case WindowStateUnloading:
		return "unloading"
	}
	return "<unknown>"
}

// ResourceType 资源类型
type ResourceType string

const (
	ResourceFetch      ResourceType = "fetch"
	ResourceXHR        ResourceType = "xhr"
	ResourceDocument   ResourceType = "document"
	ResourceScript     ResourceType = "script"
	ResourceStylesheet ResourceType = "stylesheet"
	ResourceImage      ResourceType = "image"
	ResourceFont       ResourceType = "font"
	ResourceMedia      ResourceType = "media"
	ResourceWebSocket  ResourceType = "websocket"
	ResourceOther      ResourceType = "other"
)

// KnownResourceTypes 所有可识别的资源类型
var KnownResourceTypes = []ResourceType{
	ResourceFetch, ResourceXHR, ResourceDocument, ResourceScript, ResourceStylesheet,
	ResourceImage, ResourceFont, ResourceMedia, ResourceWebSocket, ResourceOther,
}

// ErrorKind 请求失败的分类
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network"
	ErrorAbort   ErrorKind = "abort"
	ErrorMock    ErrorKind = "mock"
)

// CallError 请求未正常完成时记录的错误
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *CallError) Error() string { return string(e.Kind) + ": " + e.Message }

// CallRequest 调用时同步捕获的请求数据
type CallRequest struct {
	Body    string            `json:"body"`
	Headers traffic.Header    `json:"headers"`
	Query   map[string]string `json:"query"`
}

// CallResponse 请求完成后的响应数据
type CallResponse struct {
	StatusCode int            `json:"statusCode"`
	StatusText string         `json:"statusText"`
	Headers    traffic.Header `json:"headers"`
	Body       string         `json:"body"`
	TimeEnd    time.Time      `json:"timeEnd"`
	IsMock     bool           `json:"isMock"`
}

// NewCallResponse 由中立响应构建记录用的响应；TimeEnd 由存储在结算时填写
func NewCallResponse(resp *traffic.Response, isMock bool) CallResponse {
	return CallResponse{
		StatusCode: resp.StatusCode,
		StatusText: resp.StatusText,
		Headers:    resp.Headers.Clone(),
		Body:       string(resp.Body),
		IsMock:     isMock,
	}
}

// CallRecord 一次 HTTP 请求的完整记录
type CallRecord struct {
	Seq          int           `json:"seq"`
	ID           RequestID     `json:"id"`
	URL          string        `json:"url"`
	Method       string        `json:"method"`
	ResourceType ResourceType  `json:"resourceType"`
	CrossDomain  bool          `json:"crossDomain"`
	Request      CallRequest   `json:"request"`
	Response     *CallResponse `json:"response,omitempty"`
	RequestError *CallError    `json:"requestError,omitempty"`
	TimeStart    time.Time     `json:"timeStart"`
	Duration     time.Duration `json:"duration"`
	Delay        time.Duration `json:"delay"`
}

// IsPending 既无响应也无错误时请求仍在进行中
func (r *CallRecord) IsPending() bool {
	return r.Response == nil && r.RequestError == nil
}

// Skipped 是否为卸载期间的请求
func (r *CallRecord) Skipped() bool { return r.ID == SkipRequestID }

// ActionType WebSocket 生命周期动作
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionOpen    ActionType = "onopen"
	ActionSend    ActionType = "send"
	ActionMessage ActionType = "onmessage"
	ActionError   ActionType = "onerror"
	ActionClose   ActionType = "close"
)

// WebSocketAction 单个 WebSocket 动作
type WebSocketAction struct {
	Seq       int        `json:"seq"`
	Type      ActionType `json:"type"`
	Data      string     `json:"data,omitempty"`
	URL       string     `json:"url"`
	Protocols []string   `json:"protocols,omitempty"`
	Code      int        `json:"code,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WebSocketRecord 一个 WebSocket 连接的生命周期记录
type WebSocketRecord struct {
	ID          SocketID          `json:"id"`
	URL         string            `json:"url"`
	Protocols   []string          `json:"protocols,omitempty"`
	Query       map[string]string `json:"query"`
	CrossDomain bool              `json:"crossDomain"`
	TimeStart   time.Time         `json:"timeStart"`
	Actions     []WebSocketAction `json:"actions"`
}

// Closed 连接是否已关闭
func (r *WebSocketRecord) Closed() bool {
	for i := range r.Actions {
		if r.Actions[i].Type == ActionClose {
			return true
		}
	}
	return false
}

// URLMode URL 匹配模式
type URLMode string

const (
	URLGlob   URLMode = "glob"
	URLExact  URLMode = "exact"
	URLPrefix URLMode = "prefix"
	URLRegex  URLMode = "regex"
)

// URLMatch URL 匹配条件
type URLMatch struct {
	Mode    URLMode `json:"mode"`
	Pattern string  `json:"pattern"`
}

func Glob(pattern string) *URLMatch   { return &URLMatch{Mode: URLGlob, Pattern: pattern} }
func Exact(pattern string) *URLMatch  { return &URLMatch{Mode: URLExact, Pattern: pattern} }
func Prefix(pattern string) *URLMatch { return &URLMatch{Mode: URLPrefix, Pattern: pattern} }
func Regex(pattern string) *URLMatch  { return &URLMatch{Mode: URLRegex, Pattern: pattern} }

// RouteMatch 路由匹配条件，未设置的字段不做约束
type RouteMatch struct {
	URL           *URLMatch         `json:"url,omitempty"`
	Method        string            `json:"method,omitempty"`
	ResourceTypes []ResourceType    `json:"resourceTypes,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Query         map[string]string `json:"query,omitempty"`
	// Strict 要求 Headers/Query 的键集合与记录完全一致
	Strict      bool              `json:"strict,omitempty"`
	Protocols   []string          `json:"protocols,omitempty"`
	CrossDomain *bool             `json:"crossDomain,omitempty"`
	HTTPS       *bool             `json:"https,omitempty"`
	BodyPaths   map[string]string `json:"bodyPaths,omitempty"`

	BodyMatcher    func(body string) bool             `json:"-"`
	HeadersMatcher func(headers traffic.Header) bool  `json:"-"`
	QueryMatcher   func(query map[string]string) bool `json:"-"`
}

// MockResponse 模拟响应模板
type MockResponse struct {
	StatusCode int            `json:"statusCode"`
	StatusText string         `json:"statusText"`
	Headers    traffic.Header `json:"headers"`
	// Body 为 string 或 []byte 时原样使用，其他值按 JSON 编码
	Body any `json:"body"`
	// GenerateBody 优先于 Body；返回错误或 panic 时请求记录为失败
	GenerateBody func(req *traffic.Request) (any, error) `json:"-"`
	// Patch 以 sjson 路径修补最终的 JSON 响应体
	Patch map[string]any `json:"patch,omitempty"`
	// AllowHitTheNetwork 请求仍发往网络，但响应被替换
	AllowHitTheNetwork bool `json:"allowHitTheNetwork"`
}

// RuleOptions 规则选项
type RuleOptions struct {
	// Times 规则生效次数，0 表示不限
	Times int `json:"times"`
}

// EngineStats 引擎统计信息
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

// WebSocketMatch WebSocket 动作匹配条件
type WebSocketMatch struct {
	Types     []ActionType      `json:"types,omitempty"`
	Data      *string           `json:"data,omitempty"`
	URL       *URLMatch         `json:"url,omitempty"`
	Protocols []string          `json:"protocols,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	// CountMatch 需要匹配的次数，默认 1
	CountMatch int `json:"countMatch,omitempty"`
}

// WaitOptions HTTP 等待选项
type WaitOptions struct {
	Match RouteMatch
	// EnforceCheck 默认 true：没有任何相关请求时也会等待直到超时
	EnforceCheck *bool
	// WaitForNextRequest 宽限期，默认 750ms，0 表示关闭
	WaitForNextRequest *time.Duration
	Timeout            time.Duration
	Message            string
}

// WebSocketWaitOptions WebSocket 等待选项
type WebSocketWaitOptions struct {
	Timeout time.Duration
	Message string
}

func Bool(v bool) *bool { return &v }

func Duration(d time.Duration) *time.Duration { return &d }

func String(s string) *string { return &s }
