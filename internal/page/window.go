// Package page 宿主页面模型。fetch、XMLHttpRequest、WebSocket 是页面上可替换的槽位，
// 默认装有执行真实网络 I/O 的原生实现。
package page

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// FetchFunc 页面的 fetch 原语
type FetchFunc func(ctx context.Context, req *traffic.Request) (*traffic.Response, error)

// XHRFactory XMLHttpRequest 构造器
type XHRFactory func() XMLHttpRequest

// WebSocketFactory WebSocket 构造器
type WebSocketFactory func(rawURL string, protocols []string, h SocketHandlers) (WebSocket, error)

// Window 宿主页面
type Window struct {
	origin string

	mu      sync.RWMutex
	state   model.WindowState
	fetch   FetchFunc
	newXHR  XHRFactory
	newWS   WebSocketFactory
	globals map[string]any
}

// New 创建带原生网络原语的页面；client 为空时使用 http.DefaultClient
func New(origin string, client *http.Client) *Window {
	if client == nil {
		client = http.DefaultClient
	}
	w := &Window{
		origin:  strings.TrimRight(origin, "/"),
		globals: make(map[string]any),
	}
	w.fetch = nativeFetch(client, w.Resolve)
	w.newXHR = func() XMLHttpRequest { return newNativeXHR(client, w.Resolve) }
	dialer := &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout}
	w.newWS = func(rawURL string, protocols []string, h SocketHandlers) (WebSocket, error) {
		return dialNativeWebSocket(dialer, w.Resolve(rawURL), protocols, h)
	}
	return w
}

// Origin 页面源
func (w *Window) Origin() string { return w.origin }

// Resolve 相对地址按页面源补全为绝对地址
func (w *Window) Resolve(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || w.origin == "" {
		return raw
	}
	base, err := url.Parse(w.origin + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

// State 当前窗口状态
func (w *Window) State() model.WindowState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SetState 切换窗口状态，例如导航开始时进入 unloading
func (w *Window) SetState(s model.WindowState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Fetch 通过当前安装的 fetch 发起请求
func (w *Window) Fetch(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	return w.FetchFunc()(ctx, req)
}

// FetchFunc 当前的 fetch 实现
func (w *Window) FetchFunc() FetchFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fetch
}

// SetFetch 替换 fetch 实现
func (w *Window) SetFetch(f FetchFunc) {
	w.mu.Lock()
	w.fetch = f
	w.mu.Unlock()
}

// NewXMLHttpRequest 通过当前安装的构造器创建 XHR
func (w *Window) NewXMLHttpRequest() XMLHttpRequest {
	return w.XHRFactory()()
}

// XHRFactory 当前的 XHR 构造器
func (w *Window) XHRFactory() XHRFactory {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.newXHR
}

// SetXHRFactory 替换 XHR 构造器
func (w *Window) SetXHRFactory(f XHRFactory) {
	w.mu.Lock()
	w.newXHR = f
	w.mu.Unlock()
}

// NewWebSocket 通过当前安装的构造器创建 WebSocket
func (w *Window) NewWebSocket(rawURL string, protocols []string, h SocketHandlers) (WebSocket, error) {
	return w.WebSocketFactory()(rawURL, protocols, h)
}

// WebSocketFactory 当前的 WebSocket 构造器
func (w *Window) WebSocketFactory() WebSocketFactory {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.newWS
}

// SetWebSocketFactory 替换 WebSocket 构造器
func (w *Window) SetWebSocketFactory(f WebSocketFactory) {
	w.mu.Lock()
	w.newWS = f
	w.mu.Unlock()
}

// Global 读取页面全局属性
func (w *Window) Global(name string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.globals[name]
	return v, ok
}

// Has 相当于 `name in window`
func (w *Window) Has(name string) bool {
	_, ok := w.Global(name)
	return ok
}

// SetGlobal 设置页面全局属性
func (w *Window) SetGlobal(name string, v any) {
	w.mu.Lock()
	w.globals[name] = v
	w.mu.Unlock()
}

// DeleteGlobal 删除页面全局属性
func (w *Window) DeleteGlobal(name string) {
	w.mu.Lock()
	delete(w.globals, name)
	w.mu.Unlock()
}
