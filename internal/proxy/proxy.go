// Package proxy 页面网络原语的拦截能力。每个代理替换页面上的一个槽位，
// 为调用分配ID、同步捕获请求数据，并把生命周期事件写入当前世代的存储。
package proxy

import (
	"netinterceptor/internal/handler"
	"netinterceptor/internal/logger"
	"netinterceptor/internal/page"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// 安装后暴露在页面上的原始实现
const (
	GlobalFetch     = "originFetch"
	GlobalXHR       = "originXMLHttpRequest"
	GlobalWebSocket = "originWebSocket"
)

// Capability 可安装、可卸载的拦截能力；卸载不影响已记录的历史
type Capability interface {
	Name() string
	Install() error
	Uninstall() error
	Installed() bool
}

// Deps 代理共享的依赖
type Deps struct {
	Window  *page.Window
	Store   *storage.MemoryStore
	Handler *handler.Handler
	Logger  logger.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Handler == nil {
		d.Handler = handler.New(handler.Config{Logger: d.Logger})
	}
	return d
}

// All 创建 fetch、XHR、WebSocket 三个代理
func All(d Deps) []Capability {
	return []Capability{NewFetch(d), NewXHR(d), NewWebSocket(d)}
}

// newRecord 按调用时的请求拷贝构建进行中的记录
func newRecord(w *page.Window, id model.RequestID, rt model.ResourceType, req *traffic.Request) model.CallRecord {
	headers := req.Headers.Clone()
	headers.Del(model.RequestIDHeader)
	return model.CallRecord{
		ID:           id,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: rt,
		CrossDomain:  traffic.CrossOrigin(w.Origin(), req.URL),
		Request: model.CallRequest{
			Body:    string(req.Body),
			Headers: headers,
			Query:   traffic.ParseQuery(req.URL),
		},
	}
}
