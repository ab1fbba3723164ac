package proxy

import (
	"sync"

	"netinterceptor/internal/page"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// WebSocketProxy 替换页面的 WebSocket 构造器。记录先于用户回调写入，
// 使回调中触发的 send 排在对应事件之后。
type WebSocketProxy struct {
	d Deps

	mu        sync.Mutex
	native    page.WebSocketFactory
	installed bool
}

// NewWebSocket 创建 WebSocket 代理
func NewWebSocket(d Deps) *WebSocketProxy {
	return &WebSocketProxy{d: d.withDefaults()}
}

func (p *WebSocketProxy) Name() string { return "websocket" }

func (p *WebSocketProxy) Install() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed {
		return nil
	}
	w := p.d.Window
	p.native = w.WebSocketFactory()
	w.SetGlobal(GlobalWebSocket, p.native)
	w.SetWebSocketFactory(p.create)
	p.installed = true
	p.d.Logger.Debug("WebSocket 代理已安装")
	return nil
}

func (p *WebSocketProxy) Uninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.installed {
		return nil
	}
	w := p.d.Window
	w.SetWebSocketFactory(p.native)
	w.DeleteGlobal(GlobalWebSocket)
	p.installed = false
	p.d.Logger.Debug("WebSocket 代理已卸载")
	return nil
}

func (p *WebSocketProxy) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

func (p *WebSocketProxy) create(rawURL string, protocols []string, h page.SocketHandlers) (page.WebSocket, error) {
	p.mu.Lock()
	native := p.native
	p.mu.Unlock()

	w, store := p.d.Window, p.d.Store
	abs := w.Resolve(rawURL)
	id := store.OpenSocket(abs, protocols, traffic.CrossOrigin(w.Origin(), abs))
	s := &socket{id: id, store: p.d.Store}

	wrapped := page.SocketHandlers{
		OnOpen: func() {
			store.AppendAction(id, model.WebSocketAction{Type: model.ActionOpen})
			if h.OnOpen != nil {
				h.OnOpen()
			}
		},
		OnMessage: func(data string) {
			store.AppendAction(id, model.WebSocketAction{Type: model.ActionMessage, Data: data})
			if h.OnMessage != nil {
				h.OnMessage(data)
			}
		},
		OnError: func(err error) {
			store.AppendAction(id, model.WebSocketAction{Type: model.ActionError, Data: err.Error()})
			if h.OnError != nil {
				h.OnError(err)
			}
		},
		OnClose: func(code int, reason string) {
			store.AppendAction(id, model.WebSocketAction{Type: model.ActionClose, Code: code, Reason: reason})
			if h.OnClose != nil {
				h.OnClose(code, reason)
			}
		},
	}
	ws, err := native(abs, protocols, wrapped)
	if err != nil {
		store.AppendAction(id, model.WebSocketAction{Type: model.ActionError, Data: err.Error()})
		p.d.Logger.Warn("WebSocket 创建失败", "url", abs, "error", err)
		return nil, err
	}
	s.native = ws
	return s, nil
}

// socket 透传的 WebSocket 包装，只额外记录 send 动作
type socket struct {
	id     model.SocketID
	store  *storage.MemoryStore
	native page.WebSocket
}

func (s *socket) Send(data string) error {
	if s.native.ReadyState() != page.WSOpen {
		return page.ErrNotOpen
	}
	s.store.AppendAction(s.id, model.WebSocketAction{Type: model.ActionSend, Data: data})
	return s.native.Send(data)
}

func (s *socket) Close(code int, reason string) error { return s.native.Close(code, reason) }

func (s *socket) URL() string { return s.native.URL() }

func (s *socket) Protocol() string { return s.native.Protocol() }

func (s *socket) ReadyState() int { return s.native.ReadyState() }
