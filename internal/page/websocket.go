package page

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket readyState
const (
	WSConnecting = iota
	WSOpen
	WSClosing
	WSClosed
)

// ErrNotOpen 连接未打开时发送消息
var ErrNotOpen = errors.New("websocket: not open")

// SocketHandlers WebSocket 事件回调，均可为空
type SocketHandlers struct {
	OnOpen    func()
	OnMessage func(data string)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// WebSocket 页面的 WebSocket 对象，构造后异步建立连接
type WebSocket interface {
	Send(data string) error
	Close(code int, reason string) error
	URL() string
	Protocol() string
	ReadyState() int
}

type nativeWebSocket struct {
	url       string
	handlers  SocketHandlers
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	state    int
	protocol string
	// 本端主动关闭时携带的关闭码
	localCode   int
	localReason string
}

func dialNativeWebSocket(dialer *websocket.Dialer, rawURL string, protocols []string, h SocketHandlers) (WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url: unsupported scheme %q", u.Scheme)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ws := &nativeWebSocket{url: rawURL, handlers: h, cancel: cancel}
	d := *dialer
	d.Subprotocols = append([]string(nil), protocols...)
	go ws.run(ctx, &d)
	return ws, nil
}

func (ws *nativeWebSocket) run(ctx context.Context, d *websocket.Dialer) {
	conn, _, err := d.DialContext(ctx, ws.url, nil)
	if err != nil {
		ws.mu.Lock()
		code, reason := ws.localCode, ws.localReason
		ws.state = WSClosed
		ws.mu.Unlock()
		if ctx.Err() == nil {
			ws.emitError(err)
			code, reason = websocket.CloseAbnormalClosure, ""
		}
		ws.emitClose(code, reason)
		return
	}

	ws.mu.Lock()
	if ws.state != WSConnecting {
		// 连接建立前已调用 Close
		code, reason := ws.localCode, ws.localReason
		ws.state = WSClosed
		ws.mu.Unlock()
		conn.Close()
		ws.emitClose(code, reason)
		return
	}
	ws.conn = conn
	ws.state = WSOpen
	ws.protocol = conn.Subprotocol()
	ws.mu.Unlock()
	if ws.handlers.OnOpen != nil {
		ws.handlers.OnOpen()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ws.finish(err)
			conn.Close()
			return
		}
		if ws.handlers.OnMessage != nil {
			ws.handlers.OnMessage(string(data))
		}
	}
}

func (ws *nativeWebSocket) finish(err error) {
	ws.mu.Lock()
	local := ws.state == WSClosing
	code, reason := ws.localCode, ws.localReason
	ws.state = WSClosed
	ws.mu.Unlock()

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		ws.emitClose(ce.Code, ce.Text)
	case local:
		ws.emitClose(code, reason)
	default:
		ws.emitError(err)
		ws.emitClose(websocket.CloseAbnormalClosure, "")
	}
}

func (ws *nativeWebSocket) emitError(err error) {
	if ws.handlers.OnError != nil {
		ws.handlers.OnError(err)
	}
}

func (ws *nativeWebSocket) emitClose(code int, reason string) {
	ws.closeOnce.Do(func() {
		ws.cancel()
		if ws.handlers.OnClose != nil {
			ws.handlers.OnClose(code, reason)
		}
	})
}

func (ws *nativeWebSocket) Send(data string) error {
	ws.mu.Lock()
	conn, state := ws.conn, ws.state
	ws.mu.Unlock()
	if state != WSOpen || conn == nil {
		return ErrNotOpen
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (ws *nativeWebSocket) Close(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	ws.mu.Lock()
	state, conn := ws.state, ws.conn
	if state == WSClosing || state == WSClosed {
		ws.mu.Unlock()
		return nil
	}
	ws.state = WSClosing
	ws.localCode, ws.localReason = code, reason
	ws.mu.Unlock()

	if state == WSConnecting {
		ws.cancel()
		return nil
	}
	ws.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	ws.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("websocket close: %w", err)
	}
	return nil
}

func (ws *nativeWebSocket) URL() string { return ws.url }

func (ws *nativeWebSocket) Protocol() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.protocol
}

func (ws *nativeWebSocket) ReadyState() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}
