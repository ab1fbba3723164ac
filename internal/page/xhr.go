package page

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"netinterceptor/pkg/traffic"
)

// XHR readyState
const (
	XHRUnsent = iota
	XHROpened
	XHRHeadersReceived
	XHRLoading
	XHRDone
)

// ErrInvalidState 在错误的 readyState 下调用 XHR 方法
var ErrInvalidState = errors.New("xhr: invalid state")

// XMLHttpRequest 页面的 XHR 对象；回调在后台 goroutine 中触发
type XMLHttpRequest interface {
	Open(method, rawURL string) error
	SetRequestHeader(name, value string)
	Send(body []byte) error
	Abort()

	ReadyState() int
	Status() int
	StatusText() string
	ResponseText() string
	ResponseHeaders() traffic.Header

	SetOnLoad(fn func())
	SetOnError(fn func(err error))
	SetOnAbort(fn func())
	SetOnLoadEnd(fn func())
}

type nativeXHR struct {
	client  *http.Client
	resolve func(string) string

	mu         sync.Mutex
	method     string
	url        string
	header     traffic.Header
	state      int
	sent       bool
	done       bool
	status     int
	statusText string
	body       []byte
	respHeader traffic.Header
	cancel     context.CancelFunc

	onLoad    func()
	onError   func(error)
	onAbort   func()
	onLoadEnd func()
}

func newNativeXHR(client *http.Client, resolve func(string) string) *nativeXHR {
	return &nativeXHR{client: client, resolve: resolve, header: make(traffic.Header), respHeader: make(traffic.Header)}
}

func (x *nativeXHR) Open(method, rawURL string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sent && !x.done {
		return ErrInvalidState
	}
	x.method = strings.ToUpper(method)
	x.url = x.resolve(rawURL)
	x.header = make(traffic.Header)
	x.state = XHROpened
	x.sent = false
	x.done = false
	x.status = 0
	x.statusText = ""
	x.body = nil
	x.respHeader = make(traffic.Header)
	return nil
}

func (x *nativeXHR) SetRequestHeader(name, value string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != XHROpened || x.sent {
		return
	}
	x.header.Set(name, value)
}

func (x *nativeXHR) Send(body []byte) error {
	x.mu.Lock()
	if x.state != XHROpened || x.sent {
		x.mu.Unlock()
		return ErrInvalidState
	}
	x.sent = true
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	method, rawURL, header := x.method, x.url, x.header.Clone()
	payload := append([]byte(nil), body...)
	x.mu.Unlock()

	go x.run(ctx, method, rawURL, header, payload)
	return nil
}

func (x *nativeXHR) run(ctx context.Context, method, rawURL string, h traffic.Header, body []byte) {
	resp, err := roundTrip(ctx, x.client, method, rawURL, h, body)

	x.mu.Lock()
	if x.done {
		// 已被 Abort 结算
		x.mu.Unlock()
		return
	}
	x.done = true
	x.state = XHRDone
	x.cancel()
	if err == nil {
		x.status = resp.StatusCode
		x.statusText = resp.StatusText
		x.body = resp.Body
		x.respHeader = resp.Headers
	}
	onLoad, onError, onLoadEnd := x.onLoad, x.onError, x.onLoadEnd
	x.mu.Unlock()

	if err != nil {
		if onError != nil {
			onError(err)
		}
	} else if onLoad != nil {
		onLoad()
	}
	if onLoadEnd != nil {
		onLoadEnd()
	}
}

func (x *nativeXHR) Abort() {
	x.mu.Lock()
	if !x.sent || x.done {
		x.mu.Unlock()
		return
	}
	x.done = true
	x.state = XHRDone
	x.status = 0
	x.cancel()
	onAbort, onLoadEnd := x.onAbort, x.onLoadEnd
	x.mu.Unlock()

	if onAbort != nil {
		onAbort()
	}
	if onLoadEnd != nil {
		onLoadEnd()
	}
}

func (x *nativeXHR) ReadyState() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

func (x *nativeXHR) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

func (x *nativeXHR) StatusText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.statusText
}

func (x *nativeXHR) ResponseText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return string(x.body)
}

func (x *nativeXHR) ResponseHeaders() traffic.Header {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.respHeader.Clone()
}

func (x *nativeXHR) SetOnLoad(fn func()) {
	x.mu.Lock()
	x.onLoad = fn
	x.mu.Unlock()
}

func (x *nativeXHR) SetOnError(fn func(err error)) {
	x.mu.Lock()
	x.onError = fn
	x.mu.Unlock()
}

func (x *nativeXHR) SetOnAbort(fn func()) {
	x.mu.Lock()
	x.onAbort = fn
	x.mu.Unlock()
}

func (x *nativeXHR) SetOnLoadEnd(fn func()) {
	x.mu.Lock()
	x.onLoadEnd = fn
	x.mu.Unlock()
}
