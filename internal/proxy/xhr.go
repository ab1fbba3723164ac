package proxy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"netinterceptor/internal/handler"
	"netinterceptor/internal/page"
	"netinterceptor/internal/rules"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

var errAborted = errors.New("xhr: aborted")

// XHRProxy 替换页面的 XMLHttpRequest 构造器
type XHRProxy struct {
	d Deps

	mu        sync.Mutex
	native    page.XHRFactory
	installed bool
}

// NewXHR 创建 XHR 代理
func NewXHR(d Deps) *XHRProxy {
	return &XHRProxy{d: d.withDefaults()}
}

func (p *XHRProxy) Name() string { return "xhr" }

func (p *XHRProxy) Install() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed {
		return nil
	}
	w := p.d.Window
	p.native = w.XHRFactory()
	w.SetGlobal(GlobalXHR, p.native)
	w.SetXHRFactory(p.create)
	p.installed = true
	p.d.Logger.Debug("XHR 代理已安装")
	return nil
}

func (p *XHRProxy) Uninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.installed {
		return nil
	}
	w := p.d.Window
	w.SetXHRFactory(p.native)
	w.DeleteGlobal(GlobalXHR)
	p.installed = false
	p.d.Logger.Debug("XHR 代理已卸载")
	return nil
}

func (p *XHRProxy) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

func (p *XHRProxy) create() page.XMLHttpRequest {
	p.mu.Lock()
	native := p.native
	p.mu.Unlock()
	return &xhr{p: p, native: native(), headers: make(traffic.Header)}
}

// xhrCall 一次 Send 对应的状态，每次调用独占自己的记录
type xhrCall struct {
	handle storage.Handle
	req    *traffic.Request
	res    *rules.Result

	ctx    context.Context
	cancel context.CancelFunc
	// settled 由 xhr.mu 保护，每次调用只结算一次
	settled bool
}

// xhr 包装原生对象：用户回调先执行，随后写入记录
type xhr struct {
	p      *XHRProxy
	native page.XMLHttpRequest

	mu      sync.Mutex
	method  string
	url     string
	headers traffic.Header
	call    *xhrCall
	// override 非空时对外呈现模拟响应
	override *traffic.Response
	// pending 为模拟或限速阶段的 readyState
	pending bool

	onLoad    func()
	onError   func(error)
	onAbort   func()
	onLoadEnd func()
}

func (x *xhr) Open(method, rawURL string) error {
	if err := x.native.Open(method, rawURL); err != nil {
		return err
	}
	x.mu.Lock()
	old := x.call
	stale := old != nil && !old.settled
	if stale {
		old.settled = true
	}
	x.method = strings.ToUpper(method)
	x.url = x.p.d.Window.Resolve(rawURL)
	x.headers = make(traffic.Header)
	x.call = nil
	x.override = nil
	x.pending = false
	x.mu.Unlock()

	// 重新 open 终止上一次未完成的调用，不触发回调
	if stale {
		old.cancel()
		x.p.d.Store.Fail(old.handle, &model.CallError{Kind: model.ErrorAbort, Message: errAborted.Error()}, 0)
	}
	return nil
}

func (x *xhr) SetRequestHeader(name, value string) {
	x.mu.Lock()
	if x.method != "" && x.call == nil {
		x.headers.Set(name, value)
	}
	x.mu.Unlock()
	x.native.SetRequestHeader(name, value)
}

func (x *xhr) Send(body []byte) error {
	x.mu.Lock()
	if x.method == "" || x.call != nil {
		x.mu.Unlock()
		return page.ErrInvalidState
	}
	d := x.p.d
	w, store := d.Window, d.Store

	req := traffic.NewRequest()
	req.URL = x.url
	req.Method = x.method
	req.Headers = x.headers.Clone()
	req.ResourceType = string(model.ResourceXHR)
	if body != nil {
		req.Body = append([]byte(nil), body...)
	}
	req.Normalize()

	id := store.NextRequestID(w.State())
	req.ID = string(id)
	rec := newRecord(w, id, model.ResourceXHR, req)
	c := &xhrCall{handle: store.Begin(rec), req: req, res: d.Handler.Decide(&rec)}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	x.call = c
	mocked := c.res.Mock != nil && !c.res.Mock.AllowHitTheNetwork
	if mocked {
		x.pending = true
	}
	x.mu.Unlock()

	if mocked {
		go x.runMock(c)
		return nil
	}

	x.native.SetOnLoad(func() { x.nativeLoad(c) })
	x.native.SetOnError(func(err error) { x.nativeError(c, err) })
	x.native.SetOnAbort(func() { x.settleAbort(c) })
	x.native.SetOnLoadEnd(func() { x.fireLoadEnd(c) })
	x.native.SetRequestHeader(model.RequestIDHeader, string(id))
	if err := x.native.Send(body); err != nil {
		x.mu.Lock()
		c.settled = true
		x.mu.Unlock()
		store.Fail(c.handle, &model.CallError{Kind: model.ErrorNetwork, Message: err.Error()}, 0)
		c.cancel()
		return err
	}
	return nil
}

// runMock 模拟响应短路网络，限速在交付前生效
func (x *xhr) runMock(c *xhrCall) {
	resp, err := handler.BuildMock(c.res.Mock, c.req, nil)
	if terr := handler.Throttle(c.ctx, c.res.Delay); terr != nil {
		x.settleAbort(c)
		x.fireLoadEnd(c)
		return
	}
	if err != nil {
		x.deliverError(c, &model.CallError{Kind: model.ErrorMock, Message: err.Error()}, err)
	} else {
		x.deliverLoad(c, resp, true)
	}
	x.fireLoadEnd(c)
}

func (x *xhr) nativeLoad(c *xhrCall) {
	if !x.throttle(c) {
		return
	}
	resp := &traffic.Response{
		StatusCode: x.native.Status(),
		StatusText: x.native.StatusText(),
		Headers:    x.native.ResponseHeaders(),
		Body:       []byte(x.native.ResponseText()),
	}
	if m := c.res.Mock; m != nil {
		mocked, err := handler.BuildMock(m, c.req, resp)
		if err != nil {
			x.deliverError(c, &model.CallError{Kind: model.ErrorMock, Message: err.Error()}, err)
			return
		}
		x.deliverLoad(c, mocked, true)
		return
	}
	x.deliverLoad(c, resp, false)
}

func (x *xhr) nativeError(c *xhrCall, err error) {
	if !x.throttle(c) {
		return
	}
	x.deliverError(c, handler.Classify(c.ctx, err), err)
}

// throttle 在交付原生结果前等待限速；期间被中止时结算为 abort 并返回 false
func (x *xhr) throttle(c *xhrCall) bool {
	if c.res.Delay <= 0 {
		return true
	}
	x.mu.Lock()
	x.pending = true
	x.mu.Unlock()
	if err := handler.Throttle(c.ctx, c.res.Delay); err != nil {
		x.settleAbort(c)
		return false
	}
	return true
}

// claim 只有当前调用可以结算一次
func (x *xhr) claim(c *xhrCall) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.call != c || c.settled {
		return false
	}
	c.settled = true
	return true
}

func (x *xhr) deliverLoad(c *xhrCall, resp *traffic.Response, isMock bool) {
	if !x.claim(c) {
		return
	}
	x.mu.Lock()
	if isMock {
		x.override = resp
	}
	x.pending = false
	fn := x.onLoad
	x.mu.Unlock()

	if fn != nil {
		fn()
	}
	x.p.d.Store.Complete(c.handle, model.NewCallResponse(resp, isMock), c.res.Delay)
	c.cancel()
}

func (x *xhr) deliverError(c *xhrCall, cerr *model.CallError, err error) {
	if !x.claim(c) {
		return
	}
	x.mu.Lock()
	x.pending = false
	fn := x.onError
	x.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	x.p.d.Store.Fail(c.handle, cerr, c.res.Delay)
	c.cancel()
}

func (x *xhr) settleAbort(c *xhrCall) {
	if !x.claim(c) {
		return
	}
	x.mu.Lock()
	x.pending = false
	fn := x.onAbort
	x.mu.Unlock()

	if fn != nil {
		fn()
	}
	x.p.d.Store.Fail(c.handle, &model.CallError{Kind: model.ErrorAbort, Message: errAborted.Error()}, 0)
	c.cancel()
}

// fireLoadEnd 被重新 open 丢弃的调用不再触发 loadend
func (x *xhr) fireLoadEnd(c *xhrCall) {
	x.mu.Lock()
	if x.call != c {
		x.mu.Unlock()
		return
	}
	fn := x.onLoadEnd
	x.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (x *xhr) Abort() {
	x.mu.Lock()
	c, pending := x.call, x.pending
	settled := c != nil && c.settled
	x.mu.Unlock()
	if c == nil || settled {
		return
	}
	if pending {
		// 模拟或限速阶段：立即结算为 abort，等待方随后只触发 loadend
		c.cancel()
		x.settleAbort(c)
		return
	}
	x.native.Abort()
}

func (x *xhr) ReadyState() int {
	x.mu.Lock()
	if x.override != nil {
		x.mu.Unlock()
		return page.XHRDone
	}
	if x.pending {
		x.mu.Unlock()
		return page.XHROpened
	}
	x.mu.Unlock()
	return x.native.ReadyState()
}

func (x *xhr) Status() int {
	x.mu.Lock()
	if o := x.override; o != nil {
		x.mu.Unlock()
		return o.StatusCode
	}
	x.mu.Unlock()
	return x.native.Status()
}

func (x *xhr) StatusText() string {
	x.mu.Lock()
	if o := x.override; o != nil {
		x.mu.Unlock()
		return o.StatusText
	}
	x.mu.Unlock()
	return x.native.StatusText()
}

func (x *xhr) ResponseText() string {
	x.mu.Lock()
	if o := x.override; o != nil {
		x.mu.Unlock()
		return string(o.Body)
	}
	x.mu.Unlock()
	return x.native.ResponseText()
}

func (x *xhr) ResponseHeaders() traffic.Header {
	x.mu.Lock()
	if o := x.override; o != nil {
		x.mu.Unlock()
		return o.Headers.Clone()
	}
	x.mu.Unlock()
	return x.native.ResponseHeaders()
}

func (x *xhr) SetOnLoad(fn func()) {
	x.mu.Lock()
	x.onLoad = fn
	x.mu.Unlock()
}

func (x *xhr) SetOnError(fn func(err error)) {
	x.mu.Lock()
	x.onError = fn
	x.mu.Unlock()
}

func (x *xhr) SetOnAbort(fn func()) {
	x.mu.Lock()
	x.onAbort = fn
	x.mu.Unlock()
}

func (x *xhr) SetOnLoadEnd(fn func()) {
	x.mu.Lock()
	x.onLoadEnd = fn
	x.mu.Unlock()
}
