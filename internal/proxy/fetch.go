package proxy

import (
	"context"
	"sync"

	"netinterceptor/internal/page"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// FetchProxy 替换页面的 fetch
type FetchProxy struct {
	d Deps

	mu        sync.Mutex
	native    page.FetchFunc
	installed bool
}

// NewFetch 创建 fetch 代理
func NewFetch(d Deps) *FetchProxy {
	return &FetchProxy{d: d.withDefaults()}
}

func (p *FetchProxy) Name() string { return "fetch" }

func (p *FetchProxy) Install() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed {
		return nil
	}
	w := p.d.Window
	p.native = w.FetchFunc()
	w.SetGlobal(GlobalFetch, p.native)
	w.SetFetch(p.fetch)
	p.installed = true
	p.d.Logger.Debug("fetch 代理已安装")
	return nil
}

func (p *FetchProxy) Uninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.installed {
		return nil
	}
	w := p.d.Window
	w.SetFetch(p.native)
	w.DeleteGlobal(GlobalFetch)
	p.installed = false
	p.d.Logger.Debug("fetch 代理已卸载")
	return nil
}

func (p *FetchProxy) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

func (p *FetchProxy) fetch(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	p.mu.Lock()
	native := p.native
	p.mu.Unlock()

	w, store := p.d.Window, p.d.Store
	in := req.Clone()
	in.URL = w.Resolve(in.URL)
	in.Normalize()

	id := store.NextRequestID(w.State())
	rt := model.ResourceFetch
	if in.ResourceType != "" {
		rt = model.ResourceType(in.ResourceType)
	}
	rec := newRecord(w, id, rt, in)
	h := store.Begin(rec)
	res := p.d.Handler.Decide(&rec)

	out := in.Clone()
	out.ID = string(id)
	out.Headers.Set(model.RequestIDHeader, string(id))

	o := p.d.Handler.Execute(ctx, res, in, func(ctx context.Context) (*traffic.Response, error) {
		return native(ctx, out)
	})
	if o.Err != nil {
		store.Fail(h, o.Err, o.Delay)
		if o.Cause != nil {
			return nil, o.Cause
		}
		return nil, o.Err
	}
	store.Complete(h, model.NewCallResponse(o.Response, o.IsMock), o.Delay)
	return o.Response, nil
}
