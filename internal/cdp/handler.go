package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	adapter "netinterceptor/internal/adapter/cdp"
	"netinterceptor/internal/handler"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// receiver 协议事件流
type receiver[T any] interface {
	Recv() (T, error)
	Close() error
}

// drain 持续接收事件直到流关闭；ctx 已取消时视为正常结束
func drain[T any](ctx context.Context, r receiver[T], fn func(T)) error {
	defer r.Close()
	for {
		ev, err := r.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

// consumePaused 接收拦截事件，每个事件在独立 goroutine 中处理
func (m *Manager) consumePaused(ctx context.Context, c *cdp.Client) error {
	rp, err := c.Fetch.RequestPaused(ctx)
	if err != nil {
		return err
	}
	m.log.Debug("开始消费拦截事件流")
	return drain[*fetch.RequestPausedReply](ctx, rp, func(ev *fetch.RequestPausedReply) {
		go m.handle(ctx, c, ev)
	})
}

// handle 处理一次拦截事件
func (m *Manager) handle(ctx context.Context, c *cdp.Client, ev *fetch.RequestPausedReply) {
	if adapter.IsResponseStage(ev) {
		m.handleResponse(ctx, c, ev)
		return
	}
	m.handleRequest(ctx, c, ev)
}

// stageContext 协议调用的超时包含限速时间
func (m *Manager) stageContext(ctx context.Context, delay time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.ProcessTimeout+delay)
}

// handleRequest 请求阶段：创建记录，命中模拟时直接返回合成响应，否则带上请求ID放行
func (m *Manager) handleRequest(ctx context.Context, c *cdp.Client, ev *fetch.RequestPausedReply) {
	store := m.opts.Store
	req := adapter.ToNeutralRequest(ev)
	id := store.NextRequestID(m.opts.State())
	headers := req.Headers.Clone()
	headers.Del(model.RequestIDHeader)
	rec := model.CallRecord{
		ID:           id,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: model.ResourceType(req.ResourceType),
		CrossDomain:  traffic.CrossOrigin(m.Origin(), req.URL),
		Request: model.CallRequest{
			Body:    string(req.Body),
			Headers: headers,
			Query:   req.Query,
		},
	}
	h := store.Begin(rec)
	res := m.opts.Handler.Decide(&rec)
	m.log.Debug("拦截请求", "id", id, "method", req.Method, "url", req.URL)
	ctx, cancel := m.stageContext(ctx, res.Delay)
	defer cancel()

	if mock := res.Mock; mock != nil && !mock.AllowHitTheNetwork {
		resp, err := handler.BuildMock(mock, req, nil)
		if terr := handler.Throttle(ctx, res.Delay); terr != nil {
			store.Fail(h, handler.Classify(ctx, terr), 0)
			m.fail(ctx, c, ev.RequestID, network.ErrorReasonAborted)
			return
		}
		if err != nil {
			store.Fail(h, &model.CallError{Kind: model.ErrorMock, Message: err.Error()}, res.Delay)
			m.fail(ctx, c, ev.RequestID, network.ErrorReasonFailed)
			return
		}
		m.fulfill(ctx, c, ev.RequestID, resp)
		store.Complete(h, model.NewCallResponse(resp, true), res.Delay)
		return
	}

	m.track(ev.RequestID, &pausedCall{
		handle:  h,
		res:     res,
		req:     req,
		fetchID: ev.RequestID,
		network: adapter.NetworkIDOf(ev),
	})
	out := req.Headers.Clone()
	out.Set(model.RequestIDHeader, string(id))
	err := c.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID, Headers: adapter.ToHeaderEntries(out)})
	if err != nil {
		m.log.Err(err, "放行请求失败", "url", req.URL)
		store.Fail(h, &model.CallError{Kind: model.ErrorNetwork, Message: err.Error()}, 0)
		m.forget(ev.RequestID)
	}
}

// handleResponse 响应阶段：读取响应体，按规则改写或限速后交付
func (m *Manager) handleResponse(ctx context.Context, c *cdp.Client, ev *fetch.RequestPausedReply) {
	pc := m.lookup(ev.RequestID)
	if pc == nil {
		// 附着前开始的请求
		ctx, cancel := m.stageContext(ctx, 0)
		defer cancel()
		if err := c.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
			m.log.Err(err, "放行响应失败", "url", ev.Request.URL)
		}
		return
	}
	defer m.forget(ev.RequestID)
	store := m.opts.Store
	ctx, cancel := m.stageContext(ctx, pc.res.Delay)
	defer cancel()

	if reason := adapter.ErrorReasonOf(ev); reason != "" {
		kind := model.ErrorNetwork
		if reason == network.ErrorReasonAborted {
			kind = model.ErrorAbort
		}
		store.Fail(pc.handle, &model.CallError{Kind: kind, Message: string(reason)}, 0)
		if err := c.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
			m.log.Err(err, "放行失败请求出错", "url", ev.Request.URL)
		}
		return
	}

	var body []byte
	reply, err := c.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	if err != nil {
		m.log.Warn("获取响应体失败", "url", ev.Request.URL, "error", err)
	} else {
		body = adapter.DecodeBody(reply.Body, reply.Base64Encoded)
	}
	resp := adapter.ToNeutralResponse(ev, body)

	isMock := false
	if mock := pc.res.Mock; mock != nil {
		mocked, err := handler.BuildMock(mock, pc.req, resp)
		if err != nil {
			store.Fail(pc.handle, &model.CallError{Kind: model.ErrorMock, Message: err.Error()}, pc.res.Delay)
			m.fail(ctx, c, ev.RequestID, network.ErrorReasonFailed)
			return
		}
		resp, isMock = mocked, true
	}
	if err := handler.Throttle(ctx, pc.res.Delay); err != nil {
		store.Fail(pc.handle, handler.Classify(ctx, err), 0)
		m.fail(ctx, c, ev.RequestID, network.ErrorReasonAborted)
		return
	}
	if isMock {
		m.fulfill(ctx, c, ev.RequestID, resp)
	} else if err := c.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Err(err, "放行响应失败", "url", ev.Request.URL)
	}
	store.Complete(pc.handle, model.NewCallResponse(resp, isMock), pc.res.Delay)
}

func (m *Manager) fulfill(ctx context.Context, c *cdp.Client, id fetch.RequestID, resp *traffic.Response) {
	args := &fetch.FulfillRequestArgs{RequestID: id, ResponseCode: resp.StatusCode}
	if len(resp.Headers) > 0 {
		args.ResponseHeaders = adapter.ToHeaderEntries(resp.Headers)
	}
	if len(resp.Body) > 0 {
		args.Body = resp.Body
	}
	if err := c.Fetch.FulfillRequest(ctx, args); err != nil {
		m.log.Err(err, "返回模拟响应失败", "requestID", id)
	}
}

func (m *Manager) fail(ctx context.Context, c *cdp.Client, id fetch.RequestID, reason network.ErrorReason) {
	if ctx.Err() != nil {
		// 原上下文已失效，仍需让页面中的请求结束
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	if err := c.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: id, ErrorReason: reason}); err != nil {
		m.log.Err(err, "中止请求失败", "requestID", id)
	}
}

// consumeLoadingFailed 放行后在网络层失败或被取消的请求
func (m *Manager) consumeLoadingFailed(ctx context.Context, c *cdp.Client) error {
	lf, err := c.Network.LoadingFailed(ctx)
	if err != nil {
		return err
	}
	return drain[*network.LoadingFailedReply](ctx, lf, func(ev *network.LoadingFailedReply) {
		pc := m.lookupNetwork(string(ev.RequestID))
		if pc == nil {
			return
		}
		kind := model.ErrorNetwork
		if ev.Canceled != nil && *ev.Canceled {
			kind = model.ErrorAbort
		}
		m.opts.Store.Fail(pc.handle, &model.CallError{Kind: kind, Message: ev.ErrorText}, 0)
		m.forget(pc.fetchID)
	})
}

// consumeWebSockets 把 Network 域的 webSocket* 事件转为 WebSocket 动作。
// 六个事件流经 cdp.Sync 同步后在同一个 goroutine 中按到达顺序处理。
func (m *Manager) consumeWebSockets(ctx context.Context, c *cdp.Client) error {
	created, err := c.Network.WebSocketCreated(ctx)
	if err != nil {
		return err
	}
	defer created.Close()
	opened, err := c.Network.WebSocketHandshakeResponseReceived(ctx)
	if err != nil {
		return err
	}
	defer opened.Close()
	sent, err := c.Network.WebSocketFrameSent(ctx)
	if err != nil {
		return err
	}
	defer sent.Close()
	received, err := c.Network.WebSocketFrameReceived(ctx)
	if err != nil {
		return err
	}
	defer received.Close()
	frameErr, err := c.Network.WebSocketFrameError(ctx)
	if err != nil {
		return err
	}
	defer frameErr.Close()
	closed, err := c.Network.WebSocketClosed(ctx)
	if err != nil {
		return err
	}
	defer closed.Close()

	if err := cdp.Sync(created, opened, sent, received, frameErr, closed); err != nil {
		return err
	}
	for {
		var ev any
		select {
		case <-ctx.Done():
			return nil
		case <-created.Ready():
			ev, err = created.Recv()
		case <-opened.Ready():
			ev, err = opened.Recv()
		case <-sent.Ready():
			ev, err = sent.Recv()
		case <-received.Ready():
			ev, err = received.Recv()
		case <-frameErr.Ready():
			ev, err = frameErr.Recv()
		case <-closed.Ready():
			ev, err = closed.Recv()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.applyWebSocket(ev)
	}
}

// applyWebSocket 处理一个 webSocket* 事件；未知连接的事件被忽略
func (m *Manager) applyWebSocket(ev any) {
	switch ev := ev.(type) {
	case *network.WebSocketCreatedReply:
		sid := m.opts.Store.OpenSocket(ev.URL, nil, traffic.CrossOrigin(m.Origin(), ev.URL))
		m.callsMu.Lock()
		m.sockets[string(ev.RequestID)] = sid
		m.callsMu.Unlock()
	case *network.WebSocketHandshakeResponseReceivedReply:
		m.appendAction(ev.RequestID, model.WebSocketAction{Type: model.ActionOpen})
	case *network.WebSocketFrameSentReply:
		m.appendAction(ev.RequestID, model.WebSocketAction{Type: model.ActionSend, Data: ev.Response.PayloadData})
	case *network.WebSocketFrameReceivedReply:
		m.appendAction(ev.RequestID, model.WebSocketAction{Type: model.ActionMessage, Data: ev.Response.PayloadData})
	case *network.WebSocketFrameErrorReply:
		m.appendAction(ev.RequestID, model.WebSocketAction{Type: model.ActionError, Data: ev.ErrorMessage})
	case *network.WebSocketClosedReply:
		m.appendAction(ev.RequestID, model.WebSocketAction{Type: model.ActionClose})
		m.callsMu.Lock()
		delete(m.sockets, string(ev.RequestID))
		m.callsMu.Unlock()
	}
}

func (m *Manager) appendAction(id network.RequestID, act model.WebSocketAction) {
	m.callsMu.Lock()
	sid, ok := m.sockets[string(id)]
	m.callsMu.Unlock()
	if !ok {
		return
	}
	m.opts.Store.AppendAction(sid, act)
}
