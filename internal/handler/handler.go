package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"netinterceptor/internal/logger"
	"netinterceptor/internal/rules"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// Handler 负责协调规则匹配与模拟/限速的执行
type Handler struct {
	engine *rules.Engine
	log    logger.Logger
}

// Config 配置选项
type Config struct {
	Engine *rules.Engine
	Logger logger.Logger
}

// Sender 真实发出请求的函数
type Sender func(ctx context.Context) (*traffic.Response, error)

// Outcome 一次请求经过规则处理后的结果；Err 非空时 Response 为空
type Outcome struct {
	Response *traffic.Response
	IsMock   bool
	Delay    time.Duration
	Err      *model.CallError
	// Cause 原始错误，交还给调用方
	Cause error
}

// New 创建处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{engine: cfg.Engine, log: l}
}

// SetEngine 设置规则引擎
func (h *Handler) SetEngine(engine *rules.Engine) {
	h.engine = engine
}

// Decide 为新请求选出生效的模拟与限速规则
func (h *Handler) Decide(rec *model.CallRecord) *rules.Result {
	if h.engine == nil {
		return &rules.Result{}
	}
	res := h.engine.Eval(rec)
	if res.Matched() {
		h.log.Debug("请求命中规则", "id", rec.ID, "url", rec.URL, "mock", res.MockID != nil, "delay", res.Delay)
	}
	return res
}

// Execute 按规则执行请求：命中模拟时短路网络，命中限速时在交付响应前追加延迟
func (h *Handler) Execute(ctx context.Context, res *rules.Result, req *traffic.Request, send Sender) *Outcome {
	out := &Outcome{Delay: res.Delay}
	mock := res.Mock

	if mock != nil && !mock.AllowHitTheNetwork {
		resp, err := BuildMock(mock, req, nil)
		if err != nil {
			h.log.Warn("模拟响应生成失败", "url", req.URL, "error", err)
			out.Err = &model.CallError{Kind: model.ErrorMock, Message: err.Error()}
			out.Cause = err
		} else {
			out.Response = resp
			out.IsMock = true
		}
	} else {
		resp, err := send(ctx)
		switch {
		case err != nil:
			out.Err = Classify(ctx, err)
			out.Cause = err
		case mock != nil:
			resp, err = BuildMock(mock, req, resp)
			if err != nil {
				h.log.Warn("模拟响应生成失败", "url", req.URL, "error", err)
				out.Err = &model.CallError{Kind: model.ErrorMock, Message: err.Error()}
				out.Cause = err
			} else {
				out.Response = resp
				out.IsMock = true
			}
		default:
			out.Response = resp
		}
	}

	if out.Err != nil && out.Err.Kind == model.ErrorAbort {
		return out
	}
	if err := Throttle(ctx, res.Delay); err != nil {
		out.Response = nil
		out.IsMock = false
		out.Delay = 0
		out.Err = Classify(ctx, err)
		out.Cause = err
	}
	return out
}

// Throttle 等待 d，期间 ctx 取消则返回其错误；ctx 已取消时即使 d 为 0 也返回错误
func Throttle(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify 将传输错误归类为取消或网络错误
func Classify(ctx context.Context, err error) *model.CallError {
	if errors.Is(err, context.Canceled) || (ctx != nil && errors.Is(ctx.Err(), context.Canceled)) {
		return &model.CallError{Kind: model.ErrorAbort, Message: "request aborted"}
	}
	return &model.CallError{Kind: model.ErrorNetwork, Message: err.Error()}
}

// BuildMock 根据模板生成模拟响应；original 为放行到网络后得到的真实响应，可为空。
// GenerateBody 返回错误或 panic 都会作为错误返回。
func BuildMock(tpl *model.MockResponse, req *traffic.Request, original *traffic.Response) (resp *traffic.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("mock panic: %w", e)
			} else {
				err = fmt.Errorf("mock panic: %v", r)
			}
		}
	}()

	resp = traffic.NewResponse()
	if original != nil {
		resp = original.Clone()
	}
	if tpl.StatusCode != 0 {
		resp.StatusCode = tpl.StatusCode
		resp.StatusText = http.StatusText(tpl.StatusCode)
	}
	if tpl.StatusText != "" {
		resp.StatusText = tpl.StatusText
	}
	if resp.Headers == nil {
		resp.Headers = make(traffic.Header)
	}
	for k, v := range tpl.Headers {
		resp.Headers.Set(k, v)
	}

	var value any
	switch {
	case tpl.GenerateBody != nil:
		value, err = tpl.GenerateBody(req.Clone())
		if err != nil {
			return nil, fmt.Errorf("generate body: %w", err)
		}
	case tpl.Body != nil:
		value = tpl.Body
	case original != nil:
		value = original.Body
	}

	body, isJSON, err := encodeBody(value)
	if err != nil {
		return nil, err
	}
	for path, v := range tpl.Patch {
		patched, err := sjson.SetBytes(body, path, v)
		if err != nil {
			return nil, fmt.Errorf("patch body %s: %w", path, err)
		}
		body = patched
		isJSON = true
	}
	if isJSON && resp.Headers.Get("content-type") == "" {
		resp.Headers.Set("content-type", "application/json")
	}
	resp.Body = body
	return resp, nil
}

func encodeBody(v any) ([]byte, bool, error) {
	switch b := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(b), false, nil
	case []byte:
		return append([]byte(nil), b...), false, nil
	case json.RawMessage:
		return append([]byte(nil), b...), true, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, fmt.Errorf("encode body: %w", err)
		}
		return data, true, nil
	}
}
