package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netinterceptor/internal/rules"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

func request(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.URL = url
	req.Body = []byte(`{"q":"go"}`)
	req.Normalize()
	return req
}

func TestBuildMockBodies(t *testing.T) {
	req := request("http://localhost/a")

	resp, err := BuildMock(&model.MockResponse{StatusCode: 201, Body: "plain"}, req, nil)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)
	require.Equal(t, "Created", resp.StatusText)
	require.Equal(t, "plain", string(resp.Body))
	require.Empty(t, resp.Headers.Get("content-type"))

	resp, err = BuildMock(&model.MockResponse{Body: map[string]any{"id": 7}}, req, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.JSONEq(t, `{"id":7}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Headers.Get("content-type"))

	resp, err = BuildMock(&model.MockResponse{
		Body:    json.RawMessage(`[1,2]`),
		Headers: traffic.Header{"Content-Type": "application/vnd.test+json"},
	}, req, nil)
	require.NoError(t, err)
	require.Equal(t, `[1,2]`, string(resp.Body))
	require.Equal(t, "application/vnd.test+json", resp.Headers.Get("content-type"))
}

func TestBuildMockGenerateBody(t *testing.T) {
	req := request("http://localhost/search?q=go")

	resp, err := BuildMock(&model.MockResponse{
		Body: "ignored",
		GenerateBody: func(r *traffic.Request) (any, error) {
			r.URL = "mutated"
			return map[string]string{"echo": r.Query["q"]}, nil
		},
	}, req, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":"go"}`, string(resp.Body))
	require.Equal(t, "http://localhost/search?q=go", req.URL, "generator receives a copy")

	_, err = BuildMock(&model.MockResponse{
		GenerateBody: func(*traffic.Request) (any, error) { return nil, errors.New("boom") },
	}, req, nil)
	require.EqualError(t, err, "generate body: boom")

	_, err = BuildMock(&model.MockResponse{
		GenerateBody: func(*traffic.Request) (any, error) { panic("bad generator") },
	}, req, nil)
	require.EqualError(t, err, "mock panic: bad generator")
}

func TestBuildMockOverlaysOriginal(t *testing.T) {
	req := request("http://localhost/a")
	original := &traffic.Response{
		StatusCode: 200,
		StatusText: "OK",
		Headers:    traffic.Header{"content-type": "application/json", "x-real": "1"},
		Body:       []byte(`{"name":"real","count":1}`),
	}

	resp, err := BuildMock(&model.MockResponse{
		Headers: traffic.Header{"x-mock": "yes"},
		Patch:   map[string]any{"count": 42},
	}, req, original)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "1", resp.Headers.Get("x-real"))
	require.Equal(t, "yes", resp.Headers.Get("x-mock"))
	require.JSONEq(t, `{"name":"real","count":42}`, string(resp.Body))
	require.Equal(t, `{"name":"real","count":1}`, string(original.Body))

	resp, err = BuildMock(&model.MockResponse{StatusCode: 503, StatusText: "Down", Body: "x"}, req, original)
	require.NoError(t, err)
	require.Equal(t, 503, resp.StatusCode)
	require.Equal(t, "Down", resp.StatusText)
	require.Equal(t, "x", string(resp.Body))
}

func TestThrottle(t *testing.T) {
	start := time.Now()
	require.NoError(t, Throttle(context.Background(), 30*time.Millisecond))
	require.GreaterOrEqual(t, int64(time.Since(start)), int64(30*time.Millisecond))

	require.NoError(t, Throttle(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Throttle(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Throttle(ctx, 0), context.Canceled)
}

func TestClassify(t *testing.T) {
	require.Equal(t, model.ErrorAbort, Classify(context.Background(), context.Canceled).Kind)
	require.Equal(t, model.ErrorNetwork, Classify(context.Background(), errors.New("refused")).Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, model.ErrorAbort, Classify(ctx, errors.New("wrapped transport error")).Kind)
}

func newHandler(t *testing.T) (*Handler, *rules.Engine) {
	t.Helper()
	e := rules.New()
	return New(Config{Engine: e}), e
}

func TestExecuteMockShortCircuits(t *testing.T) {
	h, e := newHandler(t)
	_, err := e.AddMock(model.RouteMatch{}, model.MockResponse{StatusCode: 418, Body: "tea"}, model.RuleOptions{})
	require.NoError(t, err)

	rec := &model.CallRecord{URL: "http://localhost/a", Method: "GET"}
	res := h.Decide(rec)
	o := h.Execute(context.Background(), res, request(rec.URL), func(context.Context) (*traffic.Response, error) {
		t.Fatal("network must not be hit")
		return nil, nil
	})
	require.Nil(t, o.Err)
	require.True(t, o.IsMock)
	require.Equal(t, 418, o.Response.StatusCode)
}

func TestExecuteAllowHitTheNetwork(t *testing.T) {
	h, e := newHandler(t)
	_, err := e.AddMock(model.RouteMatch{}, model.MockResponse{AllowHitTheNetwork: true, Patch: map[string]any{"mocked": true}}, model.RuleOptions{})
	require.NoError(t, err)

	sent := false
	res := h.Decide(&model.CallRecord{URL: "http://localhost/a", Method: "GET"})
	o := h.Execute(context.Background(), res, request("http://localhost/a"), func(context.Context) (*traffic.Response, error) {
		sent = true
		return &traffic.Response{StatusCode: 200, Headers: traffic.Header{}, Body: []byte(`{"real":1}`)}, nil
	})
	require.True(t, sent)
	require.Nil(t, o.Err)
	require.True(t, o.IsMock)
	require.JSONEq(t, `{"real":1,"mocked":true}`, string(o.Response.Body))
}

func TestExecuteThrottleAndErrors(t *testing.T) {
	h, e := newHandler(t)
	_, err := e.AddThrottle(model.RouteMatch{}, 40*time.Millisecond, model.RuleOptions{})
	require.NoError(t, err)

	res := h.Decide(&model.CallRecord{URL: "http://localhost/a", Method: "GET"})
	start := time.Now()
	o := h.Execute(context.Background(), res, request("http://localhost/a"), func(context.Context) (*traffic.Response, error) {
		return traffic.NewResponse(), nil
	})
	require.Nil(t, o.Err)
	require.False(t, o.IsMock)
	require.Equal(t, 40*time.Millisecond, o.Delay)
	require.GreaterOrEqual(t, int64(time.Since(start)), int64(40*time.Millisecond))

	boom := errors.New("connection refused")
	o = h.Execute(context.Background(), &rules.Result{}, request("http://localhost/a"), func(context.Context) (*traffic.Response, error) {
		return nil, boom
	})
	require.Equal(t, model.ErrorNetwork, o.Err.Kind)
	require.ErrorIs(t, o.Cause, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	o = h.Execute(ctx, &rules.Result{Delay: time.Hour}, request("http://localhost/a"), func(ctx context.Context) (*traffic.Response, error) {
		return nil, ctx.Err()
	})
	require.Equal(t, model.ErrorAbort, o.Err.Kind)
	require.Less(t, int64(time.Since(start)), int64(time.Second), "aborted requests skip the throttle")
}

func TestExecuteMockWithCancelledContext(t *testing.T) {
	h, e := newHandler(t)
	_, err := e.AddMock(model.RouteMatch{}, model.MockResponse{StatusCode: 200, Body: "ok"}, model.RuleOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.Decide(&model.CallRecord{URL: "http://localhost/a", Method: "GET"})
	o := h.Execute(ctx, res, request("http://localhost/a"), func(context.Context) (*traffic.Response, error) {
		t.Fatal("network must not be hit")
		return nil, nil
	})
	require.Nil(t, o.Response)
	require.False(t, o.IsMock)
	require.Equal(t, model.ErrorAbort, o.Err.Kind)
	require.ErrorIs(t, o.Cause, context.Canceled)
}

func TestExecuteMockFailure(t *testing.T) {
	h, e := newHandler(t)
	_, err := e.AddMock(model.RouteMatch{}, model.MockResponse{
		GenerateBody: func(*traffic.Request) (any, error) { return nil, errors.New("nope") },
	}, model.RuleOptions{})
	require.NoError(t, err)

	res := h.Decide(&model.CallRecord{URL: "http://localhost/a", Method: "GET"})
	o := h.Execute(context.Background(), res, request("http://localhost/a"), nil)
	require.Nil(t, o.Response)
	require.Equal(t, model.ErrorMock, o.Err.Kind)
}

func TestDecideWithoutEngine(t *testing.T) {
	h := New(Config{})
	require.False(t, h.Decide(&model.CallRecord{}).Matched())
	h.SetEngine(rules.New())
	require.False(t, h.Decide(&model.CallRecord{}).Matched())
}
