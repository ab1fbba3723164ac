package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"netinterceptor/pkg/model"
)

// ErrInvalidRule 规则参数错误
var ErrInvalidRule = errors.New("invalid rule")

type mockRule struct {
	id       model.RuleID
	matcher  *Matcher
	response model.MockResponse
	times    int
	hits     int
}

type throttleRule struct {
	id      model.RuleID
	matcher *Matcher
	delay   time.Duration
	times   int
	hits    int
}

// Engine 模拟与限速规则表，按注册顺序评估，先注册者优先
type Engine struct {
	mu        sync.Mutex
	mocks     []*mockRule
	throttles []*throttleRule
	stats     model.EngineStats
}

// Result 一次评估的结果，Mock 与 Throttle 相互独立
type Result struct {
	MockID     *model.RuleID
	Mock       *model.MockResponse
	ThrottleID *model.RuleID
	Delay      time.Duration
}

// Matched 是否有任一规则命中
func (r *Result) Matched() bool {
	return r != nil && (r.MockID != nil || r.ThrottleID != nil)
}

func New() *Engine {
	return &Engine{stats: model.EngineStats{ByRule: make(map[model.RuleID]int64)}}
}

// AddMock 注册模拟响应规则
func (e *Engine) AddMock(spec model.RouteMatch, resp model.MockResponse, opts model.RuleOptions) (model.RuleID, error) {
	m, err := Compile(spec)
	if err != nil {
		return "", err
	}
	if opts.Times < 0 {
		return "", fmt.Errorf("%w: negative times", ErrInvalidRule)
	}
	id := model.RuleID(uuid.NewString())
	e.mu.Lock()
	e.mocks = append(e.mocks, &mockRule{id: id, matcher: m, response: resp, times: opts.Times})
	e.mu.Unlock()
	return id, nil
}

// AddThrottle 注册限速规则
func (e *Engine) AddThrottle(spec model.RouteMatch, delay time.Duration, opts model.RuleOptions) (model.RuleID, error) {
	m, err := Compile(spec)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		return "", fmt.Errorf("%w: negative delay %s", ErrInvalidRule, delay)
	}
	if opts.Times < 0 {
		return "", fmt.Errorf("%w: negative times", ErrInvalidRule)
	}
	id := model.RuleID(uuid.NewString())
	e.mu.Lock()
	e.throttles = append(e.throttles, &throttleRule{id: id, matcher: m, delay: delay, times: opts.Times})
	e.mu.Unlock()
	return id, nil
}

// RemoveMock 移除模拟规则
func (e *Engine) RemoveMock(id model.RuleID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.mocks {
		if r.id == id {
			e.mocks = append(e.mocks[:i], e.mocks[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveThrottle 移除限速规则
func (e *Engine) RemoveThrottle(id model.RuleID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.throttles {
		if r.id == id {
			e.throttles = append(e.throttles[:i], e.throttles[i+1:]...)
			return true
		}
	}
	return false
}

// Reset 清空所有规则与统计
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mocks = nil
	e.throttles = nil
	e.stats = model.EngineStats{ByRule: make(map[model.RuleID]int64)}
}

// Eval 针对新请求评估规则，命中的规则计数加一
func (e *Engine) Eval(rec *model.CallRecord) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Total++
	res := &Result{}
	for _, r := range e.mocks {
		if r.times > 0 && r.hits >= r.times {
			continue
		}
		if r.matcher.Match(rec) {
			r.hits++
			id := r.id
			resp := r.response
			res.MockID = &id
			res.Mock = &resp
			e.stats.ByRule[id]++
			break
		}
	}
	for _, r := range e.throttles {
		if r.times > 0 && r.hits >= r.times {
			continue
		}
		if r.matcher.Match(rec) {
			r.hits++
			id := r.id
			res.ThrottleID = &id
			res.Delay = r.delay
			e.stats.ByRule[id]++
			break
		}
	}
	if res.MockID != nil || res.ThrottleID != nil {
		e.stats.Matched++
	}
	return res
}

// Stats 返回统计信息的拷贝
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineStats{
		Total:   e.stats.Total,
		Matched: e.stats.Matched,
		ByRule:  make(map[model.RuleID]int64, len(e.stats.ByRule)),
	}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}
