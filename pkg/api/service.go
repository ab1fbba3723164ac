package api

import (
	"context"
	"time"

	"netinterceptor/internal/rules"
	"netinterceptor/internal/service"
	"netinterceptor/internal/wait"
	"netinterceptor/pkg/model"
)

// Options 创建拦截器的配置
type Options = service.Options

// Action 开始监视后调用的动作；可以返回 Future
type Action = wait.Action

// Future 异步结果
type Future = wait.Future

// TimeoutError 等待超时
type TimeoutError = wait.TimeoutError

var (
	// ErrTimeout 所有等待超时错误都包装它
	ErrTimeout = wait.ErrTimeout
	// ErrInvalidMatch 匹配条件无效
	ErrInvalidMatch = rules.ErrInvalidMatch
)

// Interceptor 拦截器接口
type Interceptor interface {
	// GetStats 当前世代中匹配的记录，空条件匹配全部
	GetStats(match model.RouteMatch) ([]model.CallRecord, error)

	// GetLastRequest 最近一条匹配的记录
	GetLastRequest(match model.RouteMatch) (*model.CallRecord, error)

	// GetRequestCallCount 匹配的记录数
	GetRequestCallCount(match model.RouteMatch) (int, error)

	// GetWebsocketStats 匹配的 WebSocket 记录
	GetWebsocketStats(match model.RouteMatch) ([]model.WebSocketRecord, error)

	// PreviousStats 上一个世代中匹配的记录
	PreviousStats(match model.RouteMatch) ([]model.CallRecord, error)

	// RuleStats 规则命中统计
	RuleStats() model.EngineStats

	// RegisterMock 注册模拟规则
	RegisterMock(match model.RouteMatch, resp model.MockResponse, opts model.RuleOptions) (model.RuleID, error)

	// RegisterThrottle 注册限速规则
	RegisterThrottle(match model.RouteMatch, delay time.Duration, opts model.RuleOptions) (model.RuleID, error)

	// RemoveMock 删除模拟规则
	RemoveMock(id model.RuleID) bool

	// RemoveThrottle 删除限速规则
	RemoveThrottle(id model.RuleID) bool

	// ResetRules 删除全部规则并清空统计
	ResetRules()

	// Generation 当前窗口世代ID
	Generation() model.GenerationID

	// ResetWatch 重置请求监视起点
	ResetWatch()

	// ResetWebsocketWatch 重置 WebSocket 监视起点
	ResetWebsocketWatch()

	// Destroy 卸载拦截能力，保留历史
	Destroy() error

	// Recreate 以新的空历史重新安装
	Recreate(ctx context.Context) error

	// Disable 临时卸载拦截能力
	Disable() error

	// Enable 重新安装拦截能力
	Enable() error

	// WaitUntilRequestIsDone 等待请求静默
	WaitUntilRequestIsDone(ctx context.Context, opts model.WaitOptions, action Action) (any, error)

	// WaitUntilWebsocketAction 等待 WebSocket 动作
	WaitUntilWebsocketAction(ctx context.Context, matches []model.WebSocketMatch, opts model.WebSocketWaitOptions) error
}

// New 创建并返回拦截器
func New(opts Options) (Interceptor, error) {
	s, err := service.New(opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Go 在后台执行 fn 并返回其 Future，用作等待动作的返回值
func Go(fn func() (any, error)) Future {
	return wait.Go(fn)
}
