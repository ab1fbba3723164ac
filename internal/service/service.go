package service

import (
	"context"
	"fmt"
	"time"

	"netinterceptor/internal/config"
	"netinterceptor/internal/handler"
	"netinterceptor/internal/logger"
	"netinterceptor/internal/page"
	"netinterceptor/internal/proxy"
	"netinterceptor/internal/rules"
	"netinterceptor/internal/session"
	"netinterceptor/internal/storage"
	"netinterceptor/internal/wait"
	"netinterceptor/pkg/model"
)

// CapabilityFactory 为每个新世代创建额外的拦截能力，例如 DevTools 适配器
type CapabilityFactory func(store *storage.MemoryStore, h *handler.Handler) []proxy.Capability

// Options 服务配置
type Options struct {
	// Window 为空时不安装页面代理，只使用 Extra 提供的能力
	Window  *page.Window
	Config  *config.Config
	Logger  logger.Logger
	Archive *storage.Archive
	Extra   CapabilityFactory
}

// Service 拦截引擎的实现
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	engine   *rules.Engine
	handler  *handler.Handler
	sessions *session.Manager
}

// New 创建服务并安装第一个窗口世代
func New(opts Options) (*Service, error) {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	engine := rules.New()
	h := handler.New(handler.Config{Engine: engine, Logger: l})
	s := &Service{cfg: cfg, log: l, engine: engine, handler: h}

	factory := func(store *storage.MemoryStore) []proxy.Capability {
		var caps []proxy.Capability
		if opts.Window != nil {
			caps = proxy.All(proxy.Deps{Window: opts.Window, Store: store, Handler: h, Logger: l})
		}
		if opts.Extra != nil {
			caps = append(caps, opts.Extra(store, h)...)
		}
		return caps
	}
	s.sessions = session.NewManager(factory, opts.Archive, l)
	if _, err := s.sessions.Start(); err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}
	return s, nil
}

func (s *Service) store() *storage.MemoryStore {
	return s.sessions.Current().Store
}

// Generation 当前窗口世代ID
func (s *Service) Generation() model.GenerationID {
	return s.sessions.Current().ID
}


// GetStats 返回当前世代中匹配的记录，空条件匹配全部
func (s *Service) GetStats(match model.RouteMatch) ([]model.CallRecord, error) {
	return filterRecords(s.store().Records(), match)
}

// GetLastRequest 最近一条匹配的记录，没有时返回 nil
func (s *Service) GetLastRequest(match model.RouteMatch) (*model.CallRecord, error) {
	recs, err := s.GetStats(match)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	last := recs[len(recs)-1]
	return &last, nil
}

// GetRequestCallCount 匹配的记录数
func (s *Service) GetRequestCallCount(match model.RouteMatch) (int, error) {
	recs, err := s.GetStats(match)
	return len(recs), err
}

// GetWebsocketStats 返回匹配的 WebSocket 记录
func (s *Service) GetWebsocketStats(match model.RouteMatch) ([]model.WebSocketRecord, error) {
	m, err := rules.Compile(match)
	if err != nil {
		return nil, err
	}
	var out []model.WebSocketRecord
	for _, r := range s.store().Sockets() {
		if m.MatchWebSocket(&r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// PreviousStats 上一个世代中匹配的记录；还未重建过时返回空
func (s *Service) PreviousStats(match model.RouteMatch) ([]model.CallRecord, error) {
	prev := s.sessions.Previous()
	if prev == nil {
		if _, err := rules.Compile(match); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return filterRecords(prev.Store.Records(), match)
}

func filterRecords(recs []model.CallRecord, match model.RouteMatch) ([]model.CallRecord, error) {
	m, err := rules.Compile(match)
	if err != nil {
		return nil, err
	}
	out := make([]model.CallRecord, 0, len(recs))
	for i := range recs {
		if m.Match(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// RuleStats 规则命中统计
func (s *Service) RuleStats() model.EngineStats { return s.engine.Stats() }

// RegisterMock 注册模拟规则
func (s *Service) RegisterMock(match model.RouteMatch, resp model.MockResponse, opts model.RuleOptions) (model.RuleID, error) {
	id, err := s.engine.AddMock(match, resp, opts)
	if err != nil {
		return "", err
	}
	s.log.Info("注册模拟规则", "rule", string(id))
	return id, nil
}

// RegisterThrottle 注册限速规则
func (s *Service) RegisterThrottle(match model.RouteMatch, delay time.Duration, opts model.RuleOptions) (model.RuleID, error) {
	id, err := s.engine.AddThrottle(match, delay, opts)
	if err != nil {
		return "", err
	}
	s.log.Info("注册限速规则", "rule", string(id), "delay", delay)
	return id, nil
}

func (s *Service) RemoveMock(id model.RuleID) bool { return s.engine.RemoveMock(id) }

func (s *Service) RemoveThrottle(id model.RuleID) bool { return s.engine.RemoveThrottle(id) }

// ResetRules 删除全部模拟与限速规则并清空统计
func (s *Service) ResetRules() {
	s.engine.Reset()
	s.log.Info("规则已清空")
}

// ResetWatch 之后的等待只考虑新请求
func (s *Service) ResetWatch() { s.store().ResetWatch() }

// ResetWebsocketWatch 之后的等待只考虑新动作
func (s *Service) ResetWebsocketWatch() { s.store().ResetWebSocketWatch() }

// Destroy 卸载当前世代的拦截能力，历史仍可查询
func (s *Service) Destroy() error { return s.sessions.Destroy() }

// Recreate 在新的空存储上重新安装拦截能力
func (s *Service) Recreate(ctx context.Context) error {
	_, err := s.sessions.Recreate(ctx)
	return err
}

// Disable 临时卸载拦截能力
func (s *Service) Disable() error { return s.sessions.Current().Uninstall() }

// Enable 重新安装拦截能力
func (s *Service) Enable() error { return s.sessions.Current().Install() }

// WaitUntilRequestIsDone 等待相关请求进入静默
func (s *Service) WaitUntilRequestIsDone(ctx context.Context, opts model.WaitOptions, action wait.Action) (any, error) {
	m, err := rules.Compile(opts.Match)
	if err != nil {
		return nil, err
	}
	ro := wait.RequestOptions{
		Matcher:      m,
		EnforceCheck: true,
		Grace:        s.cfg.WaitForNextRequest(),
		Timeout:      opts.Timeout,
		Message:      opts.Message,
	}
	if opts.EnforceCheck != nil {
		ro.EnforceCheck = *opts.EnforceCheck
	}
	if opts.WaitForNextRequest != nil {
		ro.Grace = *opts.WaitForNextRequest
	}
	if ro.Timeout <= 0 {
		ro.Timeout = s.cfg.RequestTimeout()
	}
	return wait.UntilRequestIsDone(ctx, s.store(), ro, action)
}

// WaitUntilWebsocketAction 等待匹配的 WebSocket 动作
func (s *Service) WaitUntilWebsocketAction(ctx context.Context, matches []model.WebSocketMatch, opts model.WebSocketWaitOptions) error {
	matchers := make([]*rules.ActionMatcher, 0, len(matches))
	for _, spec := range matches {
		am, err := rules.CompileAction(spec)
		if err != nil {
			return err
		}
		matchers = append(matchers, am)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout()
	}
	return wait.UntilWebSocketAction(ctx, s.store(), matchers, wait.ActionOptions{Timeout: timeout, Message: opts.Message})
}
