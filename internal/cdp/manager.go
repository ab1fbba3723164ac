// Package cdp 通过 DevTools 协议附着到真实浏览器页面，作为一种拦截能力
// 把 Fetch 与 Network 域事件写入当前世代的存储。
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/errgroup"

	adapter "netinterceptor/internal/adapter/cdp"
	"netinterceptor/internal/handler"
	"netinterceptor/internal/logger"
	"netinterceptor/internal/rules"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// ErrNoTarget 没有可附着的页面目标
var ErrNoTarget = errors.New("cdp: no target")

// Options 配置选项
type Options struct {
	DevToolsURL string
	// TargetID 为空时附着第一个 page 目标
	TargetID string
	// Origin 为空时取目标页面地址的源
	Origin  string
	Store   *storage.MemoryStore
	Handler *handler.Handler
	Logger  logger.Logger
	// State 页面窗口状态，为空时始终为 ready
	State func() model.WindowState
	// ProcessTimeout 单次拦截事件的协议调用超时
	ProcessTimeout time.Duration
	Backoff        backoff.BackOff
}

// pausedCall 一次被拦截请求在两个阶段之间共享的状态
type pausedCall struct {
	handle  storage.Handle
	res     *rules.Result
	req     *traffic.Request
	fetchID fetch.RequestID
	network string
}

// Manager DevTools 拦截能力
type Manager struct {
	opts Options
	log  logger.Logger

	mu        sync.Mutex
	conn      *rpcc.Conn
	client    *cdp.Client
	cancel    context.CancelFunc
	done      chan struct{}
	installed bool

	callsMu   sync.Mutex
	origin    string
	calls     map[fetch.RequestID]*pausedCall
	byNetwork map[string]*pausedCall
	sockets   map[string]model.SocketID
}

// New 创建 DevTools 拦截能力
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Handler == nil {
		opts.Handler = handler.New(handler.Config{Logger: opts.Logger})
	}
	if opts.State == nil {
		opts.State = func() model.WindowState { return model.WindowStateReady }
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 30 * time.Second
	}
	return &Manager{
		opts:      opts,
		log:       opts.Logger.With("component", "cdp"),
		calls:     make(map[fetch.RequestID]*pausedCall),
		byNetwork: make(map[string]*pausedCall),
		sockets:   make(map[string]model.SocketID),
	}
}

func (m *Manager) Name() string { return "cdp" }

// Install 附着目标并开启拦截
func (m *Manager) Install() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.attach(ctx); err != nil {
		cancel()
		return err
	}
	if err := m.enable(ctx); err != nil {
		cancel()
		m.conn.Close()
		return err
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.installed = true

	c := m.client
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.consumePaused(gctx, c) })
	g.Go(func() error { return m.consumeLoadingFailed(gctx, c) })
	g.Go(func() error { return m.consumeWebSockets(gctx, c) })
	go func(done chan struct{}) {
		defer close(done)
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			m.log.Err(err, "事件流中断")
		}
	}(m.done)
	m.log.Info("DevTools 拦截已开启", "origin", m.Origin())
	return nil
}

// Uninstall 关闭 Fetch 拦截并断开连接；已记录的历史保留
func (m *Manager) Uninstall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProcessTimeout)
	defer cancel()
	err := m.client.Fetch.Disable(ctx)
	m.cancel()
	cerr := m.conn.Close()
	<-m.done
	m.installed = false
	m.conn, m.client = nil, nil
	m.log.Info("DevTools 拦截已关闭")
	if err != nil {
		return fmt.Errorf("disable fetch: %w", err)
	}
	return cerr
}

func (m *Manager) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}

// Origin 当前页面源
func (m *Manager) Origin() string {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.origin
}

func (m *Manager) attach(ctx context.Context) error {
	b := m.opts.Backoff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 10 * time.Second
		b = eb
	}
	var sel *devtool.Target
	err := backoff.RetryNotify(func() error {
		dt := devtool.New(m.opts.DevToolsURL)
		targets, err := dt.List(ctx)
		if err != nil {
			return err
		}
		sel = pickTarget(targets, m.opts.TargetID)
		if sel == nil {
			return backoff.Permanent(ErrNoTarget)
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		m.log.Warn("获取目标列表失败，稍后重试", "devtools", m.opts.DevToolsURL, "error", err, "retryIn", d)
	})
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("dial target: %w", err)
	}
	m.conn = conn
	m.client = cdp.NewClient(conn)
	origin := m.opts.Origin
	if origin == "" {
		origin = adapter.OriginOf(sel.URL)
	}
	// 事件回调只通过 callsMu 读取源，Uninstall 持有 mu 等待回调退出
	m.callsMu.Lock()
	m.origin = origin
	m.callsMu.Unlock()
	m.log.Info("已附着目标", "target", sel.ID, "url", sel.URL)
	return nil
}

func pickTarget(targets []*devtool.Target, id string) *devtool.Target {
	for _, t := range targets {
		if id != "" {
			if string(t.ID) == id {
				return t
			}
			continue
		}
		if t.Type == "page" {
			return t
		}
	}
	return nil
}

func (m *Manager) enable(ctx context.Context) error {
	if err := m.client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	if err := m.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}
	return nil
}

func (m *Manager) track(id fetch.RequestID, pc *pausedCall) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.calls[id] = pc
	if pc.network != "" {
		m.byNetwork[pc.network] = pc
	}
}

func (m *Manager) lookup(id fetch.RequestID) *pausedCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.calls[id]
}

func (m *Manager) lookupNetwork(id string) *pausedCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.byNetwork[id]
}

func (m *Manager) forget(id fetch.RequestID) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	if pc, ok := m.calls[id]; ok {
		delete(m.byNetwork, pc.network)
		delete(m.calls, id)
	}
}
