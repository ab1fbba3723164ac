package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"netinterceptor/internal/logger"
	"netinterceptor/internal/proxy"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
)

// ErrNotStarted 尚未创建任何窗口世代
var ErrNotStarted = errors.New("session: no generation")

// Factory 为新存储创建拦截能力
type Factory func(store *storage.MemoryStore) []proxy.Capability

// Generation 一个窗口世代：一份历史和一组绑定到它的拦截能力
type Generation struct {
	ID      model.GenerationID
	Store   *storage.MemoryStore
	Created time.Time

	mu        sync.Mutex
	caps      []proxy.Capability
	installed bool
}

// Install 安装全部能力；失败时回滚已安装的部分
func (g *Generation) Install() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.installed {
		return nil
	}
	for i, c := range g.caps {
		if err := c.Install(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = g.caps[j].Uninstall()
			}
			return fmt.Errorf("install %s: %w", c.Name(), err)
		}
	}
	g.installed = true
	return nil
}

// Uninstall 按安装的逆序卸载，历史保留
func (g *Generation) Uninstall() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.installed {
		return nil
	}
	var errs []error
	for i := len(g.caps) - 1; i >= 0; i-- {
		if err := g.caps[i].Uninstall(); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", g.caps[i].Name(), err))
		}
	}
	g.installed = false
	return errors.Join(errs...)
}

// Installed 能力是否处于安装状态
func (g *Generation) Installed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.installed
}

// Manager 窗口世代管理器，保留当前和上一个世代
type Manager struct {
	mu       sync.RWMutex
	factory  Factory
	archive  *storage.Archive
	current  *Generation
	previous *Generation
	log      logger.Logger
}

// NewManager 创建世代管理器；archive 可为空
func NewManager(f Factory, archive *storage.Archive, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{factory: f, archive: archive, log: l}
}

func (m *Manager) create() *Generation {
	store := storage.NewMemoryStore("", m.log)
	g := &Generation{ID: store.Generation(), Store: store, Created: time.Now()}
	if m.factory != nil {
		g.caps = m.factory(store)
	}
	return g
}

// Start 创建并安装第一个世代；已启动时返回当前世代
func (m *Manager) Start() (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current, nil
	}
	g := m.create()
	if err := g.Install(); err != nil {
		return nil, err
	}
	m.current = g
	m.log.Info("创建窗口世代", "generation", string(g.ID))
	return g, nil
}

// Current 当前世代
func (m *Manager) Current() *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Previous 上一个世代，供重建后读取旧历史
func (m *Manager) Previous() *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// Destroy 只卸载当前世代的能力，历史仍可读
func (m *Manager) Destroy() error {
	m.mu.RLock()
	g := m.current
	m.mu.RUnlock()
	if g == nil {
		return ErrNotStarted
	}
	if err := g.Uninstall(); err != nil {
		return err
	}
	m.log.Info("销毁窗口世代", "generation", string(g.ID))
	return nil
}

// Recreate 卸载当前世代，在新的空存储上安装新能力；旧世代成为 Previous。
// 配置了归档时旧世代会先写入归档，归档失败不影响切换。
// 新世代安装失败时旧世代重新安装并保持为 Current，返回的错误注明是否恢复成功。
func (m *Manager) Recreate(ctx context.Context) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if old != nil {
		if err := old.Uninstall(); err != nil {
			return nil, err
		}
		if m.archive != nil {
			if err := m.archive.SaveGeneration(ctx, old.Store); err != nil {
				m.log.Err(err, "归档窗口世代失败", "generation", string(old.ID))
			}
		}
	}
	g := m.create()
	if err := g.Install(); err != nil {
		if old == nil {
			return nil, err
		}
		// 新世代装不上时恢复旧世代，保持 Current 可用
		if rerr := old.Install(); rerr != nil {
			return nil, fmt.Errorf("recreate: %w; restore generation %s: %w", err, old.ID, rerr)
		}
		m.log.Warn("新世代安装失败，已恢复原世代", "generation", string(old.ID), "error", err)
		return nil, fmt.Errorf("recreate: %w (generation %s restored)", err, old.ID)
	}
	m.previous, m.current = old, g
	m.log.Info("重建窗口世代", "generation", string(g.ID))
	return g, nil
}
