package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"netinterceptor/internal/proxy"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
)

type fakeCap struct {
	name       string
	installErr error
	log        *[]string
	mu         *sync.Mutex
	installed  bool
}

func (c *fakeCap) Name() string { return c.name }

func (c *fakeCap) Install() error {
	if c.installErr != nil {
		return c.installErr
	}
	c.record("install " + c.name)
	c.installed = true
	return nil
}

func (c *fakeCap) Uninstall() error {
	c.record("uninstall " + c.name)
	c.installed = false
	return nil
}

func (c *fakeCap) Installed() bool { return c.installed }

func (c *fakeCap) record(s string) {
	c.mu.Lock()
	*c.log = append(*c.log, s)
	c.mu.Unlock()
}

func factory(log *[]string, failOn string) Factory {
	var mu sync.Mutex
	return func(store *storage.MemoryStore) []proxy.Capability {
		var caps []proxy.Capability
		for _, n := range []string{"fetch", "xhr", "websocket"} {
			c := &fakeCap{name: n, log: log, mu: &mu}
			if n == failOn {
				c.installErr = errors.New("boom")
			}
			caps = append(caps, c)
		}
		return caps
	}
}

func TestStartInstallsInOrder(t *testing.T) {
	var log []string
	m := NewManager(factory(&log, ""), nil, nil)
	require.Nil(t, m.Current())
	require.ErrorIs(t, m.Destroy(), ErrNotStarted)

	g, err := m.Start()
	require.NoError(t, err)
	require.True(t, g.Installed())
	require.Equal(t, []string{"install fetch", "install xhr", "install websocket"}, log)

	again, err := m.Start()
	require.NoError(t, err)
	require.Same(t, g, again)
}

func TestInstallRollsBack(t *testing.T) {
	var log []string
	m := NewManager(factory(&log, "websocket"), nil, nil)
	_, err := m.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "install websocket")
	require.Equal(t, []string{"install fetch", "install xhr", "uninstall xhr", "uninstall fetch"}, log)
	require.Nil(t, m.Current())
}

func TestDestroyKeepsHistory(t *testing.T) {
	var log []string
	m := NewManager(factory(&log, ""), nil, nil)
	g, err := m.Start()
	require.NoError(t, err)
	g.Store.Begin(model.CallRecord{ID: "1", URL: "http://localhost/a"})

	require.NoError(t, m.Destroy())
	require.False(t, g.Installed())
	require.Equal(t, "uninstall websocket", log[3], "uninstall runs in reverse order")
	require.Len(t, m.Current().Store.Records(), 1)

	require.NoError(t, g.Uninstall(), "uninstall is idempotent")
	require.NoError(t, g.Install())
	require.True(t, g.Installed())
}

func TestRecreateArchivesPrevious(t *testing.T) {
	archive, err := storage.OpenArchive(":memory:", "", nil)
	require.NoError(t, err)
	defer archive.Close()

	var log []string
	m := NewManager(factory(&log, ""), archive, nil)
	old, err := m.Start()
	require.NoError(t, err)
	h := old.Store.Begin(model.CallRecord{ID: "1", URL: "http://localhost/a"})
	old.Store.Complete(h, model.CallResponse{StatusCode: 200}, 0)

	g, err := m.Recreate(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, old.ID, g.ID)
	require.Same(t, old, m.Previous())
	require.Same(t, g, m.Current())
	require.False(t, old.Installed())
	require.True(t, g.Installed())
	require.Empty(t, g.Store.Records())
	require.Len(t, m.Previous().Store.Records(), 1)

	recs, err := archive.Records(context.Background(), old.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "http://localhost/a", recs[0].URL)
}

func TestRecreateFailureRestoresCurrent(t *testing.T) {
	var log []string
	var mu sync.Mutex
	var generations int
	m := NewManager(func(store *storage.MemoryStore) []proxy.Capability {
		generations++
		c := &fakeCap{name: "fetch", log: &log, mu: &mu}
		if generations > 1 {
			c.installErr = errors.New("boom")
		}
		return []proxy.Capability{c}
	}, nil, nil)

	old, err := m.Start()
	require.NoError(t, err)

	g, err := m.Recreate(context.Background())
	require.Error(t, err)
	require.Nil(t, g)
	require.Contains(t, err.Error(), "restored")
	require.Same(t, old, m.Current())
	require.True(t, old.Installed())
	require.Nil(t, m.Previous())
	require.Equal(t, []string{"install fetch", "uninstall fetch", "install fetch"}, log)
}
