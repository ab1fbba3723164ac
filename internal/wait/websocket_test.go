package wait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netinterceptor/internal/rules"
	"netinterceptor/internal/storage"
	"netinterceptor/pkg/model"
)

func compileActions(t *testing.T, specs ...model.WebSocketMatch) []*rules.ActionMatcher {
	t.Helper()
	out := make([]*rules.ActionMatcher, 0, len(specs))
	for _, s := range specs {
		m, err := rules.CompileAction(s)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestWaitWebSocketCountMatch(t *testing.T) {
	s := storage.NewMemoryStore("g", nil)
	id := s.OpenSocket("ws://localhost/ws", nil, false)
	matchers := compileActions(t, model.WebSocketMatch{
		Types:      []model.ActionType{model.ActionMessage},
		CountMatch: 2,
	})

	go func() {
		for _, data := range []string{"a", "b"} {
			time.Sleep(15 * time.Millisecond)
			s.AppendAction(id, model.WebSocketAction{Type: model.ActionMessage, Data: data})
		}
	}()

	err := UntilWebSocketAction(context.Background(), s, matchers, ActionOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	n := 0
	for _, a := range s.Sockets()[0].Actions {
		if a.Type == model.ActionMessage {
			n++
		}
	}
	require.Equal(t, 2, n)
}

func TestWaitWebSocketAllMatchersInAnyOrder(t *testing.T) {
	s := storage.NewMemoryStore("g", nil)
	id := s.OpenSocket("ws://localhost/ws", nil, false)
	s.AppendAction(id, model.WebSocketAction{Type: model.ActionMessage, Data: "pong"})

	matchers := compileActions(t,
		model.WebSocketMatch{Types: []model.ActionType{model.ActionSend}, Data: model.String("ping")},
		model.WebSocketMatch{Types: []model.ActionType{model.ActionMessage}, Data: model.String("pong")},
	)
	go func() {
		time.Sleep(15 * time.Millisecond)
		s.AppendAction(id, model.WebSocketAction{Type: model.ActionSend, Data: "ping"})
	}()
	require.NoError(t, UntilWebSocketAction(context.Background(), s, matchers, ActionOptions{Timeout: 5 * time.Second}))
}

func TestWaitWebSocketAnyAction(t *testing.T) {
	s := storage.NewMemoryStore("g", nil)
	err := UntilWebSocketAction(context.Background(), s, nil, ActionOptions{Timeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	require.EqualError(t, err, "waitUntilWebsocketAction: timed out after 30ms")

	s.OpenSocket("ws://localhost/ws", nil, false)
	require.NoError(t, UntilWebSocketAction(context.Background(), s, nil, ActionOptions{Timeout: time.Second}))
}

func TestWaitWebSocketIgnoresActionsBeforeReset(t *testing.T) {
	s := storage.NewMemoryStore("g", nil)
	id := s.OpenSocket("ws://localhost/ws", nil, false)
	s.AppendAction(id, model.WebSocketAction{Type: model.ActionOpen})
	s.ResetWebSocketWatch()

	matchers := compileActions(t, model.WebSocketMatch{Types: []model.ActionType{model.ActionOpen}})
	err := UntilWebSocketAction(context.Background(), s, matchers, ActionOptions{Timeout: 30 * time.Millisecond, Message: "socket"})
	require.EqualError(t, err, "socket: waitUntilWebsocketAction: timed out after 30ms")
}

func TestWaitWebSocketContextCancel(t *testing.T) {
	s := storage.NewMemoryStore("g", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := UntilWebSocketAction(ctx, s, compileActions(t, model.WebSocketMatch{}), ActionOptions{Timeout: time.Second})
	require.ErrorIs(t, err, context.Canceled)
}
