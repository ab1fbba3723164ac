package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

func begin(s *MemoryStore, url string) Handle {
	id := s.NextRequestID(model.WindowStateReady)
	return s.Begin(model.CallRecord{ID: id, URL: url, Method: "GET", ResourceType: model.ResourceFetch})
}

func TestNextRequestID(t *testing.T) {
	s := NewMemoryStore("", nil)
	require.NotEmpty(t, s.Generation())
	require.Equal(t, model.RequestID("1"), s.NextRequestID(model.WindowStateReady))
	require.Equal(t, model.RequestID("2"), s.NextRequestID(model.WindowStateReady))
	require.Equal(t, model.SkipRequestID, s.NextRequestID(model.WindowStateUnloading))
	require.Equal(t, model.RequestID("3"), s.NextRequestID(model.WindowStateReady))
}

func TestBeginCompleteFail(t *testing.T) {
	s := NewMemoryStore("g1", nil)
	h1 := begin(s, "http://localhost/a")
	h2 := begin(s, "http://localhost/b")

	recs := s.Records()
	require.Len(t, recs, 2)
	require.True(t, recs[0].IsPending())
	require.Equal(t, 0, recs[0].Seq)
	require.Equal(t, 1, recs[1].Seq)
	require.NotNil(t, recs[0].Request.Headers)
	require.False(t, recs[0].TimeStart.IsZero())

	require.True(t, s.Complete(h1, model.CallResponse{StatusCode: 200, Body: "ok"}, 10*time.Millisecond))
	require.False(t, s.Complete(h1, model.CallResponse{StatusCode: 500}, 0), "settled records stay settled")
	require.False(t, s.Fail(h1, &model.CallError{Kind: model.ErrorAbort}, 0))

	require.True(t, s.Fail(h2, &model.CallError{Kind: model.ErrorNetwork, Message: "refused"}, 0))

	r1, ok := s.Get(h1)
	require.True(t, ok)
	require.Equal(t, 200, r1.Response.StatusCode)
	require.Equal(t, 10*time.Millisecond, r1.Delay)
	require.False(t, r1.Response.TimeEnd.IsZero())
	require.GreaterOrEqual(t, int64(r1.Duration), int64(0))

	r2, ok := s.Get(h2)
	require.True(t, ok)
	require.Nil(t, r2.Response)
	require.Equal(t, model.ErrorNetwork, r2.RequestError.Kind)

	_, ok = s.Get(Handle(9))
	require.False(t, ok)
	require.False(t, s.Complete(Handle(-1), model.CallResponse{}, 0))
}

func TestFailWithoutError(t *testing.T) {
	s := NewMemoryStore("g", nil)
	h := begin(s, "http://localhost/a")
	require.True(t, s.Fail(h, nil, 0))
	r, _ := s.Get(h)
	require.Equal(t, model.ErrorNetwork, r.RequestError.Kind)
}

func TestRecordsAreCopies(t *testing.T) {
	s := NewMemoryStore("g", nil)
	h := begin(s, "http://localhost/a")
	s.Complete(h, model.CallResponse{StatusCode: 200, Headers: traffic.Header{"a": "1"}}, 0)

	recs := s.Records()
	recs[0].Response.StatusCode = 999
	recs[0].URL = "changed"

	again, _ := s.Get(h)
	require.Equal(t, 200, again.Response.StatusCode)
	require.Equal(t, "http://localhost/a", again.URL)
}

func TestChangedClosesOnMutation(t *testing.T) {
	s := NewMemoryStore("g", nil)
	ch := s.Changed()
	select {
	case <-ch:
		t.Fatal("closed before any change")
	default:
	}

	h := begin(s, "http://localhost/a")
	select {
	case <-ch:
	default:
		t.Fatal("Begin did not notify")
	}

	ch = s.Changed()
	s.Complete(h, model.CallResponse{StatusCode: 204}, 0)
	select {
	case <-ch:
	default:
		t.Fatal("Complete did not notify")
	}
}

func TestResetWatch(t *testing.T) {
	s := NewMemoryStore("g", nil)
	begin(s, "http://localhost/a")
	begin(s, "http://localhost/b")
	s.ResetWatch()
	require.Empty(t, s.Watched())

	begin(s, "http://localhost/c")
	w := s.Watched()
	require.Len(t, w, 1)
	require.Equal(t, "http://localhost/c", w[0].URL)
	require.Len(t, s.Records(), 3)
}

func TestSocketActions(t *testing.T) {
	s := NewMemoryStore("g", nil)
	id := s.OpenSocket("ws://localhost/ws?room=7", []string{"chat"}, false)

	require.True(t, s.AppendAction(id, model.WebSocketAction{Type: model.ActionOpen}))
	require.True(t, s.AppendAction(id, model.WebSocketAction{Type: model.ActionSend, Data: "hi"}))
	require.False(t, s.AppendAction("missing", model.WebSocketAction{Type: model.ActionSend}))

	socks := s.Sockets()
	require.Len(t, socks, 1)
	sock := socks[0]
	require.Equal(t, "7", sock.Query["room"])
	require.Len(t, sock.Actions, 3)
	require.Equal(t, model.ActionCreate, sock.Actions[0].Type)
	require.Equal(t, model.ActionOpen, sock.Actions[1].Type)
	require.Equal(t, "hi", sock.Actions[2].Data)
	for i, act := range sock.Actions {
		require.Equal(t, i, act.Seq)
		require.Equal(t, "ws://localhost/ws?room=7", act.URL)
		require.Equal(t, []string{"chat"}, act.Protocols)
		require.False(t, act.Timestamp.IsZero())
	}
	require.False(t, sock.Closed())

	s.ResetWebSocketWatch()
	require.Equal(t, 3, s.WebSocketWatchMark())

	s.AppendAction(id, model.WebSocketAction{Type: model.ActionClose, Code: 1000})
	require.True(t, s.Sockets()[0].Closed())
}
