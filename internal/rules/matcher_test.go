package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

func record(method, rawURL string) *model.CallRecord {
	return &model.CallRecord{
		ID:           "1",
		URL:          rawURL,
		Method:       method,
		ResourceType: model.ResourceFetch,
		Request: model.CallRequest{
			Headers: traffic.Header{"content-type": "application/json"},
			Query:   traffic.ParseQuery(rawURL),
		},
	}
}

func TestMatchEmptySpecMatchesEverything(t *testing.T) {
	m, err := Compile(model.RouteMatch{})
	require.NoError(t, err)
	require.True(t, m.Match(record("GET", "http://localhost:1234/a")))
	require.True(t, m.Match(record("POST", "https://other.test/b?x=1")))
}

func TestMatchURLModes(t *testing.T) {
	rec := record("GET", "http://localhost:1234/api/users?page=2")

	cases := []struct {
		name string
		url  *model.URLMatch
		want bool
	}{
		{"glob double star", model.Glob("**/users"), true},
		{"glob single star crosses slashes", model.Glob("*/api/*"), true},
		{"glob with query", model.Glob("**/users?page=2"), true},
		{"glob miss", model.Glob("**/orders"), false},
		{"exact", model.Exact("http://localhost:1234/api/users?page=2"), true},
		{"exact without query", model.Exact("http://localhost:1234/api/users"), false},
		{"prefix", model.Prefix("http://localhost:1234/api"), true},
		{"regex", model.Regex(`/api/users\?page=\d+$`), true},
		{"regex miss", model.Regex(`^https://`), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Compile(model.RouteMatch{URL: tc.url})
			require.NoError(t, err)
			require.Equal(t, tc.want, m.Match(rec))
		})
	}
}

func TestMatchMethodAndResourceType(t *testing.T) {
	rec := record("POST", "http://localhost:1234/a")

	m, err := Compile(model.RouteMatch{Method: "post"})
	require.NoError(t, err)
	require.True(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{Method: "GET"})
	require.NoError(t, err)
	require.False(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{ResourceTypes: []model.ResourceType{model.ResourceXHR}})
	require.NoError(t, err)
	require.False(t, m.Match(rec))

	rec.ResourceType = model.ResourceXHR
	require.True(t, m.Match(rec))
}

func TestMatchHeadersAndQuery(t *testing.T) {
	rec := record("GET", "http://localhost:1234/a?x=1&y=2")

	m, err := Compile(model.RouteMatch{Headers: map[string]string{"Content-Type": "application/json"}})
	require.NoError(t, err)
	require.True(t, m.Match(rec), "header names are case insensitive")

	m, err = Compile(model.RouteMatch{Query: map[string]string{"x": "1"}})
	require.NoError(t, err)
	require.True(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{Query: map[string]string{"x": "1"}, Strict: true})
	require.NoError(t, err)
	require.False(t, m.Match(rec), "strict requires the same key set")

	m, err = Compile(model.RouteMatch{Query: map[string]string{"x": "1", "y": "2"}, Strict: true})
	require.NoError(t, err)
	require.True(t, m.Match(rec))
}

func TestMatchCrossDomainAndHTTPS(t *testing.T) {
	rec := record("GET", "https://cdn.test/lib.js")
	rec.CrossDomain = true

	m, err := Compile(model.RouteMatch{CrossDomain: model.Bool(false)})
	require.NoError(t, err)
	require.False(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{CrossDomain: model.Bool(true), HTTPS: model.Bool(true)})
	require.NoError(t, err)
	require.True(t, m.Match(rec))
}

func TestMatchBodyPathsAndPredicates(t *testing.T) {
	rec := record("POST", "http://localhost:1234/login")
	rec.Request.Body = `{"user":{"name":"bob"},"remember":true}`

	m, err := Compile(model.RouteMatch{BodyPaths: map[string]string{"user.name": "bob", "remember": "true"}})
	require.NoError(t, err)
	require.True(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{BodyPaths: map[string]string{"user.age": "3"}})
	require.NoError(t, err)
	require.False(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{BodyMatcher: func(body string) bool { return len(body) > 10 }})
	require.NoError(t, err)
	require.True(t, m.Match(rec))

	m, err = Compile(model.RouteMatch{HeadersMatcher: func(h traffic.Header) bool { return h.Get("x-none") != "" }})
	require.NoError(t, err)
	require.False(t, m.Match(rec))
}

func TestCompileRejectsInvalidSpecs(t *testing.T) {
	bad := []model.RouteMatch{
		{URL: model.Regex("(")},
		{URL: model.Glob("")},
		{URL: &model.URLMatch{Mode: "fuzzy", Pattern: "x"}},
		{ResourceTypes: []model.ResourceType{"beacon"}},
		{Method: "GE T"},
		{BodyPaths: map[string]string{"": "x"}},
	}
	for _, spec := range bad {
		_, err := Compile(spec)
		require.ErrorIs(t, err, ErrInvalidMatch)
	}
	require.False(t, Match(record("GET", "http://a/"), model.RouteMatch{URL: model.Regex("(")}))
}

func TestMatchWebSocket(t *testing.T) {
	rec := &model.WebSocketRecord{
		URL:       "wss://chat.test/ws?room=1",
		Protocols: []string{"chat"},
		Query:     map[string]string{"room": "1"},
	}

	m, err := Compile(model.RouteMatch{URL: model.Glob("**/ws"), Protocols: []string{"chat", "v2"}})
	require.NoError(t, err)
	require.True(t, m.MatchWebSocket(rec))

	m, err = Compile(model.RouteMatch{ResourceTypes: []model.ResourceType{model.ResourceFetch}})
	require.NoError(t, err)
	require.False(t, m.MatchWebSocket(rec))

	m, err = Compile(model.RouteMatch{Query: map[string]string{"room": "2"}})
	require.NoError(t, err)
	require.False(t, m.MatchWebSocket(rec))
}

func TestActionMatcher(t *testing.T) {
	rec := &model.WebSocketRecord{URL: "ws://localhost:1234/ws", Query: map[string]string{}}
	send := &model.WebSocketAction{Type: model.ActionSend, Data: "ping"}
	msg := &model.WebSocketAction{Type: model.ActionMessage, Data: "pong"}

	m, err := CompileAction(model.WebSocketMatch{Types: []model.ActionType{model.ActionMessage}, Data: model.String("pong")})
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())
	require.False(t, m.Match(rec, send))
	require.True(t, m.Match(rec, msg))

	m, err = CompileAction(model.WebSocketMatch{URL: model.Glob("**/other"), CountMatch: 3})
	require.NoError(t, err)
	require.Equal(t, 3, m.Count())
	require.False(t, m.Match(rec, msg))

	_, err = CompileAction(model.WebSocketMatch{Types: []model.ActionType{"ping"}})
	require.ErrorIs(t, err, ErrInvalidMatch)
	_, err = CompileAction(model.WebSocketMatch{CountMatch: -1})
	require.ErrorIs(t, err, ErrInvalidMatch)
}

func TestMatchOneShot(t *testing.T) {
	rec := record("POST", "http://localhost:1234/api/users?page=2")
	require.True(t, Match(rec, model.RouteMatch{}))
	require.True(t, Match(rec, model.RouteMatch{URL: model.Glob("**/users"), Method: "post"}))
	require.False(t, Match(rec, model.RouteMatch{Method: "GET"}))
	require.False(t, Match(rec, model.RouteMatch{Method: "GE T"}), "invalid specs match nothing")
}
