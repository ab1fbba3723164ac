package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netinterceptor/pkg/model"
)

func TestEngineFirstRegisteredMockWins(t *testing.T) {
	e := New()
	first, err := e.AddMock(model.RouteMatch{URL: model.Glob("**/a")}, model.MockResponse{StatusCode: 201}, model.RuleOptions{})
	require.NoError(t, err)
	_, err = e.AddMock(model.RouteMatch{}, model.MockResponse{StatusCode: 500}, model.RuleOptions{})
	require.NoError(t, err)

	res := e.Eval(record("GET", "http://localhost:1234/a"))
	require.True(t, res.Matched())
	require.Equal(t, first, *res.MockID)
	require.Equal(t, 201, res.Mock.StatusCode)

	res = e.Eval(record("GET", "http://localhost:1234/b"))
	require.Equal(t, 500, res.Mock.StatusCode)
}

func TestEngineMockAndThrottleIndependent(t *testing.T) {
	e := New()
	_, err := e.AddMock(model.RouteMatch{Method: "POST"}, model.MockResponse{StatusCode: 200}, model.RuleOptions{})
	require.NoError(t, err)
	tid, err := e.AddThrottle(model.RouteMatch{}, 50*time.Millisecond, model.RuleOptions{})
	require.NoError(t, err)

	res := e.Eval(record("GET", "http://localhost:1234/a"))
	require.Nil(t, res.Mock)
	require.Equal(t, tid, *res.ThrottleID)
	require.Equal(t, 50*time.Millisecond, res.Delay)

	res = e.Eval(record("POST", "http://localhost:1234/a"))
	require.NotNil(t, res.Mock)
	require.NotNil(t, res.ThrottleID)
}

func TestEngineTimesLimit(t *testing.T) {
	e := New()
	id, err := e.AddMock(model.RouteMatch{}, model.MockResponse{StatusCode: 204}, model.RuleOptions{Times: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NotNil(t, e.Eval(record("GET", "http://a/")).Mock)
	}
	require.Nil(t, e.Eval(record("GET", "http://a/")).Mock)

	st := e.Stats()
	require.EqualValues(t, 3, st.Total)
	require.EqualValues(t, 2, st.Matched)
	require.EqualValues(t, 2, st.ByRule[id])
}

func TestEngineRemoveAndReset(t *testing.T) {
	e := New()
	mid, err := e.AddMock(model.RouteMatch{}, model.MockResponse{}, model.RuleOptions{})
	require.NoError(t, err)
	tid, err := e.AddThrottle(model.RouteMatch{}, time.Millisecond, model.RuleOptions{})
	require.NoError(t, err)

	require.True(t, e.RemoveMock(mid))
	require.False(t, e.RemoveMock(mid))
	require.False(t, e.RemoveThrottle(mid))
	require.True(t, e.RemoveThrottle(tid))
	require.False(t, e.Eval(record("GET", "http://a/")).Matched())

	_, err = e.AddMock(model.RouteMatch{}, model.MockResponse{}, model.RuleOptions{})
	require.NoError(t, err)
	e.Reset()
	require.False(t, e.Eval(record("GET", "http://a/")).Matched())
	require.EqualValues(t, 1, e.Stats().Total)
}

func TestEngineRejectsInvalidRules(t *testing.T) {
	e := New()
	_, err := e.AddThrottle(model.RouteMatch{}, -time.Second, model.RuleOptions{})
	require.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.AddMock(model.RouteMatch{}, model.MockResponse{}, model.RuleOptions{Times: -1})
	require.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.AddMock(model.RouteMatch{URL: model.Regex("[")}, model.MockResponse{}, model.RuleOptions{})
	require.ErrorIs(t, err, ErrInvalidMatch)
}
