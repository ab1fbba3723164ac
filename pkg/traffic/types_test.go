package traffic

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	h := make(Header)
	h.Set("Content-Type", "text/plain")
	require.Equal(t, "text/plain", h.Get("content-type"))
	v, ok := h.Lookup("CONTENT-TYPE")
	require.True(t, ok)
	require.Equal(t, "text/plain", v)

	h.Del("Content-type")
	_, ok = h.Lookup("content-type")
	require.False(t, ok)

	var nilHeader Header
	require.Equal(t, "", nilHeader.Get("x"))
}

func TestHeaderHTTPConversion(t *testing.T) {
	src := http.Header{}
	src.Add("X-Multi", "a")
	src.Add("X-Multi", "b")
	h := FromHTTP(src)
	require.Equal(t, "a, b", h.Get("x-multi"))
	require.Equal(t, "a, b", h.ToHTTP().Get("X-Multi"))
}

func TestRequestCloneIsDeep(t *testing.T) {
	r := NewRequest()
	r.URL = "http://localhost/a"
	r.Headers.Set("a", "1")
	r.Body = []byte("body")
	r.Query["x"] = "1"

	c := r.Clone()
	r.Headers.Set("a", "2")
	r.Body[0] = 'B'
	r.Query["x"] = "2"

	require.Equal(t, "1", c.Headers.Get("a"))
	require.Equal(t, "body", string(c.Body))
	require.Equal(t, "1", c.Query["x"])
}

func TestNormalize(t *testing.T) {
	r := &Request{URL: "http://localhost/a?x=1&y=2&x=3", Method: "post"}
	r.Headers = Header{"cookie": "SID=abc; theme=dark"}
	r.Normalize()
	require.Equal(t, "POST", r.Method)
	require.Equal(t, "1", r.Query["x"])
	require.Equal(t, "2", r.Query["y"])
	require.Equal(t, "abc", r.Cookies["sid"])
	require.Equal(t, "dark", r.Cookies["theme"])

	empty := &Request{URL: "/"}
	empty.Normalize()
	require.Equal(t, http.MethodGet, empty.Method)
	require.NotNil(t, empty.Headers)
}

func TestCrossOrigin(t *testing.T) {
	origin := "http://localhost:1234"
	require.False(t, CrossOrigin(origin, "http://localhost:1234/a"))
	require.True(t, CrossOrigin(origin, "http://localhost:9999/a"))
	require.True(t, CrossOrigin(origin, "https://localhost:1234/a"))
	require.False(t, CrossOrigin(origin, "ws://localhost:1234/ws"))
	require.True(t, CrossOrigin(origin, "wss://localhost:1234/ws"))
	require.False(t, CrossOrigin(origin, "/relative"))
	require.False(t, CrossOrigin("", "http://anything/"))
}
