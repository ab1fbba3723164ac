package page

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"netinterceptor/pkg/traffic"
)

// nativeFetch 基于 http.Client 的 fetch；非 2xx 状态码同样视为成功完成
func nativeFetch(client *http.Client, resolve func(string) string) FetchFunc {
	return func(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
		return roundTrip(ctx, client, req.Method, resolve(req.URL), req.Headers, req.Body)
	}
}

func roundTrip(ctx context.Context, client *http.Client, method, rawURL string, h traffic.Header, body []byte) (*traffic.Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range h {
		hreq.Header.Set(k, v)
	}
	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &traffic.Response{
		StatusCode: hresp.StatusCode,
		StatusText: http.StatusText(hresp.StatusCode),
		Headers:    traffic.FromHTTP(hresp.Header),
		Body:       data,
	}, nil
}
