package cdp

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// ToNeutralRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ResourceTypeOf(ev.ResourceType))

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	req.Normalize()
	return req
}

// ToNeutralResponse 将响应阶段的拦截事件转换为中立 Response 模型
func ToNeutralResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	if ev.ResponseStatusText != nil && *ev.ResponseStatusText != "" {
		res.StatusText = *ev.ResponseStatusText
	}
	for _, h := range ev.ResponseHeaders {
		res.Headers.Set(h.Name, h.Value)
	}
	res.Body = body
	return res
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// ResourceTypeOf CDP 资源类型转为记录使用的小写形式
func ResourceTypeOf(t network.ResourceType) model.ResourceType {
	s := strings.ToLower(string(t))
	for _, known := range model.KnownResourceTypes {
		if string(known) == s {
			return known
		}
	}
	return model.ResourceOther
}

// IsResponseStage 事件是否处于响应阶段
func IsResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil
}

// ErrorReasonOf 响应阶段的错误原因，没有时返回空
func ErrorReasonOf(ev *fetch.RequestPausedReply) network.ErrorReason {
	if ev.ResponseErrorReason == nil {
		return ""
	}
	return *ev.ResponseErrorReason
}

// NetworkIDOf 拦截事件对应的 Network 域请求ID
func NetworkIDOf(ev *fetch.RequestPausedReply) string {
	if ev.NetworkID == nil {
		return ""
	}
	return string(*ev.NetworkID)
}

// DecodeBody 解码 GetResponseBody 返回的响应体
func DecodeBody(body string, base64Encoded bool) []byte {
	if !base64Encoded {
		return []byte(body)
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return []byte(body)
	}
	return b
}

// OriginOf 页面地址的源（scheme://host），无法解析时返回空
func OriginOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
