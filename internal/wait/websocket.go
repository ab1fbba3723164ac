package wait

import (
	"context"
	"time"

	"netinterceptor/internal/rules"
	"netinterceptor/pkg/model"
)

// ActionSource WebSocket 等待读取的记录源
type ActionSource interface {
	Changed() <-chan struct{}
	Sockets() []model.WebSocketRecord
	WebSocketWatchMark() int
}

// ActionOptions WebSocket 等待参数
type ActionOptions struct {
	Timeout time.Duration
	Message string
}

// UntilWebSocketAction 等到每个匹配条件都至少命中 Count 次，顺序不限。
// 没有条件时等待任意一个动作。
func UntilWebSocketAction(ctx context.Context, src ActionSource, matchers []*rules.ActionMatcher, opts ActionOptions) error {
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		changed := src.Changed()
		if actionsSatisfied(src.Sockets(), src.WebSocketWatchMark(), matchers) {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return &TimeoutError{What: "waitUntilWebsocketAction", Timeout: opts.Timeout, Message: opts.Message}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func actionsSatisfied(socks []model.WebSocketRecord, mark int, matchers []*rules.ActionMatcher) bool {
	counts := make([]int, len(matchers))
	seen := false
	for i := range socks {
		rec := &socks[i]
		for j := range rec.Actions {
			act := &rec.Actions[j]
			if act.Seq < mark {
				continue
			}
			seen = true
			for k, m := range matchers {
				if m.Match(rec, act) {
					counts[k]++
				}
			}
		}
	}
	if len(matchers) == 0 {
		return seen
	}
	for k, m := range matchers {
		if counts[k] < m.Count() {
			return false
		}
	}
	return true
}
