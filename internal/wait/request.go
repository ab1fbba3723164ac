// Package wait 基于存储变更通知的等待者，不做轮询。
package wait

import (
	"context"
	"time"

	"netinterceptor/internal/rules"
	"netinterceptor/pkg/model"
)

// Source HTTP 等待读取的记录源
type Source interface {
	Changed() <-chan struct{}
	Watched() []model.CallRecord
}

// RequestOptions 已解析默认值的等待参数
type RequestOptions struct {
	// Matcher 为空时所有请求都相关
	Matcher      *rules.Matcher
	EnforceCheck bool
	Grace        time.Duration
	Timeout      time.Duration
	Message      string
}

type futureResult struct {
	value any
	err   error
}

// UntilRequestIsDone 等到所有相关请求结束且宽限期内没有新请求出现。
// action 在开始监视后调用；返回 Future 时完成还需等它结束，并以其值作为结果。
func UntilRequestIsDone(ctx context.Context, src Source, opts RequestOptions, action Action) (any, error) {
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	changed := src.Changed()
	var result any
	var futureC chan futureResult
	if action != nil {
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		v := action()
		if f, ok := v.(Future); ok {
			futureC = make(chan futureResult, 1)
			go func() {
				val, err := f.Await(waitCtx)
				futureC <- futureResult{val, err}
			}()
		} else {
			result = v
		}
	}

	var (
		grace     *time.Timer
		graceC    <-chan time.Time
		lastCount = -1
		quiet     bool
	)
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopGrace()

	first := true
	for {
		relevant, pending := evaluate(src.Watched(), opts.Matcher)
		switch {
		case first && !opts.EnforceCheck && relevant == 0:
			quiet = true
		case relevant == 0:
			// 等待第一条相关请求
		case pending > 0:
			stopGrace()
			quiet = false
		case relevant != lastCount || (grace == nil && !quiet):
			// 全部结束：出现新的相关请求时重新开始宽限期
			stopGrace()
			quiet = opts.Grace <= 0
			if !quiet {
				grace = time.NewTimer(opts.Grace)
				graceC = grace.C
			}
		}
		lastCount = relevant
		first = false

		if quiet && futureC == nil {
			return result, nil
		}

		select {
		case <-changed:
			changed = src.Changed()
		case <-graceC:
			grace, graceC = nil, nil
			quiet = true
		case fr := <-futureC:
			if fr.err != nil {
				return nil, fr.err
			}
			result = fr.value
			futureC = nil
		case <-timer.C:
			return nil, &TimeoutError{What: "waitUntilRequestIsDone", Timeout: opts.Timeout, Message: opts.Message}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// evaluate 统计相关记录数与其中未结束的数量；卸载期间的请求不计入
func evaluate(recs []model.CallRecord, m *rules.Matcher) (relevant, pending int) {
	for i := range recs {
		r := &recs[i]
		if r.Skipped() {
			continue
		}
		if m != nil && !m.Match(r) {
			continue
		}
		relevant++
		if r.IsPending() {
			pending++
		}
	}
	return relevant, pending
}
