package wait

import (
	"context"
	"fmt"
)

// Action 开始监视后调用一次；返回 Future 时等待它完成，其他值原样作为结果
type Action func() any

// Future 异步结果
type Future interface {
	Await(ctx context.Context) (any, error)
}

// Promise 在独立 goroutine 中运行的 Future
type Promise struct {
	done  chan struct{}
	value any
	err   error
}

// Go 立即在后台执行 fn；fn 的 panic 转为错误
func Go(fn func() (any, error)) *Promise {
	p := &Promise{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("action panic: %v", r)
			}
		}()
		p.value, p.err = fn()
	}()
	return p
}

// Resolved 已完成的 Future
func Resolved(v any) *Promise {
	p := &Promise{done: make(chan struct{}), value: v}
	close(p.done)
	return p
}

func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

