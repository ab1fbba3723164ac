package wait

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout 等待超时，可用 errors.Is 判断
var ErrTimeout = errors.New("wait timed out")

// TimeoutError 等待超时的详细信息；Message 非空时原样作为前缀
type TimeoutError struct {
	What    string
	Timeout time.Duration
	Message string
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("%s: timed out after %dms", e.What, e.Timeout.Milliseconds())
	if e.Message == "" {
		return base
	}
	return e.Message + ": " + base
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
