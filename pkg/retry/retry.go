// Package retry 提供固定次数、固定间隔的重试组合子 (不做指数退避)。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted 所有尝试都失败
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy 重试策略
type Policy struct {
	Attempts   int           // 最大尝试次数 (<=0 视为 1)
	Delay      time.Duration // 两次尝试之间的固定间隔
	DelayFirst bool          // 第一次尝试前也等待 (用于轮询订单成交)
}

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop 包装一个终止错误：Do 立即返回该错误，不再重试
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do 按策略执行 fn，fn 返回 nil 即成功。
// 耗尽次数后返回包装了 ErrExhausted 和最后一次错误的错误；
// ctx 取消时返回 ctx.Err()。
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 || p.DelayFirst {
			if err := sleep(ctx, p.Delay); err != nil {
				return err
			}
		}

		err := fn(i + 1)
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		last = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
