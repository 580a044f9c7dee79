package retry

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
)

// RetryConfig defines the configuration for retrying operations.
type RetryConfig struct {
	MaxAttempts uint          // 最大尝试次数，包含第一次
	Delay       time.Duration // 首次重试间隔，之后指数增长
	MaxDelay    time.Duration // 单次间隔上限，0表示不限制
	RetryIfFn   func(error) bool
}

// NewRetryConfig creates a new RetryConfig with the provided options.
func NewRetryConfig(opts ...Option) *RetryConfig {
	r := DefaultConfig()

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DefaultConfig is the default configuration for retrying operations.
func DefaultConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		RetryIfFn: func(err error) bool {
			return err != nil
		},
	}
}

type Option func(*RetryConfig)

func WithMaxAttempts(maxAttempts uint) Option {
	return func(c *RetryConfig) {
		c.MaxAttempts = maxAttempts
	}
}

func WithDelay(delay time.Duration) Option {
	return func(c *RetryConfig) {
		c.Delay = delay
	}
}

func WithMaxDelay(maxDelay time.Duration) Option {
	return func(c *RetryConfig) {
		c.MaxDelay = maxDelay
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *RetryConfig) {
		c.RetryIfFn = fn
	}
}

// permanentError 标记不需要重试的错误
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Unrecoverable 包装后的错误不会再重试
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsUnrecoverable 判断错误链中是否有不可重试标记
func IsUnrecoverable(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do 按配置执行fn，指数退避，返回最后一次的错误
func Do(ctx context.Context, c *RetryConfig, fn func() error, onRetry func(n uint, err error)) error {
	if c == nil {
		c = DefaultConfig()
	}
	attempts := c.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	retryIf := c.RetryIfFn
	if retryIf == nil {
		retryIf = func(err error) bool { return err != nil }
	}
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}

	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.Delay),
		retry.MaxDelay(c.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsUnrecoverable(err) && retryIf(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			// retry-go在最后一次失败后也会回调，此时已经不会再重试
			if n+1 < attempts {
				onRetry(n, err)
			}
		}),
	)
}
