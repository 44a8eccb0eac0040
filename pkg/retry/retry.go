package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config 重試設定
type Config struct {
	MaxAttempts uint          `yaml:"max_attempts"` // 最多執行次數 (含第一次)
	BaseDelay   time.Duration `yaml:"base_delay"`   // 第一次重試前的等待時間
	MaxDelay    time.Duration `yaml:"max_delay"`    // 單次等待上限
}

// DefaultConfig 預設: 最多 5 次，10ms 起跳，上限 200ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Do 執行 fn，遇到 retryable 判定為 true 的錯誤時以指數退避重試
// 次數用盡時回傳最後一次的錯誤；不可重試的錯誤直接回傳
//
// 參數:
//
//	ctx: 上下文，取消時停止重試
//	cfg: 重試設定
//	retryable: 判斷錯誤是否可重試
//	fn: 要執行的函式
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay

	op := func() (T, error) {
		res, err := fn(ctx)
		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
	)
}
