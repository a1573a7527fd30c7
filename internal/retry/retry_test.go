package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		MaxAttempts:     attempts,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

// TestDo_FirstAttempt 测试第一次就成功
func TestDo_FirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_SucceedsAfterRetries 测试重试后成功并回调 OnRetry
func TestDo_SucceedsAfterRetries(t *testing.T) {
	cfg := quietConfig(5)
	var waits []time.Duration
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		waits = append(waits, wait)
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, waits)
}

// TestDo_Exhausted 测试次数用尽
func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("persistent error")
	attempts := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.Is(err, cause))
}

// TestDo_NonRetryable 测试不可重试错误只执行一次
func TestDo_NonRetryable(t *testing.T) {
	cause := errors.New("exit status 1")
	attempts := 0
	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.True(t, errors.Is(err, cause))
}

// TestDo_Canceled 测试等待期间取消
func TestDo_Canceled(t *testing.T) {
	cfg := quietConfig(10)
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	attempts := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("slow operation")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, context.Canceled))
}

// TestDo_Timeout 测试总时限
func TestDo_Timeout(t *testing.T) {
	cfg := quietConfig(100)
	cfg.Timeout = 50 * time.Millisecond
	cfg.Strategy = StrategyFixed
	cfg.InitialInterval = 20 * time.Millisecond

	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("slow operation")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, attempts, 100)
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), quietConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("temporary error")
		}
		return "decoded", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "decoded", result)

	result, err = DoWithResult(context.Background(), quietConfig(2), func(ctx context.Context) (string, error) {
		return "partial", errors.New("persistent error")
	})
	assert.Error(t, err)
	assert.Equal(t, "", result)
}

// TestBackoff 测试间隔计算
func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(StrategyExponential, time.Second, 3*time.Second, 1))
	assert.Equal(t, 2*time.Second, backoff(StrategyExponential, time.Second, 3*time.Second, 2))
	assert.Equal(t, 3*time.Second, backoff(StrategyExponential, time.Second, 3*time.Second, 3))
	assert.Equal(t, time.Second, backoff(StrategyFixed, time.Second, 3*time.Second, 5))
}

// TestIsRetryable 测试默认判定
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"generic", errors.New("some error"), true},
		{"permanent", NewNonRetryableError(errors.New("fatal")), false},
		{"wrapped permanent", errors.Join(errors.New("ctx"), NewNonRetryableError(errors.New("fatal"))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
