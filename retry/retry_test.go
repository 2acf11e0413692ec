package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SuccessFirstAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{10 * time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, nil, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustedAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}

	attempts := 0
	err := Do(context.Background(), cfg, nil, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Delays: []time.Duration{time.Millisecond}}
	fatal := errors.New("fatal")

	attempts := 0
	err := Do(context.Background(), cfg, func(err error) bool { return !errors.Is(err, fatal) }, func() error {
		attempts++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Delays: []time.Duration{50 * time.Millisecond}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, nil, func() error {
		return errors.New("transient error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestDo_ZeroMaxAttemptsDefaultsToOne(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, nil, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
