package ratelimit

import (
	"context"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestMemoryStrategy(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	strategy := NewMemoryStrategy(func() time.Time { return now })

	req := &Request{
		Key:      "10.0.0.1",
		Limit:    3,
		Duration: time.Second,
	}

	for i := 1; i <= 3; i++ {
		res, err := strategy.Run(ctx, req)
		assert.NilError(t, err)
		assert.Equal(t, res.State, Allow)
		assert.Equal(t, res.TotalRequests, uint64(i))
		now = now.Add(100 * time.Millisecond)
	}

	res, err := strategy.Run(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, res.State, Deny)
	assert.Equal(t, res.ExpiresAt, now.Add(time.Second))

	// other keys have their own window
	res, err = strategy.Run(ctx, &Request{Key: "10.0.0.2", Limit: 3, Duration: time.Second})
	assert.NilError(t, err)
	assert.Equal(t, res.State, Allow)

	// first request slides out of the window
	now = now.Add(750 * time.Millisecond)
	res, err = strategy.Run(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, res.State, Allow)
	assert.Equal(t, res.TotalRequests, uint64(3))
}

func TestMemoryStrategyDropsIdleKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	strategy := NewMemoryStrategy(func() time.Time { return now }).(*memoryStrategy)

	for _, key := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := strategy.Run(ctx, &Request{Key: key, Limit: 1, Duration: time.Second})
		assert.NilError(t, err)
	}
	assert.Equal(t, len(strategy.windows), 3)

	now = now.Add(2 * time.Second)
	res, err := strategy.Run(ctx, &Request{Key: "10.0.0.4", Limit: 1, Duration: time.Second})
	assert.NilError(t, err)
	assert.Equal(t, res.State, Allow)
	assert.Equal(t, len(strategy.windows), 1)
	_, ok := strategy.windows["10.0.0.4"]
	assert.Assert(t, ok)
}
