package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterDisabledWhenRPSZero(t *testing.T) {
	l := NewRateLimiter(0, 1)
	assert.NoError(t, l.Wait(context.Background(), NameEastmoney))
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	l := NewRateLimiter(1000, 5)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), NameEastmoney))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimiterIsPerProvider(t *testing.T) {
	l := NewRateLimiter(0.001, 1)

	// eastmoney's budget is spent; tencent's bucket is untouched.
	require.NoError(t, l.Wait(context.Background(), NameEastmoney))
	require.NoError(t, l.Wait(context.Background(), NameTencent))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, NameEastmoney))
}
