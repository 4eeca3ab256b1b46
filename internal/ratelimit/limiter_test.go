package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryBucketRefills(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC))
	b := NewMemory(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := b.Allow(ctx, "k", 1, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := b.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	clk.Advance(1500 * time.Millisecond)
	res, err = b.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)

	_, err = b.Allow(ctx, "", 1, 2)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = b.Allow(ctx, "k", 0, 2)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestLimiterSeparatesActorsAndActions(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC))
	l := NewWithBucket(NewMemory(clk), config.RateLimitConfig{
		UploadRate: 0.1, UploadBurst: 1,
		ChargeRate: 0.1, ChargeBurst: 1,
	})
	ctx := context.Background()

	res, err := l.Allow(ctx, ActionUpload, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, ActionUpload, " OPS@example.com ")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Allow(ctx, ActionCharge, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, ActionUpload, "other@example.com")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// No assistant budget configured: it borrows the charge policy but keeps its own bucket.
	res, err = l.Allow(ctx, ActionAssistant, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Allow(ctx, ActionAssistant, "ops@example.com")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestDisabledLimiterAllows(t *testing.T) {
	l, err := New(config.Config{}, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, l.Enabled())

	res, err := l.Allow(context.Background(), ActionUpload, "x")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewRejectsBadRates(t *testing.T) {
	_, err := New(config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}, nil, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidRate)
}
