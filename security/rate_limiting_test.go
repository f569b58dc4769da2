package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2)
	ctx := context.Background()

	keys := []string{"ratelimit:user:alice"}
	window := time.Minute.Milliseconds()
	mock.ExpectEval(rateLimitScript, keys, window).SetVal(int64(1))
	mock.ExpectEval(rateLimitScript, keys, window).SetVal(int64(2))
	mock.ExpectEval(rateLimitScript, keys, window).SetVal(int64(3))

	ok, err := limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2)

	mock.ExpectEval(rateLimitScript, []string{"ratelimit:ip:10.0.0.1"}, time.Minute.Milliseconds()).SetErr(errors.New("connection refused"))

	ok, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
	assert.Error(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Disabled(t *testing.T) {
	ok, err := NewRateLimiter(nil, 10).Allow(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdentifier(t *testing.T) {
	record := core.NewRecord(core.NewAuthCollection("users"))
	record.Id = "u123"

	assert.Equal(t, "user:u123", Identifier(record, "10.0.0.1"))
	assert.Equal(t, "ip:10.0.0.1", Identifier(nil, "10.0.0.1"))
}

func TestIsSuspiciousUserAgent(t *testing.T) {
	assert.True(t, IsSuspiciousUserAgent("Googlebot/2.1"))
	assert.True(t, IsSuspiciousUserAgent("Some-Crawler"))
	assert.False(t, IsSuspiciousUserAgent("Mozilla/5.0 (X11; Linux x86_64)"))
}
