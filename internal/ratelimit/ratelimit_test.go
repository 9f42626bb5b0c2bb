package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
)

func TestMemoryBurstThenRefuse(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(1, 2)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := m.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := m.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	ok, _, _ = m.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "other clients keep their own budget")

	now = now.Add(time.Second)
	ok, _, _ = m.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "bucket refills")
}

func TestMemorySweepsIdleVisitors(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(1, 1)
	m.now = func() time.Time { return now }
	_, _, _ = m.Allow(context.Background(), "a")
	now = now.Add(10 * time.Minute)
	_, _, _ = m.Allow(context.Background(), "b")
	_, stale := m.visitors["a"]
	assert.False(t, stale)
	assert.Len(t, m.visitors, 1)
}

func TestRedisFixedWindow(t *testing.T) {
	s := miniredis.RunT(t)
	l, err := NewRedisFromURL("redis://"+s.Addr(), 2, time.Minute)
	require.NoError(t, err)
	defer l.Close()
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	now = now.Add(time.Minute)
	ok, _, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "new window")
}

func TestRedisFailsOpen(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	l := NewRedis(client, 1, time.Minute)
	s.Close()
	ok, _, err := l.Allow(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.True(t, ok)
}

func TestMiddlewareScopesToPrefix(t *testing.T) {
	m := NewMemory(0.001, 1)
	h := Middleware(m, "/approval/", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/approval/abc").Code)
	limited := do("/approval/abc")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)

	assert.Equal(t, http.StatusOK, do("/v0/health").Code)
}

func TestFromConfig(t *testing.T) {
	l, err := FromConfig(config.RateLimitConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, l)

	l, err = FromConfig(config.RateLimitConfig{Backend: "memory", RPS: 1, Burst: 1})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)

	_, err = FromConfig(config.RateLimitConfig{Backend: "carrier-pigeon"})
	require.Error(t, err)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))
	req.RemoteAddr = "[2001:db8::2]"
	assert.Equal(t, "2001:db8::2", ClientIP(req))
}
