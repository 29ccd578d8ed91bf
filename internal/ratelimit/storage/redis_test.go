package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit/storage"
	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedis_CheckAndConsume_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.CheckAndConsume(ctx, "k1", 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
}

func TestRedis_CheckAndConsume_RejectsOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.CheckAndConsume(ctx, "k1", 2, time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	res, err := s.CheckAndConsume(ctx, "k1", 2, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Errorf("expected 3rd request to be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", res.RetryAfter)
	}
}

func TestRedis_CheckAndConsume_UnrelatedKeysIndependent(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	if _, err := s.CheckAndConsume(ctx, "a", 1, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := s.CheckAndConsume(ctx, "b", 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected unrelated key 'b' unaffected by 'a'")
	}
}

func TestRedis_CheckAndConsumeTokens_ZeroTokensOrLimitAllows(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	res, err := s.CheckAndConsumeTokens(ctx, "k1", 0, 100, time.Minute)
	if err != nil || !res.Allowed {
		t.Errorf("expected tokens=0 to allow, got %+v err=%v", res, err)
	}
	res, err = s.CheckAndConsumeTokens(ctx, "k1", 50, 0, time.Minute)
	if err != nil || !res.Allowed {
		t.Errorf("expected limit=0 to allow, got %+v err=%v", res, err)
	}
}

func TestRedis_CheckAndConsumeTokens_OverLimitIsPermanent(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	res, err := s.CheckAndConsumeTokens(ctx, "k1", 500, 100, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || !res.Permanent {
		t.Errorf("expected permanent rejection, got %+v", res)
	}
}

func TestRedis_CheckAndConsumeTokens_AccumulatesUsage(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	ctx := context.Background()

	res, err := s.CheckAndConsumeTokens(ctx, "k1", 60, 100, time.Minute)
	if err != nil || !res.Allowed {
		t.Fatalf("expected first chunk allowed, got %+v err=%v", res, err)
	}
	res, err = s.CheckAndConsumeTokens(ctx, "k1", 60, 100, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Errorf("expected second chunk to exceed cumulative limit")
	}
}

func TestRedis_Close(t *testing.T) {
	rdb, cleanup := newTestRedisClient(t)
	defer cleanup()

	s := storage.NewRedis(rdb)
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error on close: %v", err)
	}
}
