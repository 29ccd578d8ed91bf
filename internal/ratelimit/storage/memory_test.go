package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemory_CheckAndConsume_AllowsUnderLimit(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := m.CheckAndConsume(ctx, "k1", 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
}

func TestMemory_CheckAndConsume_RejectsOverLimit(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.CheckAndConsume(ctx, "k1", 2, time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	res, err := m.CheckAndConsume(ctx, "k1", 2, time.Minute)
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

func TestMemory_CheckAndConsume_UnrelatedKeysIndependent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, err := m.CheckAndConsume(ctx, "a", 1, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := m.CheckAndConsume(ctx, "b", 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected unrelated key 'b' to be unaffected by 'a'")
	}
}

func TestMemory_CheckAndConsume_WindowExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, err := m.CheckAndConsume(ctx, "k1", 1, 20*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ := m.CheckAndConsume(ctx, "k1", 1, 20*time.Millisecond)
	if res.Allowed {
		t.Fatalf("expected immediate second request to be rejected")
	}

	time.Sleep(30 * time.Millisecond)
	res, err := m.CheckAndConsume(ctx, "k1", 1, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected request to be allowed after window expiry")
	}
}

func TestMemory_CheckAndConsumeTokens_ZeroTokensOrLimitAllows(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	res, err := m.CheckAndConsumeTokens(ctx, "k1", 0, 100, time.Minute)
	if err != nil || !res.Allowed {
		t.Errorf("expected tokens=0 to allow unconditionally, got %+v err=%v", res, err)
	}
	res, err = m.CheckAndConsumeTokens(ctx, "k1", 50, 0, time.Minute)
	if err != nil || !res.Allowed {
		t.Errorf("expected limit=0 to allow unconditionally, got %+v err=%v", res, err)
	}
}

func TestMemory_CheckAndConsumeTokens_OverLimitIsPermanent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	res, err := m.CheckAndConsumeTokens(ctx, "k1", 500, 100, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || !res.Permanent {
		t.Errorf("expected permanent rejection when tokens > limit, got %+v", res)
	}
}

func TestMemory_CheckAndConsumeTokens_AccumulatesUsage(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	res, err := m.CheckAndConsumeTokens(ctx, "k1", 60, 100, time.Minute)
	if err != nil || !res.Allowed {
		t.Fatalf("expected first chunk to be allowed, got %+v err=%v", res, err)
	}
	res, err = m.CheckAndConsumeTokens(ctx, "k1", 60, 100, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Errorf("expected second chunk to exceed cumulative limit")
	}
}

func TestMemory_Close_StopsEvictionGoroutine(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error on close: %v", err)
	}
}
