package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/ratelimit/storage"
)

func TestResolveTokenLimit_HierarchyLevel1ModelGroup(t *testing.T) {
	tl := TokenLimits{
		ModelGroup: map[string]map[string]UserLimit{
			"gpt-4": {"pro": {Limit: 1000, Window: time.Minute}},
		},
		ModelDefault:    map[string]UserLimit{"gpt-4": {Limit: 100, Window: time.Minute}},
		ProviderDefault: map[string]UserLimit{"openai": {Limit: 10, Window: time.Minute}},
	}
	lim, ok := resolveTokenLimit(tl, "openai", "gpt-4", "pro")
	if !ok || lim.Limit != 1000 {
		t.Fatalf("expected model+group level to win, got %+v ok=%v", lim, ok)
	}
}

func TestResolveTokenLimit_HierarchyLevel2ModelDefault(t *testing.T) {
	tl := TokenLimits{
		ModelDefault:    map[string]UserLimit{"gpt-4": {Limit: 100, Window: time.Minute}},
		ProviderDefault: map[string]UserLimit{"openai": {Limit: 10, Window: time.Minute}},
	}
	lim, ok := resolveTokenLimit(tl, "openai", "gpt-4", "pro")
	if !ok || lim.Limit != 100 {
		t.Fatalf("expected model-default to win, got %+v ok=%v", lim, ok)
	}
}

func TestResolveTokenLimit_HierarchyLevel3ProviderGroup(t *testing.T) {
	tl := TokenLimits{
		ProviderGroup: map[string]map[string]UserLimit{
			"openai": {"pro": {Limit: 500, Window: time.Minute}},
		},
		ProviderDefault: map[string]UserLimit{"openai": {Limit: 10, Window: time.Minute}},
	}
	lim, ok := resolveTokenLimit(tl, "openai", "gpt-4", "pro")
	if !ok || lim.Limit != 500 {
		t.Fatalf("expected provider+group to win, got %+v ok=%v", lim, ok)
	}
}

func TestResolveTokenLimit_HierarchyLevel4ProviderDefault(t *testing.T) {
	tl := TokenLimits{
		ProviderDefault: map[string]UserLimit{"openai": {Limit: 10, Window: time.Minute}},
	}
	lim, ok := resolveTokenLimit(tl, "openai", "gpt-4", "pro")
	if !ok || lim.Limit != 10 {
		t.Fatalf("expected provider-default to win, got %+v ok=%v", lim, ok)
	}
}

func TestResolveTokenLimit_NoLimitsConfigured(t *testing.T) {
	_, ok := resolveTokenLimit(TokenLimits{}, "openai", "gpt-4", "pro")
	if ok {
		t.Fatalf("expected no limit when nothing is configured")
	}
}

func TestResolveTokenLimit_NoGroupSkipsGroupLevels(t *testing.T) {
	tl := TokenLimits{
		ModelGroup:      map[string]map[string]UserLimit{"gpt-4": {"pro": {Limit: 1000, Window: time.Minute}}},
		ModelDefault:    map[string]UserLimit{"gpt-4": {Limit: 100, Window: time.Minute}},
	}
	lim, ok := resolveTokenLimit(tl, "openai", "gpt-4", "")
	if !ok || lim.Limit != 100 {
		t.Fatalf("expected model-default when group is empty, got %+v ok=%v", lim, ok)
	}
}

func TestManager_Check_GlobalRejectsFirst(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{Global: &LimitConfig{Limit: 1, Window: time.Minute}})

	ctx := context.Background()
	rc := RequestContext{IP: "1.2.3.4"}
	if err := m.Check(ctx, rc); err != nil {
		t.Fatalf("expected first request allowed: %v", err)
	}
	err := m.Check(ctx, rc)
	reject, ok := err.(*RejectError)
	if !ok || reject.Which != ScopeGlobal {
		t.Fatalf("expected ScopeGlobal rejection, got %v", err)
	}
}

func TestManager_Check_PerIPIndependentOfOtherIPs(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{PerIP: &LimitConfig{Limit: 1, Window: time.Minute}})

	ctx := context.Background()
	if err := m.Check(ctx, RequestContext{IP: "1.1.1.1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Check(ctx, RequestContext{IP: "2.2.2.2"}); err != nil {
		t.Fatalf("expected different IP to be unaffected: %v", err)
	}
}

func TestManager_Check_PerServerThenPerTool(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{
		PerServer: map[string]LimitConfig{"filesystem": {Limit: 5, Window: time.Minute}},
		PerTool:   map[string]LimitConfig{"filesystem__read": {Limit: 1, Window: time.Minute}},
	})

	ctx := context.Background()
	rc := RequestContext{IsToolDispatch: true, Server: "filesystem", Tool: "filesystem__read"}
	if err := m.Check(ctx, rc); err != nil {
		t.Fatalf("expected first dispatch allowed: %v", err)
	}
	err := m.Check(ctx, rc)
	reject, ok := err.(*RejectError)
	if !ok || reject.Which != ScopePerTool {
		t.Fatalf("expected ScopePerTool rejection, got %v", err)
	}
}

func TestManager_Check_TokenHierarchyEnforced(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{
		Token: TokenLimits{
			ProviderDefault: map[string]UserLimit{"openai": {Limit: 100, Window: time.Minute}},
		},
	})

	ctx := context.Background()
	rc := RequestContext{
		IsLLMChat:            true,
		Provider:             "openai",
		Model:                "gpt-4",
		ClientID:             "acme",
		EstimatedInputTokens: 80,
	}
	if err := m.Check(ctx, rc); err != nil {
		t.Fatalf("expected first request allowed: %v", err)
	}
	err := m.Check(ctx, rc)
	reject, ok := err.(*RejectError)
	if !ok || reject.Which != ScopeToken {
		t.Fatalf("expected ScopeToken rejection, got %v", err)
	}
}

func TestManager_Check_TokenRequestExceedingLimitIsPermanent(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{
		Token: TokenLimits{
			ProviderDefault: map[string]UserLimit{"openai": {Limit: 50, Window: time.Minute}},
		},
	})

	ctx := context.Background()
	rc := RequestContext{
		IsLLMChat:            true,
		Provider:             "openai",
		Model:                "gpt-4",
		ClientID:             "acme",
		EstimatedInputTokens: 500,
	}
	err := m.Check(ctx, rc)
	reject, ok := err.(*RejectError)
	if !ok || !reject.Permanent {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
}

func TestManager_Check_OutputBufferAddedToEstimate(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{
		Token: TokenLimits{
			ProviderDefault: map[string]UserLimit{"openai": {Limit: 100, Window: time.Minute, OutputBuffer: 30}},
		},
	})

	ctx := context.Background()
	rc := RequestContext{
		IsLLMChat:            true,
		Provider:             "openai",
		Model:                "gpt-4",
		ClientID:             "acme",
		EstimatedInputTokens: 80,
	}
	// 80 input + 30 output buffer = 110 > 100 limit: must reject immediately.
	err := m.Check(ctx, rc)
	reject, ok := err.(*RejectError)
	if !ok || reject.Which != ScopeToken {
		t.Fatalf("expected output buffer to push over the limit, got %v", err)
	}
}

func TestManager_Check_NoLimitsConfiguredAlwaysAllows(t *testing.T) {
	mem := storage.NewMemory()
	defer mem.Close()
	m := New(mem, Config{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.Check(ctx, RequestContext{IP: "1.2.3.4", IsLLMChat: true, Provider: "openai", Model: "gpt-4"}); err != nil {
			t.Fatalf("expected no limits to always allow, got %v", err)
		}
	}
}
