package proxy

import "testing"

func TestSplitProviderModel_Valid(t *testing.T) {
	tests := []struct {
		model        string
		wantProvider string
		wantRest     string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-3-5-sonnet", "anthropic", "claude-3-5-sonnet"},
		{"together/meta-llama/Llama-3.3-70B-Instruct-Turbo", "together", "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider, rest, ok := splitProviderModel(tt.model)
			if !ok {
				t.Fatalf("splitProviderModel(%q) ok = false, want true", tt.model)
			}
			if provider != tt.wantProvider || rest != tt.wantRest {
				t.Errorf("splitProviderModel(%q) = (%q, %q), want (%q, %q)", tt.model, provider, rest, tt.wantProvider, tt.wantRest)
			}
		})
	}
}

func TestSplitProviderModel_NoImplicitPassthrough(t *testing.T) {
	for _, model := range []string{"gpt-4", "", "openai/", "/gpt-4", "justsomestring"} {
		if _, _, ok := splitProviderModel(model); ok {
			t.Errorf("splitProviderModel(%q) ok = true, want false — bare or malformed model strings must never resolve", model)
		}
	}
}
