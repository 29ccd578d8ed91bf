package llama

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func TestBuildRequest_FormatsControlTokenPrompt(t *testing.T) {
	req := &providers.ProxyRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Be terse."},
			{Role: "user", Content: "Hello"},
		},
		MaxTokens: 256,
	}
	body, err := BuildRequest(req)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	var r request
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\n" +
		"Be terse.<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nHello<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	if r.Prompt != want {
		t.Errorf("Prompt = %q, want %q", r.Prompt, want)
	}
	if r.MaxGenLen != 256 {
		t.Errorf("MaxGenLen = %d, want 256", r.MaxGenLen)
	}
}

func TestBuildRequest_DefaultsSystemMessage(t *testing.T) {
	body, err := BuildRequest(&providers.ProxyRequest{
		Messages: []providers.Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	var r request
	json.Unmarshal(body, &r) //nolint:errcheck
	if !strings.Contains(r.Prompt, defaultSystemMessage) {
		t.Errorf("expected default system message in prompt: %q", r.Prompt)
	}
}

func TestParseResponse(t *testing.T) {
	body := []byte(`{"generation":"hi there","prompt_token_count":4,"generation_token_count":6,"stop_reason":"stop"}`)
	resp, err := ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 6 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestParseStreamChunk(t *testing.T) {
	chunk, ok := ParseStreamChunk([]byte(`{"generation":"partial"}`))
	if !ok || chunk.Content != "partial" {
		t.Fatalf("unexpected chunk: %+v, ok=%v", chunk, ok)
	}

	chunk, ok = ParseStreamChunk([]byte(`{"stop_reason":"length"}`))
	if !ok || chunk.FinishReason != "length" {
		t.Fatalf("unexpected finish chunk: %+v, ok=%v", chunk, ok)
	}

	_, ok = ParseStreamChunk([]byte(`{}`))
	if ok {
		t.Error("expected empty chunk to be skipped")
	}
}
