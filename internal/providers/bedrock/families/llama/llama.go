// Package llama implements the Meta Llama InvokeModel codec for Bedrock:
// Llama's control-token prompt format rather than structured messages.
// Grounded on
// original_source/crates/llm/src/provider/bedrock/families/meta/input.rs;
// original_source carries no corresponding output.rs, so the response shape
// follows AWS's documented Llama InvokeModel response (see DESIGN.md).
package llama

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/finishreason"
)

const defaultSystemMessage = "You are a helpful assistant."

type request struct {
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
}

// BuildRequest assembles Llama's control-token prompt: a system header
// (defaulting to defaultSystemMessage when none is given), one header block
// per remaining message, and a trailing empty assistant header to prompt
// generation. Unrecognized roles are treated as user, matching the original.
func BuildRequest(req *providers.ProxyRequest) ([]byte, error) {
	systemMsg := defaultSystemMessage
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			systemMsg = m.Content
			break
		}
	}

	var sb strings.Builder
	sb.WriteString("<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\n")
	sb.WriteString(systemMsg)
	sb.WriteString("<|eot_id|>")

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			continue
		case "assistant":
			sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
			sb.WriteString(m.Content)
			sb.WriteString("<|eot_id|>")
		default:
			sb.WriteString("<|start_header_id|>user<|end_header_id|>\n\n")
			sb.WriteString(m.Content)
			sb.WriteString("<|eot_id|>")
		}
	}

	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	r := request{Prompt: sb.String(), MaxGenLen: req.MaxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		r.Temperature = &t
	}
	return json.Marshal(r)
}

type response struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

// ParseResponse decodes a non-streaming Llama InvokeModel response.
func ParseResponse(body []byte) (*providers.ProxyResponse, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("llama: decode response: %w", err)
	}

	return &providers.ProxyResponse{
		Content: r.Generation,
		Usage:   providers.Usage{InputTokens: r.PromptTokenCount, OutputTokens: r.GenerationTokenCount},
	}, nil
}

type streamChunk struct {
	Generation string `json:"generation"`
	StopReason string `json:"stop_reason"`
}

// ParseStreamChunk decodes one line of Llama's streamed InvokeModel
// response, following the same line-delimited JSON framing the Converse
// streaming path already assumes.
func ParseStreamChunk(line []byte) (chunk providers.StreamChunk, ok bool) {
	var sc streamChunk
	if err := json.Unmarshal(line, &sc); err != nil {
		return providers.StreamChunk{}, false
	}
	if sc.Generation == "" && sc.StopReason == "" {
		return providers.StreamChunk{}, false
	}

	chunk.Content = sc.Generation
	if sc.StopReason != "" {
		chunk.FinishReason = string(finishreason.FromBedrockLlama(sc.StopReason))
	}
	return chunk, true
}
