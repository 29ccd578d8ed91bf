// Package claude implements the Anthropic Claude-on-Bedrock InvokeModel
// codec: the direct Anthropic Messages shape, but with a required
// anthropic_version and no model field (the model comes from the URL path).
// Non-streaming responses reuse the same envelope as the direct Anthropic
// API. Grounded on
// original_source/crates/llm/src/provider/bedrock/families/anthropic/{input,output}.rs.
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/finishreason"
)

const anthropicVersion = "bedrock-2023-05-31"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []chatMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
}

// BuildRequest concatenates every system message (newline-joined, matching
// the original) into a single system string and carries everything else
// through as messages. There is no model field: Bedrock takes the model ID
// from the invocation URL, not the request body.
func BuildRequest(req *providers.ProxyRequest) ([]byte, error) {
	var system strings.Builder
	var messages []chatMessage

	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		messages = append(messages, chatMessage{Role: strings.ToLower(m.Role), Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	r := request{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system.String(),
	}
	if req.Temperature > 0 {
		t := req.Temperature
		r.Temperature = &t
	}
	return json.Marshal(r)
}

type response struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseResponse decodes a non-streaming Claude-on-Bedrock response, which
// uses the same envelope as the direct Anthropic Messages API.
func ParseResponse(body []byte) (*providers.ProxyResponse, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("claude: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &providers.ProxyResponse{
		Content: text.String(),
		Usage:   providers.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}, nil
}

type streamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *usage `json:"usage"`
}

// ParseStreamChunk decodes one Anthropic SSE event from the Claude-on-Bedrock
// stream. content_block_delta carries text, message_delta carries the stop
// reason and final usage; every other event type (message_start,
// content_block_start/stop, message_stop, ping, error) is skipped, matching
// the original's event-type gating.
func ParseStreamChunk(line []byte) (chunk providers.StreamChunk, ok bool) {
	var sc streamChunk
	if err := json.Unmarshal(line, &sc); err != nil {
		return providers.StreamChunk{}, false
	}

	switch sc.Type {
	case "content_block_delta":
		if sc.Delta != nil && sc.Delta.Text != "" {
			chunk.Content = sc.Delta.Text
			ok = true
		}
	case "message_delta":
		if sc.Delta != nil && sc.Delta.StopReason != "" {
			chunk.FinishReason = string(finishreason.FromAnthropic(sc.Delta.StopReason))
			ok = true
		}
	}
	return chunk, ok
}
