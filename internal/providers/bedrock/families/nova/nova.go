// Package nova implements the Amazon Nova InvokeModel codec for Bedrock:
// Nova's modern "messages-v1" schema, distinct from both the legacy Titan
// text-concatenation format and the Converse API. Grounded on
// original_source/crates/llm/src/provider/bedrock/families/amazon/nova/input.rs;
// original_source carries no corresponding output.rs, so the response shape
// follows AWS's documented Nova InvokeModel response (see DESIGN.md).
package nova

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/finishreason"
)

const schemaVersion = "messages-v1"

type request struct {
	SchemaVersion   string          `json:"schemaVersion"`
	Messages        []message       `json:"messages"`
	System          []systemMessage `json:"system,omitempty"`
	InferenceConfig inferenceConfig `json:"inferenceConfig"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Text string `json:"text"`
}

type systemMessage struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// BuildRequest splits system messages into Nova's separate "system" array
// and maps every other role to user/assistant messages, defaulting unknown
// roles to user (mirroring the original's role-mapping fallback).
func BuildRequest(req *providers.ProxyRequest) ([]byte, error) {
	var messages []message
	var systemMessages []systemMessage

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			systemMessages = append(systemMessages, systemMessage{Text: m.Content})
		case "assistant":
			messages = append(messages, message{Role: "assistant", Content: []content{{Text: m.Content}}})
		default:
			messages = append(messages, message{Role: "user", Content: []content{{Text: m.Content}}})
		}
	}

	if len(messages) == 0 && len(systemMessages) > 0 {
		messages = append(messages, message{
			Role:    "user",
			Content: []content{{Text: "Please respond according to the system instructions."}},
		})
	}

	r := request{
		SchemaVersion: schemaVersion,
		Messages:      messages,
		System:        systemMessages,
	}
	if req.MaxTokens > 0 {
		r.InferenceConfig.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		r.InferenceConfig.Temperature = &req.Temperature
	}
	return json.Marshal(r)
}

type response struct {
	Output     output `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      usage  `json:"usage"`
}

type output struct {
	Message outputMessage `json:"message"`
}

type outputMessage struct {
	Content []content `json:"content"`
}

type usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ParseResponse decodes a non-streaming Nova InvokeModel response.
func ParseResponse(body []byte) (*providers.ProxyResponse, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("nova: decode response: %w", err)
	}

	text := ""
	if len(r.Output.Message.Content) > 0 {
		text = r.Output.Message.Content[0].Text
	}

	return &providers.ProxyResponse{
		Content: text,
		Usage:   providers.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}, nil
}

type streamChunk struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

// ParseStreamChunk follows the Converse-stream line framing the teacher's
// Bedrock provider already assumes, since Nova's streaming event shape is
// the same contentBlockDelta/messageStop envelope Converse uses.
func ParseStreamChunk(line []byte) (chunk providers.StreamChunk, ok bool) {
	var sc streamChunk
	if err := json.Unmarshal(line, &sc); err != nil {
		return providers.StreamChunk{}, false
	}

	if sc.ContentBlockDelta != nil && sc.ContentBlockDelta.Delta.Text != "" {
		chunk.Content = sc.ContentBlockDelta.Delta.Text
		ok = true
	}
	if sc.MessageStop != nil {
		chunk.FinishReason = string(finishreason.FromBedrockNova(sc.MessageStop.StopReason))
		ok = true
	}
	return chunk, ok
}
