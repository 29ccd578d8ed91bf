// Package cohere implements the Cohere Command-R InvokeModel codec for
// Bedrock: a chat-history based format distinct from the Converse API.
// Grounded on
// original_source/crates/llm/src/provider/bedrock/families/cohere/{input,output}.rs.
package cohere

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/finishreason"
)

type chatHistoryEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type request struct {
	Message       string             `json:"message"`
	ChatHistory   []chatHistoryEntry `json:"chat_history,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	P             *float64           `json:"p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// BuildRequest takes the last user message as the current "message" and
// turns every message before it into chat_history, mapping system/user to
// USER and assistant to CHATBOT. If no user message is present, the final
// message (of any role) becomes the current message, matching the original.
func BuildRequest(req *providers.ProxyRequest) ([]byte, error) {
	var message string
	var history []chatHistoryEntry

	splitIdx := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			splitIdx = i
			break
		}
	}

	if splitIdx >= 0 {
		message = req.Messages[splitIdx].Content
		for _, m := range req.Messages[:splitIdx] {
			history = append(history, chatHistoryEntry{Role: cohereRole(m.Role), Message: m.Content})
		}
	} else if len(req.Messages) > 0 {
		message = req.Messages[len(req.Messages)-1].Content
	}

	r := request{Message: message, ChatHistory: history, MaxTokens: req.MaxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		r.Temperature = &t
	}
	return json.Marshal(r)
}

func cohereRole(role string) string {
	switch strings.ToLower(role) {
	case "assistant":
		return "CHATBOT"
	case "system", "user":
		return "USER"
	default:
		return strings.ToUpper(role)
	}
}

type response struct {
	ResponseID   string `json:"response_id"`
	Text         string `json:"text"`
	GenerationID string `json:"generation_id"`
	FinishReason string `json:"finish_reason"`
	Meta         *meta  `json:"meta,omitempty"`
}

type meta struct {
	BilledUnits *billedUnits `json:"billed_units,omitempty"`
}

type billedUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseResponse decodes a non-streaming Cohere Command-R InvokeModel
// response. Usage is absent from the payload entirely when meta/billed_units
// is omitted, so it is left at zero rather than treated as an error.
func ParseResponse(body []byte) (*providers.ProxyResponse, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	resp := &providers.ProxyResponse{ID: r.ResponseID, Content: r.Text}
	if r.Meta != nil && r.Meta.BilledUnits != nil {
		resp.Usage = providers.Usage{
			InputTokens:  r.Meta.BilledUnits.InputTokens,
			OutputTokens: r.Meta.BilledUnits.OutputTokens,
		}
	}
	return resp, nil
}

type streamChunk struct {
	Text         string `json:"text"`
	IsFinished   bool   `json:"is_finished"`
	FinishReason string `json:"finish_reason"`
}

// ParseStreamChunk decodes one line of Cohere's streamed InvokeModel
// response. The finish reason is only meaningful once is_finished is true,
// matching the original's gating.
func ParseStreamChunk(line []byte) (chunk providers.StreamChunk, ok bool) {
	var sc streamChunk
	if err := json.Unmarshal(line, &sc); err != nil {
		return providers.StreamChunk{}, false
	}

	if sc.Text != "" {
		chunk.Content = sc.Text
		ok = true
	}
	if sc.IsFinished && sc.FinishReason != "" {
		chunk.FinishReason = string(finishreason.FromBedrockCohere(sc.FinishReason))
		ok = true
	}
	return chunk, ok
}
