// Package titan implements the legacy Amazon Titan InvokeModel codec for
// Bedrock: a single concatenated, role-prefixed text prompt rather than the
// Converse API's structured messages. Grounded on
// original_source/crates/llm/src/provider/bedrock/families/amazon/titan/{input,output}.rs.
package titan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/finishreason"
)

type request struct {
	InputText            string               `json:"inputText"`
	TextGenerationConfig textGenerationConfig `json:"textGenerationConfig"`
}

type textGenerationConfig struct {
	MaxTokenCount int       `json:"maxTokenCount"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// BuildRequest concatenates the conversation into a single prompt with
// "System:"/"User:"/"Assistant:" prefixes, ending with "Assistant: " so the
// model knows to continue from there.
func BuildRequest(req *providers.ProxyRequest) ([]byte, error) {
	var sb strings.Builder
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			sb.WriteString("System: " + m.Content + "\n")
		case "assistant":
			sb.WriteString("Assistant: " + m.Content + "\n")
		default:
			sb.WriteString("User: " + m.Content + "\n")
		}
	}
	sb.WriteString("Assistant: ")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	r := request{
		InputText:            sb.String(),
		TextGenerationConfig: textGenerationConfig{MaxTokenCount: maxTokens},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		r.TextGenerationConfig.Temperature = &t
	}
	return json.Marshal(r)
}

type response struct {
	InputTextTokenCount int      `json:"inputTextTokenCount"`
	Results             []result `json:"results"`
}

type result struct {
	TokenCount       int    `json:"tokenCount"`
	OutputText       string `json:"outputText"`
	CompletionReason string `json:"completionReason"`
}

// ParseResponse decodes a non-streaming Titan InvokeModel response. Titan's
// API shape allows multiple results but current models only ever return one.
func ParseResponse(body []byte) (*providers.ProxyResponse, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("titan: decode response: %w", err)
	}
	if len(r.Results) == 0 {
		return nil, fmt.Errorf("titan: no results in response")
	}
	first := r.Results[0]

	return &providers.ProxyResponse{
		Content: first.OutputText,
		Usage:   providers.Usage{InputTokens: r.InputTextTokenCount, OutputTokens: first.TokenCount},
	}, nil
}

type streamChunk struct {
	OutputText       string `json:"outputText"`
	CompletionReason string `json:"completionReason"`
}

// ParseStreamChunk decodes one line of Titan's streamed InvokeModel
// response, following the same newline-delimited JSON framing the
// Converse streaming path already assumes. ok is false for lines carrying
// neither text nor a completion reason.
func ParseStreamChunk(line []byte) (chunk providers.StreamChunk, ok bool) {
	var sc streamChunk
	if err := json.Unmarshal(line, &sc); err != nil {
		return providers.StreamChunk{}, false
	}
	if sc.OutputText == "" && sc.CompletionReason == "" {
		return providers.StreamChunk{}, false
	}

	chunk.Content = sc.OutputText
	if sc.CompletionReason != "" {
		chunk.FinishReason = string(finishreason.FromBedrockTitan(sc.CompletionReason))
	}
	return chunk, true
}
