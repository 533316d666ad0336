package llmclient

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestToOpenAIRequestIncludesToolsAndMessages(t *testing.T) {
	cfg := ServiceConfig{ID: "svc-1", Model: "gpt-4o"}
	req := ChatRequest{
		ServiceID: "svc-1",
		Messages: []Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hello"},
		},
		Tools: []Tool{
			{Name: "put_artifact", Description: "store an artifact", Schema: json.RawMessage(`{"type":"object","properties":{}}`)},
		},
	}

	out := toOpenAIRequest(cfg, req)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.Len(t, out.Messages, 2)
	assert.Len(t, out.Tools, 1)
	assert.Equal(t, "put_artifact", out.Tools[0].Function.Name)
}

func TestFromOpenAIResponseExtractsToolCalls(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: openai.FinishReasonToolCalls,
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{
						{ID: "tc-1", Function: openai.FunctionCall{Name: "get_artifact", Arguments: `{"ref":"artifact:1"}`}},
					},
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out := fromOpenAIResponse(resp)
	assert.Equal(t, "tool_calls", out.FinishReason)
	assert.Len(t, out.Message.ToolCalls, 1)
	assert.Equal(t, "get_artifact", out.Message.ToolCalls[0].Name)
	assert.Equal(t, 15, out.Usage.TotalTokens)
}

func TestClassifyErrorCategorizesRetryable(t *testing.T) {
	assert.True(t, classifyError(assertError("429 rate limit exceeded")).Retryable())
	assert.True(t, classifyError(assertError("503 service unavailable")).Retryable())
	assert.False(t, classifyError(assertError("401 unauthorized")).Retryable())
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertError(msg string) error { return simpleErr(msg) }

func TestRegisterServiceAndLookup(t *testing.T) {
	c := New(nil)
	c.RegisterService(ServiceConfig{ID: "svc-1", Model: "gpt-4o", Capabilities: map[Capability]bool{CapabilityText: true}})

	cfg, ok := c.Service("svc-1")
	assert.True(t, ok)
	assert.True(t, cfg.Capabilities[CapabilityText])

	_, ok = c.Service("missing")
	assert.False(t, ok)
}
