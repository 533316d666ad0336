// Package llmclient implements the LlmClient component: an OpenAI-style
// chat-completion caller with a global concurrency cap, per-service rate
// limiting, exponential-backoff retry, and cancellable in-flight calls.
// The wire conversion (messages/tools -> openai.ChatCompletionRequest) is
// grounded on the teacher's OpenAIProvider
// (internal/agent/providers/openai.go), adapted from streaming to a single
// synchronous call per the runtime specification's chat() contract; retry
// is grounded on internal/backoff (ComputeBackoff/RetryWithBackoff) rather
// than the teacher's ad hoc linear sleep loop.
package llmclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/agentsociety/orchestrator/internal/backoff"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// Capability is an input modality an LLM service declares supporting.
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "vision"
	CapabilityAudio Capability = "audio"
	CapabilityFile  Capability = "file"
	CapabilityVideo Capability = "video"
)

// ServiceConfig describes one configured backend chat-completion service.
type ServiceConfig struct {
	ID           string
	BaseURL      string
	Model        string
	APIKey       string
	Capabilities map[Capability]bool
	ContextSize  int
	// RateLimitPerSecond bounds requests/sec to this service's backend,
	// distinct from the client-wide concurrency semaphore.
	RateLimitPerSecond float64
}

// Tool is the minimal shape ToolExecutor exposes to LlmClient for one
// catalogue entry; Schema is raw JSON Schema bytes.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Message is one entry of the conversation being sent. Parts, when
// non-empty, carries multi-modal content (text plus image/file parts) and
// takes precedence over Content; Content alone covers the common
// text-only case.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ContentPartType mirrors contentrouter.PartType without importing that
// package, which would otherwise cycle back through llmclient.
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
)

// ContentPart is one routed piece of a multi-modal message.
type ContentPart struct {
	Type     ContentPartType
	Text     string
	ImageURL string // data:<mime>;base64,<payload>
}

// ToolCall is the wire-level tool call; it has the same field shape as
// domain.ToolCall.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ChatRequest is the LlmClient.Chat contract's input.
type ChatRequest struct {
	ServiceID  string
	Messages   []Message
	Tools      []Tool
	ToolChoice string
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the LlmClient.Chat contract's output.
type ChatResponse struct {
	Message      Message
	Usage        Usage
	FinishReason string
}

// Event is published for retry/failure observability, matching the
// runtime specification's "emits retry events and final-failure events".
type Event struct {
	ServiceID string
	Attempt   int
	Err       error
	Final     bool
}

// Client is the LlmClient implementation.
type Client struct {
	mu       sync.RWMutex
	services map[string]ServiceConfig
	clients  map[string]*openai.Client
	limiters map[string]*rate.Limiter

	sem         chan struct{}
	maxAttempts int
	policy      backoff.BackoffPolicy
	perAttempt  time.Duration

	logger *slog.Logger
	events chan Event
}

// Option configures a Client at construction.
type Option func(*Client)

func WithConcurrency(n int) Option { return func(c *Client) { c.sem = make(chan struct{}, n) } }
func WithMaxAttempts(n int) Option { return func(c *Client) { c.maxAttempts = n } }
func WithPerAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.perAttempt = d }
}
func WithEventsChannel(ch chan Event) Option { return func(c *Client) { c.events = ch } }

// New creates a Client with no configured services; RegisterService adds
// them.
func New(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		services:    make(map[string]ServiceConfig),
		clients:     make(map[string]*openai.Client),
		limiters:    make(map[string]*rate.Limiter),
		sem:         make(chan struct{}, 4),
		maxAttempts: 3,
		policy:      backoff.DefaultPolicy(),
		perAttempt:  60 * time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterService configures serviceId's backend.
func (c *Client) RegisterService(cfg ServiceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[cfg.ID] = cfg

	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	c.clients[cfg.ID] = openai.NewClientWithConfig(oaiCfg)

	if cfg.RateLimitPerSecond > 0 {
		c.limiters[cfg.ID] = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}
}

// Service returns the registered configuration for serviceId.
func (c *Client) Service(serviceID string) (ServiceConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.services[serviceID]
	return cfg, ok
}

func (c *Client) emit(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("llm event channel full, dropping event", "serviceId", ev.ServiceID)
	}
}

// Chat performs one chat-completion call, enforcing the global concurrency
// cap (FIFO via buffered-channel semaphore) and retrying transient
// failures with exponential backoff. Context cancellation is honored both
// while waiting for the semaphore and mid-flight.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	c.mu.RLock()
	cfg, ok := c.services[req.ServiceID]
	client := c.clients[req.ServiceID]
	limiter := c.limiters[req.ServiceID]
	c.mu.RUnlock()
	if !ok {
		return ChatResponse{}, orcherr.New(orcherr.CodeAPIError, "unknown llm service: "+req.ServiceID)
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ChatResponse{}, orcherr.Wrap(orcherr.CodeLLMCallAborted, "aborted waiting for concurrency slot", ctx.Err())
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return ChatResponse{}, orcherr.Wrap(orcherr.CodeLLMCallAborted, "aborted waiting for rate limit", err)
		}
	}

	chatReq := toOpenAIRequest(cfg, req)

	var lastErr *orcherr.Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ChatResponse{}, orcherr.Wrap(orcherr.CodeLLMCallAborted, "context cancelled", ctx.Err())
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.perAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.perAttempt)
		}
		resp, callErr := client.CreateChatCompletion(attemptCtx, chatReq)
		if cancel != nil {
			cancel()
		}
		if callErr == nil {
			return fromOpenAIResponse(resp), nil
		}

		wrapped := classifyError(callErr)
		lastErr = wrapped
		if attempt > 1 {
			c.emit(Event{ServiceID: req.ServiceID, Attempt: attempt, Err: wrapped})
		}
		if !isRetryable(ctx, wrapped) || attempt == c.maxAttempts {
			break
		}
		if err := backoff.SleepWithBackoff(ctx, c.policy, attempt); err != nil {
			lastErr = orcherr.Wrap(orcherr.CodeLLMCallAborted, "aborted during retry backoff", err)
			break
		}
	}

	c.emit(Event{ServiceID: req.ServiceID, Err: lastErr, Final: true})
	return ChatResponse{}, lastErr
}

func isRetryable(ctx context.Context, err *orcherr.Error) bool {
	if ctx.Err() != nil {
		return false
	}
	return err.Retryable()
}

func classifyError(err error) *orcherr.Error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "context canceled"), strings.Contains(lower, "context deadline exceeded"):
		return orcherr.Wrap(orcherr.CodeLLMCallAborted, msg, err)
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "500"), strings.Contains(lower, "502"),
		strings.Contains(lower, "503"), strings.Contains(lower, "504"),
		strings.Contains(lower, "timeout"):
		return orcherr.Wrap(orcherr.CodeNetworkError, msg, err)
	default:
		return orcherr.Wrap(orcherr.CodeAPIError, msg, err)
	}
}

func toOpenAIRequest(cfg ServiceConfig, req ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openai.ChatCompletionMessage{Role: m.Role, Name: m.Name, ToolCallID: m.ToolCallID}
		if len(m.Parts) > 0 {
			oaiMsg.MultiContent = make([]openai.ChatMessagePart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case ContentPartImageURL:
					oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
					})
				default:
					oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				}
			}
		} else {
			oaiMsg.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		messages = append(messages, oaiMsg)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			var schemaMap map[string]any
			if err := json.Unmarshal(t.Schema, &schemaMap); err != nil {
				schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			chatReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaMap,
				},
			}
		}
	}
	if req.ToolChoice != "" {
		chatReq.ToolChoice = req.ToolChoice
	}
	return chatReq
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) ChatResponse {
	if len(resp.Choices) == 0 {
		return ChatResponse{}
	}
	choice := resp.Choices[0]
	out := ChatResponse{
		Message: Message{
			Role:    choice.Message.Role,
			Content: choice.Message.Content,
		},
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
