package llmhandler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsociety/orchestrator/internal/contextbuilder"
	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/llmclient"
	"github.com/agentsociety/orchestrator/internal/orcherr"
	"github.com/agentsociety/orchestrator/internal/toolexecutor"
)

type fakeConv struct {
	turns  []domain.Turn
	system string
}

func (f *fakeConv) SetSystemPrompt(agentID, content string, contextLimit int) { f.system = content }
func (f *fakeConv) AppendUser(agentID, content string) {
	f.turns = append(f.turns, domain.Turn{Role: domain.RoleUser, Content: content})
}
func (f *fakeConv) AppendAssistant(agentID, content string, toolCalls []domain.ToolCall) {
	f.turns = append(f.turns, domain.Turn{Role: domain.RoleAssistant, Content: content, ToolCalls: toolCalls})
}
func (f *fakeConv) AppendToolResult(agentID, toolCallID, name, content string) {
	f.turns = append(f.turns, domain.Turn{Role: domain.RoleTool, Content: content, ToolCallID: toolCallID, Name: name})
}
func (f *fakeConv) GetMessages(agentID string) []domain.Turn { return f.turns }
func (f *fakeConv) GetStatus(agentID string) domain.ContextStatus {
	return domain.ContextStatus{EstimatedTokens: 10, Limit: 1000, Ratio: 0.01}
}

type fakeAgents struct {
	agent *domain.Agent
	role  *domain.Role
}

func (f *fakeAgents) GetAgent(id string) (*domain.Agent, error) { return f.agent, nil }
func (f *fakeAgents) GetRole(id string) (*domain.Role, error)   { return f.role, nil }

type fakeBriefs struct{ brief domain.TaskBrief }

func (f *fakeBriefs) Get(agentID string) (domain.TaskBrief, bool) { return f.brief, true }

type fakeContacts struct{}

func (fakeContacts) ContactsFor(agentID string) []contextbuilder.Contact { return nil }

type fakeStatus struct {
	transitions []domain.ComputeStatus
}

func (f *fakeStatus) SetStatus(agentID string, status domain.ComputeStatus) error {
	f.transitions = append(f.transitions, status)
	return nil
}
func (f *fakeStatus) BeginLLMCall(ctx context.Context, agentID string) context.Context { return ctx }
func (f *fakeStatus) EndLLMCall(agentID string)                                       {}

type fakeLLM struct {
	responses []llmclient.ChatResponse
	call      int
	err       error
	svcCfg    llmclient.ServiceConfig
}

func (f *fakeLLM) Chat(ctx context.Context, req llmclient.ChatRequest) (llmclient.ChatResponse, error) {
	if f.err != nil {
		return llmclient.ChatResponse{}, f.err
	}
	resp := f.responses[f.call]
	if f.call < len(f.responses)-1 {
		f.call++
	}
	return resp, nil
}
func (f *fakeLLM) Service(serviceID string) (llmclient.ServiceConfig, bool) { return f.svcCfg, true }

type fakeTools struct {
	dispatches []string
	result     any
}

func (f *fakeTools) Dispatch(ctx context.Context, callerID, name string, args json.RawMessage) (any, error) {
	f.dispatches = append(f.dispatches, name)
	return f.result, nil
}
func (f *fakeTools) Catalogue() []toolexecutor.Definition {
	return []toolexecutor.Definition{{Name: "get_org_structure", Description: "d", Schema: json.RawMessage(`{}`)}}
}

type fakeArtifacts struct{}

func (fakeArtifacts) Get(ref string) (*domain.ArtifactContent, error) {
	return &domain.ArtifactContent{Artifact: domain.Artifact{ID: ref}, Text: "hello"}, nil
}

type fakeBus struct {
	sentTo   string
	sentText string
}

func (f *fakeBus) Send(from, to string, payload domain.Payload, taskID string) (string, error) {
	f.sentTo = to
	f.sentText = payload.Text
	return "msg-1", nil
}

func TestHandleFinishesWithoutToolCalls(t *testing.T) {
	conv := &fakeConv{}
	agents := &fakeAgents{agent: &domain.Agent{ID: "a1", ParentAgentID: "root"}, role: &domain.Role{RolePrompt: "helper"}}
	status := &fakeStatus{}
	llm := &fakeLLM{responses: []llmclient.ChatResponse{{Message: llmclient.Message{Content: "done"}}}}
	tools := &fakeTools{}
	bus := &fakeBus{}

	h := New(Config{
		Conversations: conv, Agents: agents, Briefs: &fakeBriefs{}, Contacts: fakeContacts{},
		Status: status, LLM: llm, Tools: tools, Artifacts: fakeArtifacts{}, Bus: bus,
	})

	h.Handle(context.Background(), "a1", &domain.Message{Payload: domain.Payload{Text: "hi"}})

	require.Len(t, conv.turns, 2) // user, assistant
	assert.Equal(t, domain.RoleAssistant, conv.turns[1].Role)
	assert.Equal(t, "done", conv.turns[1].Content)
	assert.Empty(t, tools.dispatches)
	assert.Empty(t, bus.sentTo)
}

func TestHandleDispatchesToolCallThenFinishes(t *testing.T) {
	conv := &fakeConv{}
	agents := &fakeAgents{agent: &domain.Agent{ID: "a1", ParentAgentID: "root"}, role: &domain.Role{RolePrompt: "helper"}}
	status := &fakeStatus{}
	llm := &fakeLLM{responses: []llmclient.ChatResponse{
		{Message: llmclient.Message{ToolCalls: []llmclient.ToolCall{{ID: "call1", Name: "get_org_structure", Arguments: "{}"}}}},
		{Message: llmclient.Message{Content: "final answer"}},
	}}
	tools := &fakeTools{result: map[string]any{"ok": true}}
	bus := &fakeBus{}

	h := New(Config{
		Conversations: conv, Agents: agents, Briefs: &fakeBriefs{}, Contacts: fakeContacts{},
		Status: status, LLM: llm, Tools: tools, Artifacts: fakeArtifacts{}, Bus: bus,
	})

	h.Handle(context.Background(), "a1", &domain.Message{Payload: domain.Payload{Text: "run the tool"}})

	assert.Equal(t, []string{"get_org_structure"}, tools.dispatches)
	var sawToolResult, sawFinalAssistant bool
	for _, turn := range conv.turns {
		if turn.Role == domain.RoleTool && turn.ToolCallID == "call1" {
			sawToolResult = true
		}
		if turn.Role == domain.RoleAssistant && turn.Content == "final answer" {
			sawFinalAssistant = true
		}
	}
	assert.True(t, sawToolResult)
	assert.True(t, sawFinalAssistant)
}

func TestHandleNotifiesParentOnLLMFailure(t *testing.T) {
	conv := &fakeConv{}
	agents := &fakeAgents{agent: &domain.Agent{ID: "a1", ParentAgentID: "root"}, role: &domain.Role{}}
	status := &fakeStatus{}
	llm := &fakeLLM{err: orcherr.New(orcherr.CodeAPIError, "boom")}
	tools := &fakeTools{}
	bus := &fakeBus{}

	h := New(Config{
		Conversations: conv, Agents: agents, Briefs: &fakeBriefs{}, Contacts: fakeContacts{},
		Status: status, LLM: llm, Tools: tools, Artifacts: fakeArtifacts{}, Bus: bus,
	})

	h.Handle(context.Background(), "a1", &domain.Message{Payload: domain.Payload{Text: "hi"}})

	assert.Equal(t, "root", bus.sentTo)
	assert.Contains(t, bus.sentText, orcherr.CodeLLMCallFailed)
}

func TestHandleNotifiesParentWhenToolRoundsExceeded(t *testing.T) {
	conv := &fakeConv{}
	agents := &fakeAgents{agent: &domain.Agent{ID: "a1", ParentAgentID: "root"}, role: &domain.Role{}}
	status := &fakeStatus{}
	loopingCall := llmclient.ChatResponse{Message: llmclient.Message{ToolCalls: []llmclient.ToolCall{{ID: "c", Name: "get_org_structure", Arguments: "{}"}}}}
	llm := &fakeLLM{responses: []llmclient.ChatResponse{loopingCall}}
	tools := &fakeTools{result: map[string]any{"ok": true}}
	bus := &fakeBus{}

	h := New(Config{
		Conversations: conv, Agents: agents, Briefs: &fakeBriefs{}, Contacts: fakeContacts{},
		Status: status, LLM: llm, Tools: tools, Artifacts: fakeArtifacts{}, Bus: bus,
		MaxToolRounds: 2,
	})

	h.Handle(context.Background(), "a1", &domain.Message{Payload: domain.Payload{Text: "loop forever"}})

	assert.Equal(t, "root", bus.sentTo)
	assert.Contains(t, bus.sentText, orcherr.CodeMaxToolRoundsExceeded)
	assert.Len(t, tools.dispatches, 2)
}
