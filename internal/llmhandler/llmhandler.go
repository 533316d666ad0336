// Package llmhandler implements the LlmHandler component: the per-message
// tool-calling loop — append the inbound message, build the system prompt,
// call LlmClient, dispatch any tool calls, and iterate until the assistant
// stops calling tools or the round budget is exhausted. Directly grounded
// on the teacher's AgenticLoop.Run state machine
// (internal/agent/loop.go, Init -> Stream -> ExecuteTools -> Continue ->
// Complete), adapted from session/branch storage to this runtime's
// bus+conversation+org model.
package llmhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsociety/orchestrator/internal/contentrouter"
	"github.com/agentsociety/orchestrator/internal/contextbuilder"
	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/llmclient"
	"github.com/agentsociety/orchestrator/internal/orcherr"
	"github.com/agentsociety/orchestrator/internal/toolexecutor"
)

// ConversationStore is the slice of ConversationManager LlmHandler drives.
type ConversationStore interface {
	SetSystemPrompt(agentID, content string, contextLimit int)
	AppendUser(agentID, content string)
	AppendAssistant(agentID, content string, toolCalls []domain.ToolCall)
	AppendToolResult(agentID, toolCallID, name, content string)
	GetMessages(agentID string) []domain.Turn
	GetStatus(agentID string) domain.ContextStatus
}

// AgentRoleStore is the slice of OrgPrimitives LlmHandler needs to resolve
// an agent's role and its preferred LLM service.
type AgentRoleStore interface {
	GetAgent(id string) (*domain.Agent, error)
	GetRole(id string) (*domain.Role, error)
}

// TaskBriefStore is the slice of AgentManager's brief bookkeeping LlmHandler
// reads to include in the system prompt.
type TaskBriefStore interface {
	Get(agentID string) (domain.TaskBrief, bool)
}

// ContactProvider supplies the peer contact list shown in the system
// prompt.
type ContactProvider interface {
	ContactsFor(agentID string) []contextbuilder.Contact
}

// StatusController is the slice of AgentManager LlmHandler uses to reflect
// the processing/waiting_llm transitions around each LLM call, and to make
// the call cancellable via BeginLLMCall/EndLLMCall.
type StatusController interface {
	SetStatus(agentID string, status domain.ComputeStatus) error
	BeginLLMCall(ctx context.Context, agentID string) context.Context
	EndLLMCall(agentID string)
}

// LLM is the slice of LlmClient LlmHandler calls.
type LLM interface {
	Chat(ctx context.Context, req llmclient.ChatRequest) (llmclient.ChatResponse, error)
	Service(serviceID string) (llmclient.ServiceConfig, bool)
}

// Tools is the slice of ToolExecutor LlmHandler dispatches through.
type Tools interface {
	Dispatch(ctx context.Context, callerID, name string, args json.RawMessage) (any, error)
	Catalogue() []toolexecutor.Definition
}

// ArtifactFetcher is the slice of ArtifactStore needed to resolve an
// attachment into routable content.
type ArtifactFetcher interface {
	Get(ref string) (*domain.ArtifactContent, error)
}

// Notifier is the slice of MessageBus used to surface an unrecoverable
// failure to the agent's parent.
type Notifier interface {
	Send(from, to string, payload domain.Payload, taskID string) (string, error)
}

// Config bundles Handler's collaborators and tunables.
type Config struct {
	Conversations    ConversationStore
	Agents           AgentRoleStore
	Briefs           TaskBriefStore
	Contacts         ContactProvider
	Status           StatusController
	LLM              LLM
	Tools            Tools
	Artifacts        ArtifactFetcher
	Bus              Notifier
	DefaultServiceID string
	MaxToolRounds    int
	Logger           *slog.Logger
}

const defaultMaxToolRounds = 8

// Handler is the LlmHandler implementation; it satisfies
// scheduler.Handler.
type Handler struct {
	conv          ConversationStore
	agents        AgentRoleStore
	briefs        TaskBriefStore
	contacts      ContactProvider
	status        StatusController
	llm           LLM
	tools         Tools
	artifacts     ArtifactFetcher
	bus           Notifier
	defaultSvc    string
	maxToolRounds int
	logger        *slog.Logger
}

// New creates a Handler wired to cfg's collaborators.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	return &Handler{
		conv: cfg.Conversations, agents: cfg.Agents, briefs: cfg.Briefs,
		contacts: cfg.Contacts, status: cfg.Status, llm: cfg.LLM, tools: cfg.Tools,
		artifacts: cfg.Artifacts, bus: cfg.Bus, defaultSvc: cfg.DefaultServiceID,
		maxToolRounds: maxRounds, logger: logger,
	}
}

// Handle processes exactly one inbound message for agentID: it builds the
// system prompt, then calls the LLM and dispatches tool calls in a loop
// until the assistant stops requesting tools or the round budget is spent.
func (h *Handler) Handle(ctx context.Context, agentID string, msg *domain.Message) {
	agent, err := h.agents.GetAgent(agentID)
	if err != nil {
		h.logger.Error("handle called for unknown agent", "agentId", agentID, "error", err)
		return
	}
	role, _ := h.agents.GetRole(agent.RoleID)

	serviceID := h.defaultSvc
	if role != nil && role.PreferredLLMSvc != "" {
		serviceID = role.PreferredLLMSvc
	}
	svcCfg, _ := h.llm.Service(serviceID)

	h.conv.AppendUser(agentID, msg.Payload.Text)

	systemPrompt := h.buildSystemPrompt(agent, role, agentID)
	h.conv.SetSystemPrompt(agentID, systemPrompt, svcCfg.ContextSize)

	firstTurnParts := h.resolveAttachments(agentID, msg.Payload.Attachments, svcCfg.Capabilities)
	toolDefs := toLLMTools(h.tools.Catalogue())

	roundsUsed := 0
	firstRound := true
	for {
		llmCtx := h.status.BeginLLMCall(ctx, agentID)
		_ = h.status.SetStatus(agentID, domain.ComputeWaitingLLM)

		messages := h.toLLMMessages(agentID)
		if firstRound && len(firstTurnParts) > 0 && len(messages) > 0 {
			messages[len(messages)-1].Parts = firstTurnParts
			messages[len(messages)-1].Content = ""
		}
		firstRound = false

		resp, err := h.llm.Chat(llmCtx, llmclient.ChatRequest{ServiceID: serviceID, Messages: messages, Tools: toolDefs})
		h.status.EndLLMCall(agentID)
		_ = h.status.SetStatus(agentID, domain.ComputeProcessing)

		if err != nil {
			h.notifyParent(agentID, orcherr.CodeLLMCallFailed, err.Error())
			return
		}

		if len(resp.Message.ToolCalls) == 0 {
			h.conv.AppendAssistant(agentID, resp.Message.Content, nil)
			return
		}

		domainCalls := toDomainToolCalls(resp.Message.ToolCalls)
		h.conv.AppendAssistant(agentID, resp.Message.Content, domainCalls)

		for _, tc := range domainCalls {
			if ctx.Err() != nil {
				return // stopping: leave history consistent, abort further dispatch
			}
			result, _ := h.tools.Dispatch(ctx, agentID, tc.Name, json.RawMessage(tc.Arguments))
			resultJSON, merr := json.Marshal(result)
			if merr != nil {
				resultJSON = []byte(fmt.Sprintf("{\"error\":%q}", merr.Error()))
			}
			h.conv.AppendToolResult(agentID, tc.ID, tc.Name, string(resultJSON))
		}

		roundsUsed++
		if roundsUsed >= h.maxToolRounds {
			h.notifyParent(agentID, orcherr.CodeMaxToolRoundsExceeded, fmt.Sprintf("agent %s exceeded %d tool-call rounds", agentID, h.maxToolRounds))
			return
		}
	}
}

func (h *Handler) buildSystemPrompt(agent *domain.Agent, role *domain.Role, agentID string) string {
	var brief *domain.TaskBrief
	if h.briefs != nil {
		if b, ok := h.briefs.Get(agentID); ok {
			brief = &b
		}
	}
	var contacts []contextbuilder.Contact
	if h.contacts != nil {
		contacts = h.contacts.ContactsFor(agentID)
	}
	var orgPrompt string
	if role != nil {
		orgPrompt = role.OrgPrompt
	}
	return contextbuilder.Build(contextbuilder.Input{
		Agent: agent, Role: role, OrgPrompt: orgPrompt, TaskBrief: brief,
		Contacts: contacts, ContextStatus: h.conv.GetStatus(agentID), Now: time.Now(),
	})
}

// resolveAttachments routes each attachment through ContentRouter, given
// the target service's declared capabilities, producing the parts a
// multi-modal chat message carries for this one call.
func (h *Handler) resolveAttachments(agentID string, attachments []domain.Attachment, caps map[llmclient.Capability]bool) []llmclient.ContentPart {
	if len(attachments) == 0 || h.artifacts == nil {
		return nil
	}
	var parts []llmclient.ContentPart
	for _, att := range attachments {
		art, err := h.artifacts.Get(att.ArtifactRef)
		if err != nil {
			parts = append(parts, llmclient.ContentPart{Type: llmclient.ContentPartText, Text: fmt.Sprintf("[Cannot read] %s (%s)", att.Filename, att.ArtifactRef)})
			continue
		}
		routed := contentrouter.Route(art, att.ArtifactRef, att.Filename, caps)
		switch routed.Type {
		case contentrouter.PartImageURL:
			parts = append(parts, llmclient.ContentPart{Type: llmclient.ContentPartImageURL, ImageURL: routed.ImageURL})
		default:
			parts = append(parts, llmclient.ContentPart{Type: llmclient.ContentPartText, Text: routed.Text})
		}
	}
	return parts
}

func (h *Handler) toLLMMessages(agentID string) []llmclient.Message {
	turns := h.conv.GetMessages(agentID)
	out := make([]llmclient.Message, 0, len(turns))
	for _, t := range turns {
		m := llmclient.Message{Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID, Name: t.Name}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llmclient.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, m)
	}
	return out
}

func toDomainToolCalls(calls []llmclient.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, domain.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

func toLLMTools(defs []toolexecutor.Definition) []llmclient.Tool {
	out := make([]llmclient.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llmclient.Tool{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}
	return out
}

func (h *Handler) notifyParent(agentID, code, message string) {
	agent, err := h.agents.GetAgent(agentID)
	if err != nil || agent.ParentAgentID == "" || h.bus == nil {
		h.logger.Warn("unrecoverable llm handler failure with no parent to notify", "agentId", agentID, "code", code, "message", message)
		return
	}
	_, sendErr := h.bus.Send(agentID, agent.ParentAgentID, domain.Payload{
		Text: fmt.Sprintf("[%s] %s", code, message),
	}, "")
	if sendErr != nil {
		h.logger.Error("failed to notify parent of handler failure", "agentId", agentID, "parentId", agent.ParentAgentID, "error", sendErr)
	}
}
