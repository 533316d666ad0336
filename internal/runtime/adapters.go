package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/orchestrator/internal/agentmanager"
	"github.com/agentsociety/orchestrator/internal/artifacts"
	"github.com/agentsociety/orchestrator/internal/bus"
	"github.com/agentsociety/orchestrator/internal/contentrouter"
	"github.com/agentsociety/orchestrator/internal/contextbuilder"
	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/llmclient"
	"github.com/agentsociety/orchestrator/internal/org"
	"github.com/agentsociety/orchestrator/internal/toolexecutor"
)

// busSender adapts *bus.Bus's SendInput-shaped Send to the narrow
// Send(from, to, payload, taskID) signature that AgentManager, LlmHandler,
// and ToolExecutor each declare for their own slice of MessageBus.
type busSender struct {
	b *bus.Bus
}

func (s busSender) Send(from, to string, payload domain.Payload, taskID string) (string, error) {
	return s.b.Send(bus.SendInput{From: from, To: to, Payload: payload, TaskID: taskID})
}

// contactProvider adapts OrgPrimitives into LlmHandler's ContactProvider:
// an agent's contacts are its parent and its direct children, the org
// relations it was actually introduced to at spawn time.
type contactProvider struct {
	org *org.Store
}

func (p contactProvider) ContactsFor(agentID string) []contextbuilder.Contact {
	agent, err := p.org.GetAgent(agentID)
	if err != nil {
		return nil
	}
	var contacts []contextbuilder.Contact
	if agent.ParentAgentID != "" {
		if c, ok := p.contactOf(agent.ParentAgentID); ok {
			contacts = append(contacts, c)
		}
	}
	for _, child := range p.org.GetChildrenOf(agentID) {
		if c, ok := p.contactOf(child.ID); ok {
			contacts = append(contacts, c)
		}
	}
	return contacts
}

func (p contactProvider) contactOf(agentID string) (contextbuilder.Contact, bool) {
	if agentID == domain.AgentIDUser {
		return contextbuilder.Contact{ID: domain.AgentIDUser, Name: "User", Role: "user"}, true
	}
	agent, err := p.org.GetAgent(agentID)
	if err != nil {
		return contextbuilder.Contact{}, false
	}
	name := agent.CustomName
	roleName := ""
	if role, err := p.org.GetRole(agent.RoleID); err == nil {
		roleName = role.Name
		if name == "" {
			name = role.Name
		}
	}
	if name == "" {
		name = agent.ID
	}
	return contextbuilder.Contact{ID: agent.ID, Name: name, Role: roleName}, true
}

// contentRouterFn builds a toolexecutor.ContentRouterFn that resolves an
// artifact reference, looks up the caller's configured LLM service
// capabilities, and routes it via contentrouter.Route.
func contentRouterFn(artifactStore *artifacts.Store, orgStore *org.Store, llm *llmclient.Client, defaultServiceID string) toolexecutor.ContentRouterFn {
	return func(agentID, ref string) (any, error) {
		content, err := artifactStore.Get(ref)
		if err != nil {
			return nil, err
		}

		serviceID := defaultServiceID
		if agent, err := orgStore.GetAgent(agentID); err == nil {
			if role, err := orgStore.GetRole(agent.RoleID); err == nil && role.PreferredLLMSvc != "" {
				serviceID = role.PreferredLLMSvc
			}
		}
		caps := map[llmclient.Capability]bool{}
		if svc, ok := llm.Service(serviceID); ok {
			caps = svc.Capabilities
		}

		part := contentrouter.Route(content, ref, "", caps)
		return part, nil
	}
}

// instrumentedTools wraps toolexecutor.Executor to time each dispatch and
// publish EventToolDispatch plus the matching Prometheus observation,
// satisfying llmhandler.Tools unchanged.
type instrumentedTools struct {
	exec    *toolexecutor.Executor
	stream  *Stream
	metrics *Metrics
}

func (t instrumentedTools) Catalogue() []toolexecutor.Definition { return t.exec.Catalogue() }

func (t instrumentedTools) Dispatch(ctx context.Context, callerID, name string, args json.RawMessage) (any, error) {
	start := time.Now()
	result, err := t.exec.Dispatch(ctx, callerID, name, args)
	elapsed := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	if t.metrics != nil {
		t.metrics.RecordToolDispatch(name, status, elapsed)
	}
	if t.stream != nil {
		t.stream.Publish(EventToolDispatch, callerID, map[string]any{
			"tool":   name,
			"status": status,
		}, err)
	}
	return result, err
}

// instrumentedStatus wraps agentmanager.Manager's status surface for
// scheduler.ComputeStatusSetter, publishing EventAgentStatus on every
// transition so the stream reflects the same idle/processing/waiting_llm
// changes the scheduler and LlmHandler drive.
type instrumentedStatus struct {
	mgr    *agentmanager.Manager
	stream *Stream
}

func (s instrumentedStatus) SetStatus(agentID string, status domain.ComputeStatus) error {
	if err := s.mgr.SetStatus(agentID, status); err != nil {
		return err
	}
	if s.stream != nil {
		s.stream.Publish(EventAgentStatus, agentID, map[string]any{"status": string(status)}, nil)
	}
	return nil
}

func (s instrumentedStatus) GetStatus(agentID string) (domain.ComputeStatus, error) {
	return s.mgr.GetStatus(agentID)
}

func (s instrumentedStatus) BeginLLMCall(ctx context.Context, agentID string) context.Context {
	return s.mgr.BeginLLMCall(ctx, agentID)
}

func (s instrumentedStatus) EndLLMCall(agentID string) { s.mgr.EndLLMCall(agentID) }

// instrumentedLifecycle wraps agentmanager.Manager's Spawn/Terminate for
// toolexecutor.AgentLifecycle, recording the termination cascade's final
// size on both the stream and Prometheus.
type instrumentedLifecycle struct {
	mgr     *agentmanager.Manager
	stream  *Stream
	metrics *Metrics
}

func (l instrumentedLifecycle) Spawn(ctx context.Context, parentID, roleID, customName string, brief domain.TaskBrief, initialMessage string) (*domain.Agent, error) {
	return l.mgr.Spawn(ctx, parentID, roleID, customName, brief, initialMessage)
}

func (l instrumentedLifecycle) IsDescendant(ancestorID, targetID string) bool {
	return l.mgr.IsDescendant(ancestorID, targetID)
}

func (l instrumentedLifecycle) Terminate(ctx context.Context, requesterID, targetID, reason string) (domain.TerminationSummary, error) {
	summary, err := l.mgr.Terminate(ctx, requesterID, targetID, reason)
	if err == nil {
		count := len(summary.Terminated)
		if l.metrics != nil {
			l.metrics.RecordTermination(count)
		}
		if l.stream != nil {
			l.stream.Publish(EventTerminationCascade, targetID, map[string]any{
				"requester_id": requesterID,
				"count":        count,
			}, nil)
		}
	}
	return summary, err
}

var (
	errNoNamingService     = errors.New("no default llm service configured for agent naming")
	errEmptyNamingResponse = errors.New("agent naming call returned an empty response")
)

// defaultNamer asks the default LLM service for a short display name,
// returning an error when the service is unconfigured or the call fails
// so that Manager.Spawn applies its own deterministic fallbackName --
// the naming call shouldn't duplicate that fallback logic here too.
func defaultNamer(llm *llmclient.Client, orgStore *org.Store, defaultServiceID string) agentmanager.Namer {
	return func(ctx context.Context, roleID string) (string, error) {
		if _, ok := llm.Service(defaultServiceID); !ok {
			return "", errNoNamingService
		}
		role, _ := orgStore.GetRole(roleID)
		prompt := "Suggest a short, friendly first-name-style display name (one or two words, no punctuation) for an AI agent with this role: "
		if role != nil {
			prompt += role.RolePrompt
		}
		resp, err := llm.Chat(ctx, llmclient.ChatRequest{
			ServiceID: defaultServiceID,
			Messages:  []llmclient.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return "", err
		}
		if resp.Message.Content == "" {
			return "", errEmptyNamingResponse
		}
		return sanitizeName(resp.Message.Content), nil
	}
}

// shortID returns the first 8 characters of a fresh UUID, used only to
// disambiguate fallback display names.
func shortID() string {
	return uuid.NewString()[:8]
}

// sanitizeName trims an LLM-suggested name down to something fit for
// display: first line, first few words, punctuation stripped.
func sanitizeName(raw string) string {
	line := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	line = strings.Trim(line, `"'. `)
	words := strings.Fields(line)
	if len(words) > 2 {
		words = words[:2]
	}
	if len(words) == 0 {
		return "agent-" + shortID()
	}
	return strings.Join(words, " ")
}
