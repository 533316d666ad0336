// Package agentmanager implements the AgentManager component: lifecycle of
// live agent instances — spawn, cascading terminate, and the compute
// status state machine. Spawn's concurrency cap plus background dispatch
// is grounded on the teacher's subagent Manager.Spawn
// (internal/tools/subagent/spawn.go); cascading termination is grounded on
// SubagentRegistry's cleanup sweep idiom
// (internal/multiagent/subagent_registry.go).
package agentmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// OrgStore is the slice of OrgPrimitives that AgentManager needs.
type OrgStore interface {
	CreateAgent(roleID, parentAgentID, customName string) (*domain.Agent, error)
	GetAgent(id string) (*domain.Agent, error)
	GetChildrenOf(agentID string) []*domain.Agent
	MarkTerminated(agentID, reason string) error
	SetComputeStatus(agentID string, status domain.ComputeStatus) error
}

// Bus is the slice of MessageBus that AgentManager needs for registering
// recipients, delivering the spawn's initial message, and aborting a
// terminated agent's inbox.
type Bus interface {
	RegisterRecipient(id string)
	UnregisterRecipient(id string)
	AbortPending(recipientID string)
	Send(from, to string, payload domain.Payload, taskID string) (string, error)
}

// TaskBriefStore persists per-agent task briefs; AgentManager clears a
// brief on termination per the specification's TaskBrief lifecycle.
type TaskBriefStore interface {
	Set(agentID string, brief domain.TaskBrief)
	Get(agentID string) (domain.TaskBrief, bool)
	Clear(agentID string)
}

// Namer assigns a short custom name to a newly spawned agent; a best-effort
// LLM call with a deterministic fallback on failure.
type Namer func(ctx context.Context, roleID string) (string, error)

// WorkspaceAllocator creates a fresh workspace for a root's direct child.
type WorkspaceAllocator interface {
	CreateWorkspace(taskID string) error
}

// inFlightCall lets AgentManager cancel an agent's outstanding LlmClient
// call during abort/terminate.
type inFlightCall struct {
	cancel context.CancelFunc
}

// Manager is the AgentManager implementation.
type Manager struct {
	mu        sync.Mutex
	org       OrgStore
	bus       Bus
	briefs    TaskBriefStore
	workspace WorkspaceAllocator
	namer     Namer
	logger    *slog.Logger

	inFlight map[string]*inFlightCall
}

// Config bundles Manager's collaborators for New.
type Config struct {
	Org       OrgStore
	Bus       Bus
	Briefs    TaskBriefStore
	Workspace WorkspaceAllocator
	Namer     Namer
	Logger    *slog.Logger
}

// New creates a Manager wired to cfg's collaborators.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		org: cfg.Org, bus: cfg.Bus, briefs: cfg.Briefs,
		workspace: cfg.Workspace, namer: cfg.Namer, logger: logger,
		inFlight: make(map[string]*inFlightCall),
	}
}

// fallbackName is used when the best-effort naming LLM call fails.
func fallbackName(roleID string) string {
	return fmt.Sprintf("agent-%s", roleID[:minInt(8, len(roleID))])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Spawn creates a child of parentID running roleID, binds the task brief,
// allocates a workspace when parentID is root, registers the agent with
// the bus, and enqueues initialMessage.
func (m *Manager) Spawn(ctx context.Context, parentID, roleID, customName string, brief domain.TaskBrief, initialMessage string) (*domain.Agent, error) {
	if _, err := m.org.GetAgent(parentID); err != nil {
		return nil, err
	}

	name := customName
	if name == "" && m.namer != nil {
		generated, err := m.namer(ctx, roleID)
		if err != nil {
			m.logger.Warn("agent naming call failed, using fallback", "roleId", roleID, "error", err)
			name = fallbackName(roleID)
		} else {
			name = generated
		}
	}

	agent, err := m.org.CreateAgent(roleID, parentID, name)
	if err != nil {
		return nil, err
	}

	m.bus.RegisterRecipient(agent.ID)
	if m.briefs != nil {
		m.briefs.Set(agent.ID, brief)
	}

	if parentID == domain.AgentIDRoot && m.workspace != nil {
		if err := m.workspace.CreateWorkspace(agent.ID); err != nil {
			m.logger.Warn("workspace allocation failed", "agentId", agent.ID, "error", err)
		}
	}

	if initialMessage != "" {
		if _, err := m.bus.Send(parentID, agent.ID, domain.Payload{Text: initialMessage}, agent.ID); err != nil {
			m.logger.Warn("failed to deliver initial message to new agent", "agentId", agent.ID, "error", err)
		}
	}

	return agent, nil
}

// IsDescendant reports whether targetID is a (possibly indirect)
// descendant of ancestorID, satisfying the permission rule terminate_agent
// enforces.
func (m *Manager) IsDescendant(ancestorID, targetID string) bool {
	current, err := m.org.GetAgent(targetID)
	if err != nil {
		return false
	}
	for current.ParentAgentID != "" {
		if current.ParentAgentID == ancestorID {
			return true
		}
		next, err := m.org.GetAgent(current.ParentAgentID)
		if err != nil {
			return false
		}
		current = next
	}
	return false
}

// Terminate cascades termination depth-first over targetID and its
// descendants: aborts any in-flight LLM call, empties the inbox, clears
// the task brief, and persists the termination reason for each.
func (m *Manager) Terminate(ctx context.Context, requesterID, targetID, reason string) (domain.TerminationSummary, error) {
	var order []string
	var collect func(id string)
	collect = func(id string) {
		for _, child := range m.org.GetChildrenOf(id) {
			if child.Status == domain.LifecycleActive {
				collect(child.ID)
			}
		}
		order = append(order, id)
	}
	collect(targetID)

	for _, id := range order {
		m.abortInFlight(id)
		m.bus.AbortPending(id)
		m.bus.UnregisterRecipient(id)
		if m.briefs != nil {
			m.briefs.Clear(id)
		}
		if err := m.org.MarkTerminated(id, reason); err != nil {
			return domain.TerminationSummary{}, err
		}
	}
	return domain.TerminationSummary{Terminated: order}, nil
}

func (m *Manager) abortInFlight(agentID string) {
	m.mu.Lock()
	call, ok := m.inFlight[agentID]
	delete(m.inFlight, agentID)
	m.mu.Unlock()
	if ok && call.cancel != nil {
		call.cancel()
	}
}

// BeginLLMCall registers a cancel function for agentID's in-flight LLM
// call so Abort/Terminate can cancel it, returning a derived context.
func (m *Manager) BeginLLMCall(ctx context.Context, agentID string) context.Context {
	derived, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.inFlight[agentID] = &inFlightCall{cancel: cancel}
	m.mu.Unlock()
	return derived
}

// EndLLMCall releases the cancel function registered by BeginLLMCall.
func (m *Manager) EndLLMCall(agentID string) {
	m.mu.Lock()
	delete(m.inFlight, agentID)
	m.mu.Unlock()
}

// legalTransitions enumerates the compute-status state machine.
var legalTransitions = map[domain.ComputeStatus][]domain.ComputeStatus{
	domain.ComputeIdle:        {domain.ComputeProcessing, domain.ComputeTerminating},
	domain.ComputeProcessing:  {domain.ComputeWaitingLLM, domain.ComputeIdle, domain.ComputeStopping, domain.ComputeTerminating},
	domain.ComputeWaitingLLM:  {domain.ComputeProcessing, domain.ComputeStopping, domain.ComputeTerminating},
	domain.ComputeStopping:    {domain.ComputeStopped, domain.ComputeTerminating},
	domain.ComputeStopped:     {domain.ComputeIdle, domain.ComputeTerminating},
	domain.ComputeTerminating: {},
}

// SetStatus transitions agentID to newStatus if legal; illegal transitions
// are ignored with a warning, per the specification.
func (m *Manager) SetStatus(agentID string, newStatus domain.ComputeStatus) error {
	agent, err := m.org.GetAgent(agentID)
	if err != nil {
		return err
	}
	allowed := legalTransitions[agent.ComputeStatus]
	legal := false
	for _, s := range allowed {
		if s == newStatus {
			legal = true
			break
		}
	}
	if !legal {
		m.logger.Warn("ignored illegal compute status transition", "agentId", agentID, "from", agent.ComputeStatus, "to", newStatus)
		return nil
	}
	return m.org.SetComputeStatus(agentID, newStatus)
}

// GetStatus returns agentID's current compute status.
func (m *Manager) GetStatus(agentID string) (domain.ComputeStatus, error) {
	agent, err := m.org.GetAgent(agentID)
	if err != nil {
		return "", err
	}
	return agent.ComputeStatus, nil
}

// AbortLLMCall transitions agentID to stopped, cancels its in-flight call,
// and drops its pending inbox; if cascade, applies to all descendants too.
func (m *Manager) AbortLLMCall(agentID string, cascade bool) error {
	targets := []string{agentID}
	if cascade {
		var collect func(id string)
		collect = func(id string) {
			for _, c := range m.org.GetChildrenOf(id) {
				targets = append(targets, c.ID)
				collect(c.ID)
			}
		}
		collect(agentID)
	}
	for _, id := range targets {
		agent, err := m.org.GetAgent(id)
		if err != nil {
			continue
		}
		if agent.ComputeStatus == domain.ComputeStopped {
			return orcherr.New(orcherr.CodeAlreadyStopped, id)
		}
		_ = m.SetStatus(id, domain.ComputeStopping)
		m.abortInFlight(id)
		m.bus.AbortPending(id)
		if agent.ComputeStatus == domain.ComputeIdle {
			// idle has no legal edge to stopping, so it goes straight to stopped
			_ = m.org.SetComputeStatus(id, domain.ComputeStopped)
			continue
		}
		_ = m.SetStatus(id, domain.ComputeStopped)
	}
	return nil
}
