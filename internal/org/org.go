// Package org implements the OrgPrimitives component: a persistent store
// of roles and agent metadata with parent/child edges and a termination
// log. The write-through JSON store with atomic rename and an in-memory
// cache restored at startup is grounded directly on the teacher's
// SubagentRegistry (internal/multiagent/subagent_registry.go persist/
// restore pair).
package org

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// Store persists roles and agents under a directory, matching the layout
// <dataDir>/org/{roles.json,agents.json,terminations.jsonl}.
type Store struct {
	mu     sync.RWMutex
	dir    string
	logger *slog.Logger

	roles  map[string]*domain.Role
	agents map[string]*domain.Agent
}

func (s *Store) rolesPath() string        { return filepath.Join(s.dir, "roles.json") }
func (s *Store) agentsPath() string       { return filepath.Join(s.dir, "agents.json") }
func (s *Store) terminationsPath() string { return filepath.Join(s.dir, "terminations.jsonl") }

// New creates a Store rooted at dir, restoring any previously persisted
// roles/agents and seeding the two reserved sentinel agents (user, root)
// if they are not already present.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		logger: logger,
		roles:  make(map[string]*domain.Role),
		agents: make(map[string]*domain.Agent),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	s.seedSentinels()
	return s, nil
}

func (s *Store) seedSentinels() {
	now := time.Now()
	for _, id := range []string{domain.AgentIDUser, domain.AgentIDRoot} {
		if _, ok := s.agents[id]; ok {
			continue
		}
		s.agents[id] = &domain.Agent{
			ID:            id,
			Status:        domain.LifecycleActive,
			ComputeStatus: domain.ComputeIdle,
			CreatedAt:     now,
			LastActivity:  now,
		}
	}
	_ = s.persistAgentsLocked()
}

func (s *Store) restore() error {
	if data, err := os.ReadFile(s.rolesPath()); err == nil {
		var roles map[string]*domain.Role
		if err := json.Unmarshal(data, &roles); err != nil {
			return fmt.Errorf("parse roles store: %w", err)
		}
		if roles != nil {
			s.roles = roles
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if data, err := os.ReadFile(s.agentsPath()); err == nil {
		var agents map[string]*domain.Agent
		if err := json.Unmarshal(data, &agents); err != nil {
			return fmt.Errorf("parse agents store: %w", err)
		}
		if agents != nil {
			s.agents = agents
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

func persistJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) persistRolesLocked() error  { return persistJSON(s.rolesPath(), s.roles) }
func (s *Store) persistAgentsLocked() error { return persistJSON(s.agentsPath(), s.agents) }

func (s *Store) appendTerminationLocked(agentID, reason string) error {
	f, err := os.OpenFile(s.terminationsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	entry := map[string]any{"agentId": agentID, "reason": reason, "terminatedAt": time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

// CreateRole persists a new role and returns it.
func (s *Store) CreateRole(name, rolePrompt, orgPrompt string, toolGroups []string, preferredSvc, creatorAgentID string) (*domain.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &domain.Role{
		ID:              uuid.NewString(),
		Name:            name,
		RolePrompt:      rolePrompt,
		OrgPrompt:       orgPrompt,
		ToolGroups:      toolGroups,
		PreferredLLMSvc: preferredSvc,
		CreatorAgentID:  creatorAgentID,
		CreatedAt:       time.Now(),
	}
	s.roles[r.ID] = r
	if err := s.persistRolesLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRole returns a role by id, or an orcherr role_not_found.
func (s *Store) GetRole(id string) (*domain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, orcherr.New(orcherr.CodeRoleNotFound, id)
	}
	return r, nil
}

// FindRoleByName returns the first role matching name, or nil if none.
func (s *Store) FindRoleByName(name string) *domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// ListRoles returns every known role.
func (s *Store) ListRoles() []*domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out
}

// UpdateRole mutates the description-only fields of an existing role
// (role prompt and org prompt); name, toolGroups and creator are not
// changed by it. toolGroups and creator are immutable after creation
// per the Role invariant.
func (s *Store) UpdateRole(id string, rolePrompt, orgPrompt *string) (*domain.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, orcherr.New(orcherr.CodeRoleNotFound, id)
	}
	if rolePrompt != nil {
		r.RolePrompt = *rolePrompt
	}
	if orgPrompt != nil {
		r.OrgPrompt = *orgPrompt
	}
	if err := s.persistRolesLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateAgent registers a new live agent under parentAgentID.
func (s *Store) CreateAgent(roleID, parentAgentID, customName string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentAgentID != "" {
		if _, ok := s.agents[parentAgentID]; !ok {
			return nil, orcherr.New(orcherr.CodeAgentNotFound, parentAgentID)
		}
	}
	now := time.Now()
	a := &domain.Agent{
		ID:            uuid.NewString(),
		RoleID:        roleID,
		CustomName:    customName,
		ParentAgentID: parentAgentID,
		Status:        domain.LifecycleActive,
		ComputeStatus: domain.ComputeIdle,
		CreatedAt:     now,
		LastActivity:  now,
	}
	s.agents[a.ID] = a
	if err := s.persistAgentsLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, orcherr.New(orcherr.CodeAgentNotFound, id)
	}
	return a, nil
}

// ListAgents returns every known agent, live or terminated.
func (s *Store) ListAgents() []*domain.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// GetChildrenOf returns the direct children of agentID.
func (s *Store) GetChildrenOf(agentID string) []*domain.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.ParentAgentID == agentID {
			out = append(out, a)
		}
	}
	return out
}

// MarkTerminated sets an agent's lifecycle status to terminated and appends
// an entry to the termination log.
func (s *Store) MarkTerminated(agentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.CodeAgentNotFound, agentID)
	}
	if a.Status == domain.LifecycleTerminated {
		return nil
	}
	now := time.Now()
	a.Status = domain.LifecycleTerminated
	a.ComputeStatus = domain.ComputeTerminating
	a.TerminatedAt = &now
	a.TerminationReason = reason
	if err := s.persistAgentsLocked(); err != nil {
		return err
	}
	return s.appendTerminationLocked(agentID, reason)
}

// SetComputeStatus updates an agent's compute status without lifecycle
// bookkeeping; the state-machine legality check lives in agentmanager.
func (s *Store) SetComputeStatus(agentID string, status domain.ComputeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.CodeAgentNotFound, agentID)
	}
	a.ComputeStatus = status
	a.LastActivity = time.Now()
	return s.persistAgentsLocked()
}

// GetOrgTree returns the nested tree of agents rooted at "root";
// terminated agents are included alongside active ones.
func (s *Store) GetOrgTree() *domain.OrgTreeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	childrenOf := make(map[string][]*domain.Agent)
	for _, a := range s.agents {
		childrenOf[a.ParentAgentID] = append(childrenOf[a.ParentAgentID], a)
	}
	var build func(id string) *domain.OrgTreeNode
	build = func(id string) *domain.OrgTreeNode {
		a := s.agents[id]
		node := &domain.OrgTreeNode{Agent: a}
		for _, child := range childrenOf[id] {
			node.Children = append(node.Children, build(child.ID))
		}
		return node
	}
	return build(domain.AgentIDRoot)
}
