package agentmanager

import (
	"sync"

	"github.com/agentsociety/orchestrator/internal/domain"
)

// BriefStore is an in-memory TaskBriefStore: task briefs are delegation
// contracts scoped to a single agent's lifetime and never need to survive
// a restart independent of the agent itself, unlike roles/agents (org.Store)
// or artifacts (artifacts.Store), which is why this stays a plain
// mutex-guarded map rather than a persisted store of its own.
type BriefStore struct {
	mu      sync.RWMutex
	briefs  map[string]domain.TaskBrief
}

// NewBriefStore creates an empty BriefStore.
func NewBriefStore() *BriefStore {
	return &BriefStore{briefs: make(map[string]domain.TaskBrief)}
}

func (s *BriefStore) Set(agentID string, brief domain.TaskBrief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.briefs[agentID] = brief
}

func (s *BriefStore) Get(agentID string) (domain.TaskBrief, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	brief, ok := s.briefs[agentID]
	return brief, ok
}

func (s *BriefStore) Clear(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.briefs, agentID)
}
