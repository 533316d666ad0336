package contextbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentsociety/orchestrator/internal/domain"
)

func TestBuildIncludesTaskBriefAndObjective(t *testing.T) {
	prompt := Build(Input{
		Agent: &domain.Agent{ID: "a1"},
		Role:  &domain.Role{RolePrompt: "you are a planner"},
		TaskBrief: &domain.TaskBrief{
			Objective:   "plan X",
			Constraints: []string{"<30min"},
		},
		Now: time.Now(),
	})

	assert.Contains(t, prompt, "【Task Brief】")
	assert.Contains(t, prompt, "plan X")
	assert.Contains(t, prompt, "you are a planner")
}

func TestBuildIncludesContactList(t *testing.T) {
	prompt := Build(Input{
		Agent:    &domain.Agent{ID: "a1"},
		Contacts: []Contact{{ID: "a2", Name: "Nova", Role: "researcher"}},
		Now:      time.Now(),
	})
	assert.Contains(t, prompt, "Nova")
	assert.Contains(t, prompt, "researcher")
}

func TestBuildAddsContextHintAboveThreshold(t *testing.T) {
	prompt := Build(Input{
		Agent:         &domain.Agent{ID: "a1"},
		ContextStatus: domain.ContextStatus{Ratio: 0.9},
		Now:           time.Now(),
	})
	assert.Contains(t, prompt, "Context Status")
}

func TestBuildOmitsContextHintBelowThreshold(t *testing.T) {
	prompt := Build(Input{
		Agent:         &domain.Agent{ID: "a1"},
		ContextStatus: domain.ContextStatus{Ratio: 0.1},
		Now:           time.Now(),
	})
	assert.NotContains(t, prompt, "Context Status")
}
