// Package contextbuilder implements the ContextBuilder component: it
// assembles the system prompt and message list handed to LlmClient for one
// turn, concatenating role prompt, org-architecture prompt, runtime facts,
// task brief, contact list, and a context-status hint. The contact-list
// assembly is grounded on the teacher's peer-context helpers
// (internal/multiagent/context.go); runtime-facts formatting is grounded
// on internal/tools/facts/extract.go.
package contextbuilder

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentsociety/orchestrator/internal/domain"
)

// Contact is one peer the agent may message, shown in the contact list.
type Contact struct {
	ID   string
	Name string
	Role string
}

// Input is everything ContextBuilder needs to assemble one system prompt.
type Input struct {
	Agent          *domain.Agent
	Role           *domain.Role
	OrgPrompt      string // resolved: agent's own, else inherited from creator
	TaskBrief      *domain.TaskBrief
	Contacts       []Contact
	ContextStatus  domain.ContextStatus
	StatusHintRatio float64
	Now            time.Time
}

// softStatusHintDefault is the ratio above which a context-status hint is
// appended, suggesting the agent summarize and stop soon.
const softStatusHintDefault = 0.6

// Build assembles the system prompt string in the order the specification
// lists: role prompt, org prompt, runtime facts, task brief, contact list,
// then a context-status hint when warranted.
func Build(in Input) string {
	var b strings.Builder

	if in.Role != nil && in.Role.RolePrompt != "" {
		b.WriteString(in.Role.RolePrompt)
		b.WriteString("\n\n")
	}

	if in.OrgPrompt != "" {
		b.WriteString(in.OrgPrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("【Runtime】\n")
	fmt.Fprintf(&b, "agent_id: %s\n", in.Agent.ID)
	if in.Agent.CustomName != "" {
		fmt.Fprintf(&b, "name: %s\n", in.Agent.CustomName)
	}
	if in.Agent.ParentAgentID != "" {
		fmt.Fprintf(&b, "parent_id: %s\n", in.Agent.ParentAgentID)
	}
	fmt.Fprintf(&b, "current_time: %s\n\n", in.Now.Format(time.RFC3339))

	if in.TaskBrief != nil {
		b.WriteString("【Task Brief】\n")
		fmt.Fprintf(&b, "objective: %s\n", in.TaskBrief.Objective)
		if len(in.TaskBrief.Constraints) > 0 {
			fmt.Fprintf(&b, "constraints: %s\n", strings.Join(in.TaskBrief.Constraints, "; "))
		}
		if in.TaskBrief.Inputs != "" {
			fmt.Fprintf(&b, "inputs: %s\n", in.TaskBrief.Inputs)
		}
		if in.TaskBrief.Outputs != "" {
			fmt.Fprintf(&b, "outputs: %s\n", in.TaskBrief.Outputs)
		}
		if in.TaskBrief.CompletionCriteria != "" {
			fmt.Fprintf(&b, "completion_criteria: %s\n", in.TaskBrief.CompletionCriteria)
		}
		b.WriteString("\n")
	}

	if len(in.Contacts) > 0 {
		b.WriteString("【Contacts】\n")
		for _, c := range in.Contacts {
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, c.ID, c.Role)
		}
		b.WriteString("\n")
	}

	hint := in.StatusHintRatio
	if hint == 0 {
		hint = softStatusHintDefault
	}
	if in.ContextStatus.Ratio > hint {
		fmt.Fprintf(&b, "【Context Status】\nYour conversation is at %.0f%% of its context budget; consider summarizing progress and wrapping up soon.\n\n", in.ContextStatus.Ratio*100)
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
