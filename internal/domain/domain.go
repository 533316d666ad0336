// Package domain holds the plain data model shared by every runtime
// component: roles, agents, task briefs, bus messages, payloads, artifacts,
// workspaces, and conversation turns. Types here carry json tags for
// on-disk persistence and for serialization across the tool boundary; they
// hold no behavior beyond small validators.
package domain

import "time"

// ReservedAgentID values that always exist and are never created through
// the normal spawn path.
const (
	AgentIDUser = "user"
	AgentIDRoot = "root"
)

// ComputeStatus is the orchestration-visible state of a live agent.
type ComputeStatus string

const (
	ComputeIdle        ComputeStatus = "idle"
	ComputeWaitingLLM  ComputeStatus = "waiting_llm"
	ComputeProcessing  ComputeStatus = "processing"
	ComputeStopping    ComputeStatus = "stopping"
	ComputeStopped     ComputeStatus = "stopped"
	ComputeTerminating ComputeStatus = "terminating"
)

// LifecycleStatus is whether an agent still exists in the org tree.
type LifecycleStatus string

const (
	LifecycleActive     LifecycleStatus = "active"
	LifecycleTerminated LifecycleStatus = "terminated"
)

// Role is a reusable agent template.
type Role struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RolePrompt      string    `json:"rolePrompt"`
	OrgPrompt       string    `json:"orgPrompt,omitempty"`
	ToolGroups      []string  `json:"toolGroups,omitempty"`
	PreferredLLMSvc string    `json:"preferredLlmServiceId,omitempty"`
	CreatorAgentID  string    `json:"creatorAgentId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Agent is a running instance of a role.
type Agent struct {
	ID            string          `json:"id"`
	RoleID        string          `json:"roleId"`
	CustomName    string          `json:"customName,omitempty"`
	ParentAgentID string          `json:"parentAgentId,omitempty"`
	Status        LifecycleStatus `json:"status"`
	ComputeStatus ComputeStatus   `json:"computeStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastActivity  time.Time       `json:"lastActivity"`
	TerminatedAt  *time.Time      `json:"terminatedAt,omitempty"`
	TerminationReason string      `json:"terminationReason,omitempty"`
}

// TaskBrief is the delegation contract attached to a child at spawn.
type TaskBrief struct {
	Objective          string   `json:"objective"`
	Constraints        []string `json:"constraints,omitempty"`
	Inputs             string   `json:"inputs,omitempty"`
	Outputs            string   `json:"outputs,omitempty"`
	CompletionCriteria string   `json:"completion_criteria,omitempty"`
}

// MessageType enumerates the structured payload variants.
type MessageType string

const (
	MessageTypeTaskAssignment        MessageType = "task_assignment"
	MessageTypeIntroductionRequest   MessageType = "introduction_request"
	MessageTypeIntroductionResponse  MessageType = "introduction_response"
	MessageTypeCollaborationRequest  MessageType = "collaboration_request"
	MessageTypeCollaborationResponse MessageType = "collaboration_response"
	MessageTypeStatusReport          MessageType = "status_report"
	MessageTypeGeneral               MessageType = "general"
)

// Attachment references a stored artifact from a message payload.
type Attachment struct {
	Type        string `json:"type"`
	ArtifactRef string `json:"artifactRef"`
	Filename    string `json:"filename,omitempty"`
}

// Payload is the free-form body of a bus message. Conventional fields are
// explicit; type-specific extras live in Extra.
type Payload struct {
	Text         string         `json:"text,omitempty"`
	QuickReplies []string       `json:"quickReplies,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Extra        map[string]any `json:"-"`
}

// Message is a bus envelope.
type Message struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Payload     Payload      `json:"payload"`
	TaskID      string       `json:"taskId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	DeliverAt   *time.Time   `json:"deliverAt,omitempty"`
	MessageType *MessageType `json:"messageType,omitempty"`
}

// Deliverable reports whether the message is eligible for delivery at now.
func (m *Message) Deliverable(now time.Time) bool {
	return m.DeliverAt == nil || !m.DeliverAt.After(now)
}

// Artifact is an immutable produced object.
type Artifact struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	IsBinary  bool           `json:"isBinary"`
	MimeType  string         `json:"mimeType,omitempty"`
}

// ArtifactContent pairs an Artifact's metadata with its materialized
// content: Text holds structured/text content, Bytes holds binary content.
// Exactly one of the two is populated depending on IsBinary.
type ArtifactContent struct {
	Artifact
	Text  string `json:"content,omitempty"`
	Bytes []byte `json:"-"`
}

// ConversationRole is the speaker of one conversation turn.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// ToolCall is a function-invocation request emitted by the LLM.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one entry of an agent's conversation history.
type Turn struct {
	Role       ConversationRole `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ToolCall       `json:"toolCalls,omitempty"`
	ToolCallID string           `json:"toolCallId,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// WorkspaceInfo summarizes a task's workspace tree.
type WorkspaceInfo struct {
	FileCount    int       `json:"fileCount"`
	DirCount     int       `json:"dirCount"`
	TotalSize    int64     `json:"totalSize"`
	LastModified time.Time `json:"lastModified"`
}

// ContextStatus is ConversationManager's token-budget summary for one agent.
type ContextStatus struct {
	EstimatedTokens int     `json:"estimatedTokens"`
	Limit           int     `json:"limit"`
	Ratio           float64 `json:"ratio"`
}

// TerminationSummary is the result of cascading a terminate_agent call
// across a target and its active descendants.
type TerminationSummary struct {
	Terminated []string `json:"terminated"`
}

// OrgTreeNode is one node of the nested tree returned by GetOrgTree.
type OrgTreeNode struct {
	Agent    *Agent         `json:"agent"`
	Children []*OrgTreeNode `json:"children,omitempty"`
}
